package eventbus

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"

	"eventbus/internal/store"
	apperrors "eventbus/pkg/errors"
	"eventbus/pkg/models"
)

// registeredType is an event type with its schemas compiled once per cache fill.
type registeredType struct {
	models.EventType
	payloadSchema  *gojsonschema.Schema
	metadataSchema *gojsonschema.Schema
}

type registry struct {
	gw    store.EventTypeStore
	cache *lru.Cache[string, *registeredType]
}

func newRegistry(gw store.EventTypeStore, size int) (*registry, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, *registeredType](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create event type cache: %w", err)
	}
	return &registry{gw: gw, cache: cache}, nil
}

func (r *registry) register(ctx context.Context, t *models.EventType) error {
	if _, err := compile(t); err != nil {
		return err
	}
	if err := r.gw.UpsertEventType(ctx, t); err != nil {
		return fmt.Errorf("failed to register event type %s: %w", t.Name, err)
	}
	r.cache.Remove(t.Name)
	return nil
}

func (r *registry) deactivate(ctx context.Context, name string) error {
	if err := r.gw.SetEventTypeActive(ctx, name, false); err != nil {
		return err
	}
	r.cache.Remove(name)
	return nil
}

// lookup returns the type regardless of its active flag, or nil when it was never registered.
func (r *registry) lookup(ctx context.Context, name string) (*registeredType, error) {
	if rt, ok := r.cache.Get(name); ok {
		return rt, nil
	}

	t, err := r.gw.GetEventType(ctx, name)
	if apperrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rt, err := compile(t)
	if err != nil {
		return nil, err
	}
	r.cache.Add(name, rt)
	return rt, nil
}

// warm fills the cache with every stored type.
func (r *registry) warm(ctx context.Context) (int, error) {
	types, err := r.gw.ListEventTypes(ctx)
	if err != nil {
		return 0, err
	}
	for i := range types {
		rt, err := compile(&types[i])
		if err != nil {
			return 0, err
		}
		r.cache.Add(rt.Name, rt)
	}
	return len(types), nil
}

func compile(t *models.EventType) (*registeredType, error) {
	rt := &registeredType{EventType: *t}

	if t.HasPayloadSchema() {
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.PayloadSchema))
		if err != nil {
			return nil, apperrors.ErrValidation.
				WithMessage("payload schema of %s does not compile", t.Name).
				WithCause(err)
		}
		rt.payloadSchema = s
	}

	if len(t.MetadataSchema) > 0 && string(t.MetadataSchema) != "null" {
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(t.MetadataSchema))
		if err != nil {
			return nil, apperrors.ErrValidation.
				WithMessage("metadata schema of %s does not compile", t.Name).
				WithCause(err)
		}
		rt.metadataSchema = s
	}

	return rt, nil
}

// validate checks payload and metadata against the declared schemas.
func (rt *registeredType) validate(payload interface{}, metadata map[string]interface{}) error {
	if err := check(rt.payloadSchema, payload, rt.Name, "payload"); err != nil {
		return err
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return check(rt.metadataSchema, metadata, rt.Name, "metadata")
}

func check(schema *gojsonschema.Schema, doc interface{}, name, what string) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return apperrors.ErrValidation.WithMessage("%s of %s is not valid JSON", what, name).WithCause(err)
	}
	if result.Valid() {
		return nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		violations = append(violations, re.String())
	}
	return apperrors.ErrValidation.
		WithMessage("%s does not match the schema of %s", what, name).
		WithDetail("violations", violations)
}
