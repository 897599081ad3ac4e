package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbus/internal/store"
	apperrors "eventbus/pkg/errors"
	"eventbus/pkg/models"
)

func TestRegistry_LookupCachesTypes(t *testing.T) {
	gw := store.NewMemoryGateway()
	reg, err := newRegistry(gw, 8)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, reg.register(ctx, &models.EventType{Name: "a.b", Active: true, PayloadSchema: orderSchema, CreatedAt: time.Now()}))

	rt, err := reg.lookup(ctx, "a.b")
	require.NoError(t, err)
	require.NotNil(t, rt)
	assert.NotNil(t, rt.payloadSchema)
	assert.Nil(t, rt.metadataSchema)

	calls := gw.Calls()
	_, err = reg.lookup(ctx, "a.b")
	require.NoError(t, err)
	assert.Equal(t, calls, gw.Calls())

	missing, err := reg.lookup(ctx, "never.seen")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRegistry_LookupPropagatesStoreErrors(t *testing.T) {
	gw := store.NewMemoryGateway()
	reg, err := newRegistry(gw, 0)
	require.NoError(t, err)

	gw.FailOn("GetEventType", errors.New("connection reset"))
	_, err = reg.lookup(context.Background(), "a.b")
	assert.Error(t, err)
}

func TestRegistry_Deactivate(t *testing.T) {
	gw := store.NewMemoryGateway()
	reg, err := newRegistry(gw, 8)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, reg.register(ctx, &models.EventType{Name: "a.b", Active: true}))
	_, err = reg.lookup(ctx, "a.b")
	require.NoError(t, err)

	require.NoError(t, reg.deactivate(ctx, "a.b"))
	rt, err := reg.lookup(ctx, "a.b")
	require.NoError(t, err)
	require.NotNil(t, rt)
	assert.False(t, rt.Active)

	assert.True(t, apperrors.IsNotFound(reg.deactivate(ctx, "missing.type")))
}

func TestRegistry_Warm(t *testing.T) {
	gw := store.NewMemoryGateway()
	ctx := context.Background()
	for _, name := range []string{"a.one", "a.two"} {
		require.NoError(t, gw.UpsertEventType(ctx, &models.EventType{Name: name, Active: true}))
	}

	reg, err := newRegistry(gw, 8)
	require.NoError(t, err)
	n, err := reg.warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	calls := gw.Calls()
	_, err = reg.lookup(ctx, "a.two")
	require.NoError(t, err)
	assert.Equal(t, calls, gw.Calls())
}

func TestRegisteredType_Validate(t *testing.T) {
	rt, err := compile(&models.EventType{
		Name:           "order.created",
		PayloadSchema:  orderSchema,
		MetadataSchema: []byte(`{"type":"object","properties":{"traceId":{"type":"string"}}}`),
	})
	require.NoError(t, err)

	assert.NoError(t, rt.validate(map[string]interface{}{"orderId": "o1"}, nil))
	assert.True(t, apperrors.IsValidation(rt.validate(map[string]interface{}{"orderId": 1.0}, nil)))
	assert.True(t, apperrors.IsValidation(rt.validate(map[string]interface{}{"orderId": "o1"}, map[string]interface{}{"traceId": 7.0})))

	plain, err := compile(&models.EventType{Name: "free.form", PayloadSchema: []byte("null")})
	require.NoError(t, err)
	assert.NoError(t, plain.validate("anything", nil))
}
