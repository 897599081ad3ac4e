// Package eventbus is the in-process publish/subscribe engine shared by
// plugins and core services. Events are typed, optionally schema-checked and
// persisted, and delivered to pattern subscriptions in priority order.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"eventbus/internal/config"
	"eventbus/internal/constants"
	"eventbus/internal/logger"
	"eventbus/internal/pattern"
	"eventbus/internal/store"
	"eventbus/pkg/cel"
	apperrors "eventbus/pkg/errors"
	"eventbus/pkg/logging"
	"eventbus/pkg/metrics"
	"eventbus/pkg/models"
	"eventbus/pkg/ratelimit"
	"eventbus/pkg/tracing"
)

const tracerName = "eventbus"

// DeadLetterNotifier is told about every dead-lettered delivery.
type DeadLetterNotifier interface {
	NotifyDeadLetter(ctx context.Context, dl models.DeadLetter) error
}

// ArchiveSink receives archived events before they are hard-deleted.
type ArchiveSink interface {
	ArchiveEvents(ctx context.Context, events []models.StoredEvent) error
}

type Deps struct {
	Gateway store.Gateway
	Logger  logger.Logger
	Metrics metrics.Sink
	// Quota defaults to counters kept in the gateway.
	Quota       QuotaStore
	DeadLetters DeadLetterNotifier
	Archive     ArchiveSink
	// ArchiveBatchSize bounds each export round of the cleanup task.
	ArchiveBatchSize int
}

type Bus struct {
	cfg       config.EventBusConfig
	gw        store.Gateway
	logger    logger.Logger
	sink      metrics.Sink
	notifier  DeadLetterNotifier
	archive   ArchiveSink
	batchSize int
	now       func() time.Time

	registry  *registry
	subs      *subscriptionRegistry
	guard     *permissionGuard
	local     *localChannel
	evaluator *cel.Evaluator
	minute    *ratelimit.KeyedLimiter
	queue     *asyncQueue

	listenersMu sync.Mutex
	listeners   map[string]func()

	degraded    atomic.Bool
	initialized atomic.Bool
	draining    atomic.Bool

	ctx          context.Context
	cancel       context.CancelFunc
	stopTasks    context.CancelFunc
	tasks        sync.WaitGroup
	background   sync.WaitGroup
	shutdownOnce sync.Once
}

func New(cfg config.EventBusConfig, deps Deps) (*Bus, error) {
	if deps.Gateway == nil {
		return nil, errors.New("event bus requires a gateway")
	}
	if deps.Logger == nil {
		deps.Logger = logger.NopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopSink{}
	}
	if deps.Quota == nil {
		deps.Quota = NewStoreQuota(deps.Gateway)
	}
	if deps.ArchiveBatchSize <= 0 {
		deps.ArchiveBatchSize = constants.DefaultLimit
	}
	if cfg.DefaultHandlerTimeout <= 0 {
		cfg.DefaultHandlerTimeout = constants.DefaultTimeoutMs * time.Millisecond
	}
	if cfg.DrainBatchSize <= 0 {
		cfg.DrainBatchSize = 10
	}

	reg, err := newRegistry(deps.Gateway, cfg.EventTypeCacheSize)
	if err != nil {
		return nil, err
	}
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition evaluator: %w", err)
	}

	var minute *ratelimit.KeyedLimiter
	if cfg.Quota.EnforcePerMinute {
		minute = ratelimit.NewKeyedLimiter(time.Minute, 10*time.Minute)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bus{
		cfg:       cfg,
		gw:        deps.Gateway,
		logger:    deps.Logger,
		sink:      deps.Metrics,
		notifier:  deps.DeadLetters,
		archive:   deps.Archive,
		batchSize: deps.ArchiveBatchSize,
		now:       time.Now,
		registry:  reg,
		subs:      newSubscriptionRegistry(),
		guard:     newPermissionGuard(deps.Gateway, deps.Quota, minute),
		local:     newLocalChannel(deps.Logger),
		evaluator: evaluator,
		minute:    minute,
		queue:     newAsyncQueue(),
		listeners: make(map[string]func()),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Initialize registers the system event types, loads subscriptions and
// permissions, and starts the background tasks. When the tables are missing
// and degraded mode is enabled it succeeds without doing any of that, and
// Publish and Subscribe become no-ops.
func (b *Bus) Initialize(ctx context.Context) error {
	if !b.initialized.CompareAndSwap(false, true) {
		return nil
	}

	if err := b.load(ctx); err != nil {
		if store.IsUndefinedTable(err) && b.cfg.DegradedMode {
			b.degraded.Store(true)
			b.logger.WarnwCtx(ctx, "Event store schema is missing, running in degraded mode",
				"error", err,
			)
			return nil
		}
		b.initialized.Store(false)
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}

	b.startTasks()
	b.local.emit(b.systemEvent(constants.SystemStartup))
	return nil
}

func (b *Bus) load(ctx context.Context) error {
	if err := b.gw.Ping(ctx); err != nil {
		return err
	}

	for _, st := range constants.SystemEventTypes {
		maxRetries := constants.DefaultMaxRetries
		if err := b.registerType(ctx, st.Name, EventTypeOptions{
			Category:     st.Category,
			IsPersistent: true,
			MaxRetries:   &maxRetries,
			TTLSeconds:   constants.SystemEventTTLSeconds,
		}); err != nil {
			return err
		}
	}

	types, err := b.registry.warm(ctx)
	if err != nil {
		return err
	}
	if err := b.Reload(ctx); err != nil {
		return err
	}
	perms, err := b.guard.reload(ctx)
	if err != nil {
		return err
	}

	subs, _ := b.subs.counts()
	b.logger.InfowCtx(ctx, "Event bus initialized",
		"event_types", types,
		"subscriptions", subs,
		"plugin_permissions", perms,
	)
	return nil
}

// Reload rebuilds the subscription index from the active, non-paused rows.
// Handlers registered in this process survive for subscriptions still present.
func (b *Bus) Reload(ctx context.Context) error {
	subs, err := b.gw.ListActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}
	b.subs.reload(subs)

	b.listenersMu.Lock()
	for id, release := range b.listeners {
		if _, ok := b.subs.get(id); !ok {
			release()
			delete(b.listeners, id)
		}
	}
	b.listenersMu.Unlock()
	return nil
}

func (b *Bus) Degraded() bool {
	return b.degraded.Load()
}

// Publish validates, optionally persists and then dispatches an event, and
// returns its id.
func (b *Bus) Publish(ctx context.Context, eventName string, payload interface{}, opts PublishOptions) (string, error) {
	if b.degraded.Load() {
		return uuid.NewString(), nil
	}

	ctx, span := tracing.GetTracer(tracerName).Start(ctx, "eventbus.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.name", eventName),
		attribute.String("event.source_type", opts.SourceType),
	)

	id, err := b.publish(ctx, eventName, payload, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.sink.PublishRejected(rejectReason(err))
		return "", err
	}
	span.SetAttributes(attribute.String("event.id", id))
	return id, nil
}

func (b *Bus) publish(ctx context.Context, eventName string, payload interface{}, opts PublishOptions) (string, error) {
	if eventName == "" || pattern.IsWildcard(eventName) || !pattern.Validate(eventName) {
		return "", apperrors.ErrValidation.WithMessage("invalid event name %q", eventName)
	}
	if opts.SourceType == "" {
		opts.SourceType = models.SourceTypeSystem
	}
	if !validSourceType(opts.SourceType) {
		return "", apperrors.ErrValidation.WithMessage("unknown source type %q", opts.SourceType)
	}

	normalized, size, err := normalize(payload)
	if err != nil {
		return "", apperrors.ErrValidation.WithMessage("payload of %s is not JSON encodable", eventName).WithCause(err)
	}

	if opts.SourceType == models.SourceTypePlugin {
		if err := b.guard.admitEmit(ctx, opts.SourceID, eventName, size); err != nil {
			return "", err
		}
	}

	rt, err := b.registry.lookup(ctx, eventName)
	if err != nil {
		return "", err
	}
	if rt != nil && !rt.Active {
		return "", apperrors.ErrValidation.WithMessage("event type %s is inactive", eventName)
	}
	if rt != nil {
		if err := rt.validate(normalized, opts.Metadata); err != nil {
			return "", err
		}
	}

	now := b.now()
	event := models.Event{
		EventID:       uuid.NewString(),
		EventName:     eventName,
		EventVersion:  models.DefaultEventVersion,
		SourceID:      opts.SourceID,
		SourceType:    opts.SourceType,
		CorrelationID: opts.CorrelationID,
		CausationID:   opts.CausationID,
		Payload:       normalized,
		Metadata:      opts.Metadata,
		OccurredAt:    now,
	}
	ctx = logging.WithEvent(ctx, event.EventID, event.EventName)

	persisted := rt != nil && rt.IsPersistent
	if persisted {
		stored := &models.StoredEvent{
			Event:     event,
			Status:    models.EventStatusPending,
			ExpiresAt: rt.ExpiresAt(now),
		}
		if err := b.gw.InsertEvent(ctx, stored); err != nil {
			return "", fmt.Errorf("failed to persist event %s: %w", eventName, err)
		}
	}
	b.sink.EventPublished(eventName, opts.SourceType)

	if rt != nil && rt.IsAsync {
		b.queue.push(queuedEvent{event: event, persisted: persisted})
		b.logger.DebugwCtx(ctx, "Event queued for async dispatch", "queue_depth", b.queue.len())
	} else {
		b.dispatch(ctx, event, persisted)
	}

	b.local.emit(event)
	return event.EventID, nil
}

// Subscribe registers handler for events whose name matches eventPattern and
// returns the subscription id.
func (b *Bus) Subscribe(ctx context.Context, subscriberID, eventPattern string, handler Handler, opts SubscribeOptions) (string, error) {
	if b.degraded.Load() {
		return uuid.NewString(), nil
	}

	sub, err := b.buildSubscription(subscriberID, eventPattern, handler, opts)
	if err != nil {
		return "", err
	}

	maxSubscriptions := 0
	if sub.SubscriberType == models.SubscriberTypePlugin {
		p, err := b.guard.authorize(ctx, subscriberID, actionSubscribe, eventPattern)
		if err != nil {
			return "", err
		}
		maxSubscriptions = p.MaxSubscriptions
	}

	err = b.gw.InTx(ctx, func(tx store.Gateway) error {
		if maxSubscriptions > 0 {
			n, err := tx.CountSubscriptions(ctx, subscriberID)
			if err != nil {
				return err
			}
			if n >= maxSubscriptions {
				return apperrors.ErrRateLimited.
					WithMessage("plugin %s reached its limit of %d subscriptions", subscriberID, maxSubscriptions).
					WithDetail("plugin_id", subscriberID)
			}
		}
		return tx.InsertSubscription(ctx, sub)
	})
	if err != nil {
		return "", err
	}

	b.subs.add(*sub, handler)

	if opts.LocalListener != nil && !pattern.IsWildcard(eventPattern) {
		release, err := b.local.listen(eventPattern, opts.LocalListener)
		if err != nil {
			b.logger.WarnwCtx(ctx, "Failed to register local listener",
				"subscription_id", sub.SubscriptionID,
				"error", err,
			)
		} else {
			b.listenersMu.Lock()
			b.listeners[sub.SubscriptionID] = release
			b.listenersMu.Unlock()
		}
	}

	b.logger.InfowCtx(ctx, "Subscription registered",
		"subscription_id", sub.SubscriptionID,
		"subscriber_id", subscriberID,
		"event_pattern", eventPattern,
		"priority", sub.Priority,
	)
	return sub.SubscriptionID, nil
}

func (b *Bus) buildSubscription(subscriberID, eventPattern string, handler Handler, opts SubscribeOptions) (*models.Subscription, error) {
	if subscriberID == "" {
		return nil, apperrors.ErrValidation.WithMessage("subscriber id is required")
	}
	if !pattern.Validate(eventPattern) {
		return nil, apperrors.ErrValidation.WithMessage("invalid event pattern %q", eventPattern)
	}
	if handler == nil {
		return nil, apperrors.ErrValidation.WithMessage("handler is required")
	}

	subscriberType := opts.SubscriberType
	if subscriberType == "" {
		subscriberType = models.SubscriberTypeService
	}
	switch subscriberType {
	case models.SubscriberTypePlugin, models.SubscriberTypeService, models.SubscriberTypeSystem:
	default:
		return nil, apperrors.ErrValidation.WithMessage("unknown subscriber type %q", subscriberType)
	}

	if opts.Condition != "" {
		if err := b.evaluator.ValidateCondition(opts.Condition); err != nil {
			return nil, apperrors.ErrValidation.WithMessage("invalid condition").WithCause(err)
		}
	}

	var filter map[string]interface{}
	if len(opts.Filter) > 0 {
		normalized, _, err := normalize(opts.Filter)
		if err != nil {
			return nil, apperrors.ErrValidation.WithMessage("filter is not JSON encodable").WithCause(err)
		}
		filter, _ = normalized.(map[string]interface{})
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.cfg.DefaultHandlerTimeout
	}

	return &models.Subscription{
		SubscriptionID:    uuid.NewString(),
		SubscriberID:      subscriberID,
		SubscriberType:    subscriberType,
		EventPattern:      eventPattern,
		EventTypes:        opts.EventTypes,
		FilterExpression:  filter,
		Condition:         opts.Condition,
		Priority:          opts.Priority,
		IsSequential:      opts.Sequential,
		TimeoutMs:         int(timeout / time.Millisecond),
		TransformEnabled:  opts.TransformTemplate != "",
		TransformTemplate: opts.TransformTemplate,
		Active:            true,
		CreatedAt:         b.now(),
	}, nil
}

// Unsubscribe deletes the subscription and drops it from the index.
func (b *Bus) Unsubscribe(ctx context.Context, subscriptionID string) error {
	if b.degraded.Load() {
		return nil
	}

	if err := b.gw.DeleteSubscription(ctx, subscriptionID); err != nil {
		return err
	}
	b.subs.remove(subscriptionID)

	b.listenersMu.Lock()
	if release, ok := b.listeners[subscriptionID]; ok {
		release()
		delete(b.listeners, subscriptionID)
	}
	b.listenersMu.Unlock()

	b.logger.InfowCtx(ctx, "Subscription removed", "subscription_id", subscriptionID)
	return nil
}

// Listen attaches fn to the in-process channel for eventName. It is not a
// subscription: nothing is persisted or recorded. The returned function
// detaches fn.
func (b *Bus) Listen(eventName string, fn Listener) (func(), error) {
	if fn == nil || !pattern.Validate(eventName) || pattern.IsWildcard(eventName) {
		return nil, apperrors.ErrValidation.WithMessage("invalid listener for %q", eventName)
	}
	return b.local.listen(eventName, fn)
}

// RegisterEventType upserts an event type. Re-registering an existing type
// only replaces its payload schema.
func (b *Bus) RegisterEventType(ctx context.Context, name string, opts EventTypeOptions) error {
	if b.degraded.Load() {
		return nil
	}
	return b.registerType(ctx, name, opts)
}

func (b *Bus) registerType(ctx context.Context, name string, opts EventTypeOptions) error {
	if !pattern.Validate(name) || pattern.IsWildcard(name) {
		return apperrors.ErrValidation.WithMessage("invalid event type name %q", name)
	}

	maxRetries := constants.DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	retryDelay := constants.DefaultRetryDelayMs
	if opts.RetryDelayMs != nil {
		retryDelay = *opts.RetryDelayMs
	}
	if maxRetries < 0 || retryDelay < 0 || opts.TTLSeconds < 0 {
		return apperrors.ErrValidation.WithMessage("retry and ttl settings of %s must not be negative", name)
	}

	now := b.now()
	return b.registry.register(ctx, &models.EventType{
		Name:            name,
		Category:        opts.Category,
		PayloadSchema:   opts.PayloadSchema,
		MetadataSchema:  opts.MetadataSchema,
		IsAsync:         opts.IsAsync,
		IsPersistent:    opts.IsPersistent,
		IsTransactional: opts.IsTransactional,
		MaxRetries:      maxRetries,
		RetryDelayMs:    retryDelay,
		TTLSeconds:      opts.TTLSeconds,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
}

// GetEventType returns nil when the type is unknown or inactive.
func (b *Bus) GetEventType(ctx context.Context, name string) (*models.EventType, error) {
	if b.degraded.Load() {
		return nil, nil
	}
	rt, err := b.registry.lookup(ctx, name)
	if err != nil || rt == nil || !rt.Active {
		return nil, err
	}
	t := rt.EventType
	return &t, nil
}

func (b *Bus) ListEventTypes(ctx context.Context) ([]models.EventType, error) {
	if err := b.requireStore(); err != nil {
		return nil, err
	}
	return b.gw.ListEventTypes(ctx)
}

func (b *Bus) DeactivateEventType(ctx context.Context, name string) error {
	if err := b.requireStore(); err != nil {
		return err
	}
	return b.registry.deactivate(ctx, name)
}

// SetPluginPermissions merges update into the plugin's permissions and reloads the cache.
func (b *Bus) SetPluginPermissions(ctx context.Context, pluginID string, update models.PermissionsUpdate) (models.PluginPermissions, error) {
	if err := b.requireStore(); err != nil {
		return models.PluginPermissions{}, err
	}
	if pluginID == "" {
		return models.PluginPermissions{}, apperrors.ErrValidation.WithMessage("plugin id is required")
	}
	for _, p := range append(append([]string(nil), update.CanEmit...), update.CanSubscribe...) {
		if !pattern.Validate(p) {
			return models.PluginPermissions{}, apperrors.ErrValidation.WithMessage("invalid permission pattern %q", p)
		}
	}

	p, err := b.guard.set(ctx, pluginID, update, b.now())
	if err != nil {
		return p, err
	}
	b.logger.InfowCtx(ctx, "Plugin permissions updated",
		"plugin_id", pluginID,
		"can_emit", p.CanEmit,
		"can_subscribe", p.CanSubscribe,
	)
	return p, nil
}

func (b *Bus) GetPluginPermissions(ctx context.Context, pluginID string) (*models.PluginPermissions, error) {
	if err := b.requireStore(); err != nil {
		return nil, err
	}
	return b.gw.GetPluginPermissions(ctx, pluginID)
}

func (b *Bus) ListPluginPermissions(ctx context.Context) ([]models.PluginPermissions, error) {
	if err := b.requireStore(); err != nil {
		return nil, err
	}
	return b.gw.ListPluginPermissions(ctx)
}

// GetMetrics returns hourly delivery aggregates, optionally narrowed to one
// event name and a time range. The default range is the last 24 hours.
func (b *Bus) GetMetrics(ctx context.Context, q MetricsQuery) ([]models.EventAggregate, error) {
	if err := b.requireStore(); err != nil {
		return nil, err
	}

	since := q.Since
	if since.IsZero() {
		since = b.now().Add(-24 * time.Hour)
	}
	rows, err := b.gw.GetAggregates(ctx, since)
	if err != nil {
		return nil, err
	}

	out := make([]models.EventAggregate, 0, len(rows))
	for _, row := range rows {
		if q.EventName != "" && row.EventName != q.EventName {
			continue
		}
		if !q.Until.IsZero() && !row.BucketStart.Before(q.Until) {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

type Stats struct {
	Subscriptions  int  `json:"subscriptions"`
	Handlers       int  `json:"handlers"`
	QueueDepth     int  `json:"queue_depth"`
	LocalListeners int  `json:"local_listeners"`
	Degraded       bool `json:"degraded"`
}

func (b *Bus) Stats() Stats {
	subs, handlers := b.subs.counts()
	return Stats{
		Subscriptions:  subs,
		Handlers:       handlers,
		QueueDepth:     b.queue.len(),
		LocalListeners: b.local.count(),
		Degraded:       b.degraded.Load(),
	}
}

// Ping reports whether the event store is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	if b.degraded.Load() {
		return apperrors.ErrServiceUnavailable.WithMessage("event bus is running in degraded mode")
	}
	return b.gw.Ping(ctx)
}

// Shutdown stops the background tasks, drains the async queue, waits for
// running replays and releases every local listener.
func (b *Bus) Shutdown(ctx context.Context) error {
	var err error
	b.shutdownOnce.Do(func() {
		if b.stopTasks != nil {
			b.stopTasks()
		}
		b.tasks.Wait()

		if !b.degraded.Load() {
			for b.queue.len() > 0 && ctx.Err() == nil {
				b.drain(ctx, b.queue.len())
			}
			if n := b.queue.len(); n > 0 {
				b.logger.WarnwCtx(ctx, "Shutdown deadline reached before the async queue drained", "queued", n)
			}
			b.local.emit(b.systemEvent(constants.SystemShutdown))
		}

		b.cancel()
		done := make(chan struct{})
		go func() {
			b.background.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("event bus shutdown: %w", ctx.Err())
		}

		b.local.close()
		if b.minute != nil {
			b.minute.Stop()
		}
		b.logger.InfowCtx(ctx, "Event bus stopped")
	})
	return err
}

func (b *Bus) requireStore() error {
	if b.degraded.Load() {
		return apperrors.ErrServiceUnavailable.WithMessage("event bus is running in degraded mode")
	}
	return nil
}

func (b *Bus) systemEvent(name string) models.Event {
	return models.Event{
		EventID:      uuid.NewString(),
		EventName:    name,
		EventVersion: models.DefaultEventVersion,
		SourceID:     constants.ServiceName,
		SourceType:   models.SourceTypeSystem,
		Payload:      map[string]interface{}{},
		OccurredAt:   b.now(),
	}
}

func validSourceType(t string) bool {
	switch t {
	case models.SourceTypeSystem, models.SourceTypePlugin, models.SourceTypeService:
		return true
	}
	return false
}

func rejectReason(err error) string {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return apperrors.ErrInternal.Code
}
