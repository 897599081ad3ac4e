package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbus/internal/config"
	"eventbus/internal/store"
	"eventbus/pkg/models"
)

type fakeArchive struct {
	mu     sync.Mutex
	events []models.StoredEvent
	err    error
}

func (a *fakeArchive) ArchiveEvents(_ context.Context, events []models.StoredEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, events...)
	return nil
}

type gaugeSink struct {
	mu            sync.Mutex
	subscriptions int
	handlers      int
	queueDepth    int
	deadLettered  int
	rejected      []string
}

func (s *gaugeSink) EventPublished(string, string)                {}
func (s *gaugeSink) DeliveryRecorded(string, bool, time.Duration) {}

func (s *gaugeSink) PublishRejected(reason string) {
	s.mu.Lock()
	s.rejected = append(s.rejected, reason)
	s.mu.Unlock()
}

func (s *gaugeSink) DeadLettered(string) {
	s.mu.Lock()
	s.deadLettered++
	s.mu.Unlock()
}

func (s *gaugeSink) SetSubscriptions(n int) { s.mu.Lock(); s.subscriptions = n; s.mu.Unlock() }
func (s *gaugeSink) SetHandlers(n int)      { s.mu.Lock(); s.handlers = n; s.mu.Unlock() }
func (s *gaugeSink) SetQueueDepth(n int)    { s.mu.Lock(); s.queueDepth = n; s.mu.Unlock() }

func TestAsyncQueue(t *testing.T) {
	q := newAsyncQueue()
	for i := 0; i < 5; i++ {
		q.push(queuedEvent{event: models.Event{EventName: "e", OccurredAt: time.Unix(int64(i), 0)}})
	}

	batch := q.pop(2)
	require.Len(t, batch, 2)
	assert.Equal(t, int64(0), batch[0].event.OccurredAt.Unix())
	assert.Equal(t, int64(1), batch[1].event.OccurredAt.Unix())
	assert.Equal(t, 3, q.len())

	assert.Len(t, q.pop(10), 3)
	assert.Empty(t, q.pop(1))
}

func TestDrainTask_DispatchesQueuedEvents(t *testing.T) {
	bus, gw := newTestBus(t, func(cfg *config.EventBusConfig, _ *Deps) {
		cfg.DrainInterval = 10 * time.Millisecond
		cfg.DrainBatchSize = 2
	})
	ctx := context.Background()

	require.NoError(t, bus.RegisterEventType(ctx, "thumb.render", EventTypeOptions{IsAsync: true, IsPersistent: true}))

	var rec recorder
	_, err := bus.Subscribe(ctx, "worker", "thumb.render", rec.handler("w"), SubscribeOptions{})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := bus.Publish(ctx, "thumb.render", map[string]interface{}{"i": i}, PublishOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool { return len(rec.tags()) == 5 }, 2*time.Second, 10*time.Millisecond)

	got := rec.received()
	for i, e := range got {
		assert.Equal(t, ids[i], e.EventID)
	}
	for _, id := range ids {
		stored, err := gw.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.EventStatusProcessed, stored.Status)
	}
}

func TestShutdown_FinishesInFlightDrainBatch(t *testing.T) {
	bus, gw := newTestBus(t, func(cfg *config.EventBusConfig, _ *Deps) {
		cfg.DrainInterval = 5 * time.Millisecond
		cfg.DrainBatchSize = 10
	})
	ctx := context.Background()

	require.NoError(t, bus.RegisterEventType(ctx, "video.encode", EventTypeOptions{IsAsync: true, IsPersistent: true}))

	started := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var seen []string
	_, err := bus.Subscribe(ctx, "encoder", "video.encode", func(_ context.Context, e models.Event, _ HandlerContext) error {
		once.Do(func() { close(started) })
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		seen = append(seen, e.EventID)
		mu.Unlock()
		return nil
	}, SubscribeOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := bus.Publish(ctx, "video.encode", map[string]interface{}{"i": i}, PublishOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("drain task never started a delivery")
	}
	require.NoError(t, bus.Shutdown(ctx))

	mu.Lock()
	assert.Equal(t, ids, seen)
	mu.Unlock()

	deliveries := gw.Deliveries()
	require.Len(t, deliveries, 5)
	for _, d := range deliveries {
		assert.Equal(t, models.DeliveryStatusSuccess, d.Status, d.Error)
	}
	dls, err := gw.ListDeadLetters(ctx, store.DeadLetterQuery{})
	require.NoError(t, err)
	assert.Empty(t, dls)
	for _, id := range ids {
		stored, err := gw.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.EventStatusProcessed, stored.Status)
	}
}

func TestDrain_CancelledContextRequeues(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, bus.RegisterEventType(ctx, "video.encode", EventTypeOptions{IsAsync: true}))
	var rec recorder
	_, err := bus.Subscribe(ctx, "encoder", "video.encode", rec.handler("h"), SubscribeOptions{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(ctx, "video.encode", nil, PublishOptions{})
		require.NoError(t, err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	bus.drain(cancelled, 10)
	assert.Empty(t, rec.tags())
	assert.Equal(t, 3, bus.queue.len())

	bus.drain(ctx, 10)
	assert.Len(t, rec.tags(), 3)
	assert.Equal(t, 0, bus.queue.len())
}

func TestCleanup_ArchivesAndDeletes(t *testing.T) {
	archive := &fakeArchive{}
	bus, gw := newTestBus(t, func(cfg *config.EventBusConfig, deps *Deps) {
		cfg.ProcessedRetention = time.Hour
		cfg.ArchivedRetention = 24 * time.Hour
		cfg.DeliveryRetention = time.Hour
		deps.Archive = archive
		deps.ArchiveBatchSize = 2
	})
	ctx := context.Background()

	now := time.Now()
	old := now.Add(-2 * time.Hour)
	ancient := now.Add(-48 * time.Hour)

	insert := func(id, status string, processedAt, archivedAt *time.Time) {
		require.NoError(t, gw.InsertEvent(ctx, &models.StoredEvent{
			Event:       models.Event{EventID: id, EventName: "a.b", OccurredAt: old},
			Status:      status,
			ProcessedAt: processedAt,
			ArchivedAt:  archivedAt,
		}))
	}
	insert("fresh", models.EventStatusProcessed, &now, nil)
	insert("stale", models.EventStatusProcessed, &old, nil)
	insert("pending", models.EventStatusPending, nil, nil)
	for _, id := range []string{"gone-1", "gone-2", "gone-3"} {
		insert(id, models.EventStatusArchived, &ancient, &ancient)
	}

	require.NoError(t, gw.InsertDelivery(ctx, &models.Delivery{DeliveryID: "d-old", EventName: "a.b", StartedAt: old}))
	require.NoError(t, gw.InsertDelivery(ctx, &models.Delivery{DeliveryID: "d-new", EventName: "a.b", StartedAt: now}))

	bus.cleanup(ctx)

	stale, err := gw.GetEvent(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusArchived, stale.Status)

	for _, id := range []string{"fresh", "pending"} {
		e, err := gw.GetEvent(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, models.EventStatusArchived, e.Status)
	}
	for _, id := range []string{"gone-1", "gone-2", "gone-3"} {
		_, err := gw.GetEvent(ctx, id)
		assert.Error(t, err)
	}
	assert.Len(t, archive.events, 3)

	deliveries := gw.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "d-new", deliveries[0].DeliveryID)
}

func TestCleanup_KeepsArchivedEventsWhenExportFails(t *testing.T) {
	archive := &fakeArchive{err: errors.New("mongo unavailable")}
	bus, gw := newTestBus(t, func(cfg *config.EventBusConfig, deps *Deps) {
		cfg.ArchivedRetention = time.Hour
		deps.Archive = archive
	})
	ctx := context.Background()

	ancient := time.Now().Add(-48 * time.Hour)
	require.NoError(t, gw.InsertEvent(ctx, &models.StoredEvent{
		Event:      models.Event{EventID: "kept", EventName: "a.b", OccurredAt: ancient},
		Status:     models.EventStatusArchived,
		ArchivedAt: &ancient,
	}))

	bus.cleanup(ctx)

	_, err := gw.GetEvent(ctx, "kept")
	assert.NoError(t, err)
}

func TestSnapshotMetrics(t *testing.T) {
	sink := &gaugeSink{}
	bus, _ := newTestBus(t, func(_ *config.EventBusConfig, deps *Deps) {
		deps.Metrics = sink
	})
	ctx := context.Background()

	require.NoError(t, bus.RegisterEventType(ctx, "later", EventTypeOptions{IsAsync: true}))

	var rec recorder
	_, err := bus.Subscribe(ctx, "svc", "order.*", rec.handler("ok"), SubscribeOptions{})
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "svc", "order.*", failing(errors.New("nope")), SubscribeOptions{})
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "order.created", nil, PublishOptions{})
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "later", nil, PublishOptions{})
	require.NoError(t, err)
	_, err = bus.Publish(ctx, "bad.*", nil, PublishOptions{})
	require.Error(t, err)

	bus.snapshotMetrics(ctx)

	sink.mu.Lock()
	assert.Equal(t, 2, sink.subscriptions)
	assert.Equal(t, 2, sink.handlers)
	assert.Equal(t, 1, sink.queueDepth)
	assert.Equal(t, 1, sink.deadLettered)
	assert.Equal(t, []string{"VALIDATION_ERROR"}, sink.rejected)
	sink.mu.Unlock()

	aggs, err := bus.GetMetrics(ctx, MetricsQuery{EventName: "order.created"})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, int64(2), aggs[0].TotalDeliveries)
	assert.Equal(t, int64(1), aggs[0].SuccessCount)
	assert.Equal(t, int64(1), aggs[0].FailureCount)

	none, err := bus.GetMetrics(ctx, MetricsQuery{EventName: "order.created", Until: time.Now().Add(-2 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStartTasks_DisabledIntervals(t *testing.T) {
	bus, _ := newTestBus(t)
	// No interval set, so nothing was started and Shutdown does not block.
	require.NoError(t, bus.Shutdown(context.Background()))
}
