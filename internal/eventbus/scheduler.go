package eventbus

import (
	"context"
	"sync"
	"time"

	"eventbus/internal/constants"
	"eventbus/pkg/models"
)

type queuedEvent struct {
	event     models.Event
	persisted bool
}

// asyncQueue is the FIFO of events whose type is dispatched asynchronously.
type asyncQueue struct {
	mu    sync.Mutex
	items []queuedEvent
}

func newAsyncQueue() *asyncQueue {
	return &asyncQueue{}
}

func (q *asyncQueue) push(item queuedEvent) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

func (q *asyncQueue) pop(n int) []queuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := append([]queuedEvent(nil), q.items[:n]...)
	q.items = q.items[n:]
	return batch
}

// requeue puts items back at the head of the queue, keeping their order.
func (q *asyncQueue) requeue(items []queuedEvent) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(append([]queuedEvent(nil), items...), q.items...)
	q.mu.Unlock()
}

func (q *asyncQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type task struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

func (b *Bus) startTasks() {
	ctx, cancel := context.WithCancel(b.ctx)
	b.stopTasks = cancel

	tasks := []task{
		{name: "drain", interval: b.cfg.DrainInterval, run: func(ctx context.Context) { b.drain(ctx, b.cfg.DrainBatchSize) }},
		{name: "cleanup", interval: b.cfg.CleanupInterval, run: b.cleanup},
		{name: "metrics", interval: b.cfg.MetricsInterval, run: b.snapshotMetrics},
	}
	for _, t := range tasks {
		if t.interval <= 0 {
			b.logger.Warnw("Background task disabled", "task", t.name)
			continue
		}
		b.tasks.Add(1)
		go b.runTask(ctx, t)
	}
}

func (b *Bus) runTask(ctx context.Context, t task) {
	defer b.tasks.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.run(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// drain dispatches up to n queued events. Overlapping drains are skipped.
// Cancelling ctx stops the drain between events; events not yet started go
// back to the head of the queue.
func (b *Bus) drain(ctx context.Context, n int) {
	if b.queue.len() == 0 || !b.draining.CompareAndSwap(false, true) {
		return
	}
	defer b.draining.Store(false)

	batch := b.queue.pop(n)
	for i, item := range batch {
		if ctx.Err() != nil {
			b.queue.requeue(batch[i:])
			return
		}
		b.dispatch(ctx, item.event, item.persisted)
	}
}

// cleanup archives old processed events, removes expired archives and
// deliveries, and resets plugin quotas whose window has passed.
func (b *Bus) cleanup(ctx context.Context) {
	now := b.now()

	archived, err := b.gw.ArchiveProcessedBefore(ctx, now.Add(-b.cfg.ProcessedRetention), now)
	if err != nil {
		b.logger.ErrorwCtx(ctx, "Failed to archive processed events", "error", err)
	}

	deleted, err := b.purgeArchived(ctx, now.Add(-b.cfg.ArchivedRetention))
	if err != nil {
		b.logger.ErrorwCtx(ctx, "Failed to delete archived events", "error", err)
	}

	deliveries, err := b.gw.DeleteDeliveriesBefore(ctx, now.Add(-b.cfg.DeliveryRetention))
	if err != nil {
		b.logger.ErrorwCtx(ctx, "Failed to delete old deliveries", "error", err)
	}

	reset, err := b.gw.ResetExpiredQuotas(ctx, now, constants.QuotaWindow)
	if err != nil {
		b.logger.ErrorwCtx(ctx, "Failed to reset plugin quotas", "error", err)
	}
	if reset > 0 {
		if _, err := b.guard.reload(ctx); err != nil {
			b.logger.ErrorwCtx(ctx, "Failed to reload plugin permissions", "error", err)
		}
	}

	b.logger.InfowCtx(ctx, "Cleanup finished",
		"archived", archived,
		"deleted", deleted,
		"deliveries_deleted", deliveries,
		"quotas_reset", reset,
	)
}

// purgeArchived hard-deletes archived events older than cutoff. With an
// archive sink, each batch is exported first and only exported rows are deleted.
func (b *Bus) purgeArchived(ctx context.Context, cutoff time.Time) (int64, error) {
	if b.archive == nil {
		return b.gw.DeleteArchivedBefore(ctx, cutoff)
	}

	var total int64
	for {
		batch, err := b.gw.ListArchivedBefore(ctx, cutoff, b.batchSize)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}
		if err := b.archive.ArchiveEvents(ctx, batch); err != nil {
			return total, err
		}

		ids := make([]string, len(batch))
		for i, e := range batch {
			ids[i] = e.EventID
		}
		n, err := b.gw.DeleteEvents(ctx, ids)
		if err != nil {
			return total, err
		}
		total += n

		if len(batch) < b.batchSize {
			return total, nil
		}
	}
}

// snapshotMetrics pushes gauges to the sink and rolls recent deliveries into
// the hourly aggregates.
func (b *Bus) snapshotMetrics(ctx context.Context) {
	subs, handlers := b.subs.counts()
	b.sink.SetSubscriptions(subs)
	b.sink.SetHandlers(handlers)
	b.sink.SetQueueDepth(b.queue.len())

	now := b.now()
	from := now.Truncate(time.Hour).Add(-time.Hour)
	if err := b.gw.RollupAggregates(ctx, from, now); err != nil {
		b.logger.ErrorwCtx(ctx, "Failed to roll up delivery aggregates", "error", err)
	}
}
