package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"eventbus/internal/constants"
	"eventbus/internal/store"
	apperrors "eventbus/pkg/errors"
	"eventbus/pkg/models"
	"eventbus/pkg/retry"
)

const maxRedriveDelay = time.Hour

// deadLetter upserts the (event, subscription) entry; repeated failures bump
// its failure count instead of adding rows.
func (b *Bus) deadLetter(ctx context.Context, event models.Event, sub models.Subscription, cause error, at time.Time) {
	snapshot, err := json.Marshal(event)
	if err != nil {
		b.logger.ErrorwCtx(ctx, "Failed to snapshot event for dead letter", "error", err)
		return
	}

	dl := models.DeadLetter{
		EventID:        event.EventID,
		SubscriptionID: sub.SubscriptionID,
		EventName:      event.EventName,
		EventSnapshot:  snapshot,
		FailureReason:  cause.Error(),
		FirstFailedAt:  at,
		LastFailedAt:   at,
	}
	count, err := b.gw.UpsertDeadLetter(ctx, &dl)
	if err != nil {
		b.logger.ErrorwCtx(ctx, "Failed to record dead letter", "error", err)
		return
	}
	dl.FailureCount = count
	b.sink.DeadLettered(event.EventName)

	if b.notifier != nil {
		if err := b.notifier.NotifyDeadLetter(ctx, dl); err != nil {
			b.logger.WarnwCtx(ctx, "Failed to export dead letter notice", "error", err)
		}
	}
}

func (b *Bus) ListDeadLetters(ctx context.Context, q store.DeadLetterQuery) ([]models.DeadLetter, error) {
	if err := b.requireStore(); err != nil {
		return nil, err
	}
	return b.gw.ListDeadLetters(ctx, q)
}

// RedriveDeadLetter delivers a dead-lettered event to its subscription again.
// The entry is deleted on success; a new failure increments its count. An
// entry is eligible after an exponential delay based on the type's
// retryDelayMs, and only while its failure count is within maxRetries.
func (b *Bus) RedriveDeadLetter(ctx context.Context, eventID, subscriptionID string) error {
	if err := b.requireStore(); err != nil {
		return err
	}

	dl, err := b.gw.GetDeadLetter(ctx, eventID, subscriptionID)
	if err != nil {
		return err
	}

	sub, ok := b.subs.get(subscriptionID)
	if !ok {
		return apperrors.ErrNotFound.WithMessage("subscription %s is not active", subscriptionID)
	}
	if _, ok := b.subs.handler(subscriptionID); !ok {
		return apperrors.ErrConflict.WithMessage("subscription %s has no handler in this process", subscriptionID)
	}

	maxRetries := constants.DefaultMaxRetries
	retryDelay := time.Duration(constants.DefaultRetryDelayMs) * time.Millisecond
	rt, err := b.registry.lookup(ctx, dl.EventName)
	if err != nil {
		return err
	}
	if rt != nil {
		maxRetries = rt.MaxRetries
		retryDelay = time.Duration(rt.RetryDelayMs) * time.Millisecond
	}

	if dl.FailureCount > maxRetries {
		return apperrors.ErrConflict.
			WithMessage("dead letter for event %s exhausted its %d retries", eventID, maxRetries).
			WithDetail("failure_count", dl.FailureCount)
	}
	next := retry.NextAttemptAt(dl.LastFailedAt, dl.FailureCount, retryDelay, maxRedriveDelay)
	if b.now().Before(next) {
		return apperrors.ErrConflict.
			WithMessage("dead letter for event %s is not eligible before %s", eventID, next.Format(time.RFC3339)).
			WithDetail("next_attempt_at", next)
	}

	var event models.Event
	if err := json.Unmarshal(dl.EventSnapshot, &event); err != nil {
		return apperrors.ErrInternal.WithMessage("dead letter snapshot is unreadable").WithCause(err)
	}

	result, err := b.deliver(ctx, event, sub, dl.FailureCount+1)
	switch result {
	case outcomeFailed, outcomeInterrupted:
		return err
	case outcomeSkipped:
		return apperrors.ErrConflict.WithMessage("subscription %s no longer accepts event %s", subscriptionID, eventID)
	}

	if err := b.gw.DeleteDeadLetter(ctx, eventID, subscriptionID); err != nil {
		return err
	}
	b.logger.InfowCtx(ctx, "Dead letter redriven",
		"event_id", eventID,
		"subscription_id", subscriptionID,
		"attempt", dl.FailureCount+1,
	)
	return nil
}
