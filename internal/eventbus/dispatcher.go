package eventbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	apperrors "eventbus/pkg/errors"
	"eventbus/pkg/logging"
	"eventbus/pkg/models"
	"eventbus/pkg/tracing"
)

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeDelivered
	outcomeFailed
	outcomeInterrupted
)

// errInterrupted marks a delivery abandoned because the caller's context
// ended before the handler returned. It is neither a success nor a failure.
var errInterrupted = errors.New("delivery interrupted")

// dispatch delivers event to every matching subscription, one at a time in
// priority order, and marks it processed when it was persisted. Once started,
// an event reaches every subscription even if ctx is cancelled; callers stop
// between events.
func (b *Bus) dispatch(ctx context.Context, event models.Event, markProcessed bool) {
	b.deliverAll(ctx, event, b.subs.match(event.EventName), markProcessed)
}

func (b *Bus) deliverAll(ctx context.Context, event models.Event, subs []indexedSubscription, markProcessed bool) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracing.GetTracer(tracerName).Start(ctx, "eventbus.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.name", event.EventName),
		attribute.String("event.id", event.EventID),
		attribute.Int("subscriptions", len(subs)),
	)
	ctx = logging.WithEvent(ctx, event.EventID, event.EventName)

	for _, sub := range subs {
		b.deliver(ctx, event, sub.Subscription, 1)

		if sub.IsSequential && b.cfg.SequentialDelay > 0 {
			time.Sleep(b.cfg.SequentialDelay)
		}
	}

	if markProcessed {
		if err := b.gw.MarkEventProcessed(ctx, event.EventID, b.now()); err != nil {
			b.logger.ErrorwCtx(ctx, "Failed to mark event processed", "error", err)
		}
	}
}

// deliver runs one subscription against event. A handler failure is recorded
// and dead-lettered here; the returned error only informs redrive callers.
func (b *Bus) deliver(ctx context.Context, event models.Event, sub models.Subscription, attempt int) (outcome, error) {
	ctx = logging.WithSubscriptionID(ctx, sub.SubscriptionID)

	if len(sub.EventTypes) > 0 && !containsString(sub.EventTypes, event.EventName) {
		return outcomeSkipped, nil
	}
	if !matchesFilter(sub.FilterExpression, event.Payload) {
		return outcomeSkipped, nil
	}
	if sub.Condition != "" {
		ok, err := b.evaluator.Evaluate(ctx, sub.Condition, event)
		if err != nil {
			b.logger.WarnwCtx(ctx, "Subscription condition failed to evaluate, skipping",
				"condition", sub.Condition,
				"error", err,
			)
			return outcomeSkipped, nil
		}
		if !ok {
			return outcomeSkipped, nil
		}
	}

	delivered := event
	if sub.TransformEnabled && sub.TransformTemplate != "" {
		payload, err := applyTransform(sub.TransformTemplate, event)
		if err != nil {
			b.logger.WarnwCtx(ctx, "Transform failed, delivering the original event", "error", err)
		} else {
			delivered.Payload = payload
		}
	}

	handler, ok := b.subs.handler(sub.SubscriptionID)
	if !ok {
		b.logger.WarnwCtx(ctx, "No handler registered for subscription, skipping",
			"subscriber_id", sub.SubscriberID,
		)
		return outcomeSkipped, nil
	}

	started := b.now()
	err := b.invoke(ctx, handler, delivered, sub, attempt)
	completed := b.now()

	if errors.Is(err, errInterrupted) {
		b.logger.WarnwCtx(ctx, "Delivery interrupted before the handler returned",
			"subscriber_id", sub.SubscriberID,
			"attempt", attempt,
			"error", err,
		)
		return outcomeInterrupted, err
	}

	b.record(context.WithoutCancel(ctx), event, sub, attempt, started, completed, err)
	if err != nil {
		return outcomeFailed, err
	}
	return outcomeDelivered, nil
}

// invoke runs handler under the subscription timeout. A handler that ignores
// its context keeps running after the timeout; its result is discarded. When
// ctx itself ends first the result is errInterrupted, not a timeout.
func (b *Bus) invoke(ctx context.Context, handler Handler, event models.Event, sub models.Subscription, attempt int) error {
	timeout := time.Duration(sub.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = b.cfg.DefaultHandlerTimeout
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- apperrors.ErrHandlerExecution.
					WithMessage("handler of subscription %s panicked", sub.SubscriptionID).
					WithCause(apperrors.RecoverPanic(r))
			}
		}()
		done <- handler(hctx, event, HandlerContext{Subscription: sub, Attempt: attempt, Bus: b})
	}()

	select {
	case err := <-done:
		if err == nil || apperrors.IsHandlerExecution(err) {
			return err
		}
		return apperrors.ErrHandlerExecution.
			WithMessage("handler of subscription %s failed", sub.SubscriptionID).
			WithCause(err)
	case <-hctx.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: subscription %s: %w", errInterrupted, sub.SubscriptionID, err)
		}
		return apperrors.ErrHandlerTimeout.
			WithMessage("handler of subscription %s did not finish within %s", sub.SubscriptionID, timeout).
			WithCause(hctx.Err())
	}
}

func (b *Bus) record(ctx context.Context, event models.Event, sub models.Subscription, attempt int, started, completed time.Time, herr error) {
	success := herr == nil
	duration := completed.Sub(started)

	d := &models.Delivery{
		DeliveryID:     uuid.NewString(),
		EventID:        event.EventID,
		EventName:      event.EventName,
		SubscriptionID: sub.SubscriptionID,
		Status:         models.DeliveryStatusSuccess,
		Attempt:        attempt,
		StartedAt:      started,
		CompletedAt:    completed,
		DurationMs:     duration.Milliseconds(),
	}
	if !success {
		d.Status = models.DeliveryStatusFailed
		d.Error = herr.Error()
	}

	if err := b.gw.InsertDelivery(ctx, d); err != nil {
		b.logger.ErrorwCtx(ctx, "Failed to record delivery", "error", err)
	}
	if err := b.gw.RecordSubscriptionOutcome(ctx, sub.SubscriptionID, success, completed); err != nil {
		b.logger.ErrorwCtx(ctx, "Failed to update subscription counters", "error", err)
	}
	b.sink.DeliveryRecorded(event.EventName, success, duration)

	if success {
		if sub.SubscriberType == models.SubscriberTypePlugin {
			if err := b.guard.recordReceived(ctx, sub.SubscriberID); err != nil {
				b.logger.ErrorwCtx(ctx, "Failed to count received event", "plugin_id", sub.SubscriberID, "error", err)
			}
		}
		return
	}

	b.logger.WarnwCtx(ctx, "Delivery failed",
		"subscriber_id", sub.SubscriberID,
		"attempt", attempt,
		"duration_ms", d.DurationMs,
		"error", herr,
	)
	b.deadLetter(ctx, event, sub, herr, completed)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
