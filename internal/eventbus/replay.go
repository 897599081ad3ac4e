package eventbus

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"eventbus/internal/pattern"
	"eventbus/internal/store"
	apperrors "eventbus/pkg/errors"
	"eventbus/pkg/models"
	"eventbus/pkg/tracing"
)

const replayInitiator = "system"

// ReplayEvents re-dispatches stored events against the current subscriptions
// and returns the job id. The job runs in the background with system
// authority; filters, conditions and transforms still apply.
func (b *Bus) ReplayEvents(ctx context.Context, criteria models.ReplayCriteria, reason string) (string, error) {
	if err := b.requireStore(); err != nil {
		return "", err
	}

	replayType := criteria.ReplayType()
	if err := b.checkReplayCriteria(ctx, replayType, criteria); err != nil {
		return "", err
	}

	job := &models.ReplayJob{
		ReplayID:    uuid.NewString(),
		ReplayType:  replayType,
		Criteria:    criteria,
		Status:      models.ReplayStatusPending,
		InitiatedBy: replayInitiator,
		Reason:      reason,
		CreatedAt:   b.now(),
	}
	if err := b.gw.InsertReplay(ctx, job); err != nil {
		return "", err
	}

	b.background.Add(1)
	go func() {
		defer b.background.Done()
		b.runReplay(b.ctx, job)
	}()

	b.logger.InfowCtx(ctx, "Replay scheduled",
		"replay_id", job.ReplayID,
		"replay_type", replayType,
		"reason", reason,
	)
	return job.ReplayID, nil
}

func (b *Bus) GetReplay(ctx context.Context, replayID string) (*models.ReplayJob, error) {
	if err := b.requireStore(); err != nil {
		return nil, err
	}
	return b.gw.GetReplay(ctx, replayID)
}

func (b *Bus) checkReplayCriteria(ctx context.Context, replayType string, c models.ReplayCriteria) error {
	switch replayType {
	case models.ReplayTypeSingleEvent:
		if len(c.EventIDs) == 0 {
			return apperrors.ErrValidation.WithMessage("replay criteria are empty")
		}
	case models.ReplayTypeTimeRange:
		if c.TimeRange.Start.IsZero() || c.TimeRange.End.Before(c.TimeRange.Start) {
			return apperrors.ErrValidation.WithMessage("replay time range is invalid")
		}
	case models.ReplayTypeSubscription:
		for _, id := range c.SubscriptionIDs {
			if _, ok := b.subs.get(id); !ok {
				return apperrors.ErrNotFound.WithMessage("subscription %s not found", id)
			}
		}
	}

	if c.EventPattern == "" {
		return nil
	}
	if !pattern.Validate(c.EventPattern) {
		return apperrors.ErrValidation.WithMessage("invalid event pattern %q", c.EventPattern)
	}
	if !pattern.IsWildcard(c.EventPattern) {
		rt, err := b.registry.lookup(ctx, c.EventPattern)
		if err != nil {
			return err
		}
		if rt == nil {
			return apperrors.ErrNotFound.WithMessage("event type %s not found", c.EventPattern)
		}
	}
	return nil
}

func (b *Bus) runReplay(ctx context.Context, job *models.ReplayJob) {
	ctx, span := tracing.GetTracer(tracerName).Start(ctx, "eventbus.replay")
	defer span.End()
	span.SetAttributes(
		attribute.String("replay.id", job.ReplayID),
		attribute.String("replay.type", job.ReplayType),
	)

	started := b.now()
	job.Status = models.ReplayStatusRunning
	job.StartedAt = &started
	b.saveReplay(ctx, job)

	count, err := b.replay(ctx, job.Criteria)

	completed := b.now()
	job.CompletedAt = &completed
	job.EventsReplayed = count
	job.Status = models.ReplayStatusCompleted
	if err != nil {
		job.Status = models.ReplayStatusFailed
		job.Error = err.Error()
		span.RecordError(err)
	}
	b.saveReplay(ctx, job)

	b.logger.InfowCtx(ctx, "Replay finished",
		"replay_id", job.ReplayID,
		"status", job.Status,
		"events_replayed", count,
	)
}

func (b *Bus) saveReplay(ctx context.Context, job *models.ReplayJob) {
	if err := b.gw.UpdateReplay(context.WithoutCancel(ctx), job); err != nil {
		b.logger.ErrorwCtx(ctx, "Failed to update replay job",
			"replay_id", job.ReplayID,
			"status", job.Status,
			"error", err,
		)
	}
}

func (b *Bus) replay(ctx context.Context, c models.ReplayCriteria) (int, error) {
	var q store.EventQuery
	var only []indexedSubscription

	switch c.ReplayType() {
	case models.ReplayTypeSingleEvent:
		q.EventIDs = c.EventIDs
	case models.ReplayTypeTimeRange:
		from, to := c.TimeRange.Start, c.TimeRange.End
		q.From, q.To = &from, &to
	case models.ReplayTypeSubscription:
		only = b.subs.only(c.SubscriptionIDs)
		if len(only) == 0 {
			return 0, apperrors.ErrNotFound.WithMessage("none of the replayed subscriptions is active")
		}
		for _, sub := range only {
			q.Patterns = append(q.Patterns, sub.EventPattern)
		}
	}
	if c.EventPattern != "" && only == nil {
		q.Patterns = append(q.Patterns, c.EventPattern)
	}

	events, err := b.gw.FindEvents(ctx, q)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, stored := range events {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}

		subs := b.subs.match(stored.EventName)
		if only != nil {
			subs = matching(only, stored.EventName)
		}
		b.deliverAll(ctx, stored.Event, subs, stored.Status == models.EventStatusPending)
		replayed++
	}
	return replayed, nil
}

func matching(subs []indexedSubscription, eventName string) []indexedSubscription {
	var out []indexedSubscription
	for _, sub := range subs {
		if pattern.Match(sub.EventPattern, eventName) {
			out = append(out, sub)
		}
	}
	return out
}
