// Package store is the persistence gateway of the event bus.
package store

import (
	"context"
	"time"

	"eventbus/pkg/models"
)

type EventTypeStore interface {
	// UpsertEventType inserts t, or replaces only the payload schema of an existing type.
	UpsertEventType(ctx context.Context, t *models.EventType) error
	GetEventType(ctx context.Context, name string) (*models.EventType, error)
	ListEventTypes(ctx context.Context) ([]models.EventType, error)
	SetEventTypeActive(ctx context.Context, name string, active bool) error
}

type EventQuery struct {
	EventIDs []string
	From     *time.Time
	To       *time.Time
	// Patterns restricts results to events whose name matches at least one pattern.
	Patterns []string
	Limit    int
}

type EventStore interface {
	InsertEvent(ctx context.Context, e *models.StoredEvent) error
	GetEvent(ctx context.Context, eventID string) (*models.StoredEvent, error)
	FindEvents(ctx context.Context, q EventQuery) ([]models.StoredEvent, error)
	MarkEventProcessed(ctx context.Context, eventID string, at time.Time) error
	ArchiveProcessedBefore(ctx context.Context, cutoff, now time.Time) (int64, error)
	ListArchivedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.StoredEvent, error)
	DeleteArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteEvents(ctx context.Context, eventIDs []string) (int64, error)
}

type SubscriptionStore interface {
	InsertSubscription(ctx context.Context, s *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	// ListActiveSubscriptions returns active, non-paused subscriptions.
	ListActiveSubscriptions(ctx context.Context) ([]models.Subscription, error)
	CountSubscriptions(ctx context.Context, subscriberID string) (int, error)
	RecordSubscriptionOutcome(ctx context.Context, id string, success bool, at time.Time) error
}

type DeadLetterQuery struct {
	SubscriptionID string
	EventName      string
	Limit          int
}

type DeliveryStore interface {
	InsertDelivery(ctx context.Context, d *models.Delivery) error
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// RollupAggregates recomputes the hourly aggregate buckets covering [from, to).
	RollupAggregates(ctx context.Context, from, to time.Time) error
	GetAggregates(ctx context.Context, since time.Time) ([]models.EventAggregate, error)

	// UpsertDeadLetter inserts d or bumps failure_count of the existing entry and returns the new count.
	UpsertDeadLetter(ctx context.Context, d *models.DeadLetter) (int, error)
	GetDeadLetter(ctx context.Context, eventID, subscriptionID string) (*models.DeadLetter, error)
	ListDeadLetters(ctx context.Context, q DeadLetterQuery) ([]models.DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, eventID, subscriptionID string) error
}

type PermissionStore interface {
	GetPluginPermissions(ctx context.Context, pluginID string) (*models.PluginPermissions, error)
	ListPluginPermissions(ctx context.Context) ([]models.PluginPermissions, error)
	UpsertPluginPermissions(ctx context.Context, p *models.PluginPermissions) error
	// ChargeEmitQuota increments events_emitted_today only while it is below
	// max_events_per_minute and reports whether the increment happened.
	ChargeEmitQuota(ctx context.Context, pluginID string) (bool, error)
	IncrementReceived(ctx context.Context, pluginID string) error
	ResetExpiredQuotas(ctx context.Context, now time.Time, window time.Duration) (int64, error)
}

type ReplayStore interface {
	InsertReplay(ctx context.Context, j *models.ReplayJob) error
	UpdateReplay(ctx context.Context, j *models.ReplayJob) error
	GetReplay(ctx context.Context, id string) (*models.ReplayJob, error)
}

// Gateway is everything the bus persists.
type Gateway interface {
	EventTypeStore
	EventStore
	SubscriptionStore
	DeliveryStore
	PermissionStore
	ReplayStore

	// InTx runs fn against a gateway bound to a single transaction.
	InTx(ctx context.Context, fn func(Gateway) error) error
	Ping(ctx context.Context) error
}
