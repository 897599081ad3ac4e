package management

import (
	"context"

	"eventbus/internal/eventbus"
	"eventbus/internal/store"
	"eventbus/pkg/models"
)

// Service is the part of *eventbus.Bus exposed over the admin API.
type Service interface {
	Publish(ctx context.Context, eventName string, payload interface{}, opts eventbus.PublishOptions) (string, error)

	RegisterEventType(ctx context.Context, name string, opts eventbus.EventTypeOptions) error
	GetEventType(ctx context.Context, name string) (*models.EventType, error)
	ListEventTypes(ctx context.Context) ([]models.EventType, error)
	DeactivateEventType(ctx context.Context, name string) error

	SetPluginPermissions(ctx context.Context, pluginID string, update models.PermissionsUpdate) (models.PluginPermissions, error)
	GetPluginPermissions(ctx context.Context, pluginID string) (*models.PluginPermissions, error)
	ListPluginPermissions(ctx context.Context) ([]models.PluginPermissions, error)

	ReplayEvents(ctx context.Context, criteria models.ReplayCriteria, reason string) (string, error)
	GetReplay(ctx context.Context, replayID string) (*models.ReplayJob, error)

	ListDeadLetters(ctx context.Context, q store.DeadLetterQuery) ([]models.DeadLetter, error)
	RedriveDeadLetter(ctx context.Context, eventID, subscriptionID string) error

	GetMetrics(ctx context.Context, q eventbus.MetricsQuery) ([]models.EventAggregate, error)
	Stats() eventbus.Stats
}
