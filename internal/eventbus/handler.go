package eventbus

import (
	"context"
	"time"

	"eventbus/pkg/models"
)

// Handler processes one delivery. The context is cancelled when the
// subscription's timeout elapses.
type Handler func(ctx context.Context, event models.Event, hc HandlerContext) error

type HandlerContext struct {
	Subscription models.Subscription
	// Attempt is always 1; failed deliveries are retried through dead-letter redrive.
	Attempt int
	Bus     *Bus
}

type PublishOptions struct {
	SourceID      string
	SourceType    string
	CorrelationID string
	CausationID   string
	Metadata      map[string]interface{}
}

type SubscribeOptions struct {
	SubscriberType string
	EventTypes     []string
	// Filter is a flat equality match on top-level payload keys.
	Filter     map[string]interface{}
	Condition  string
	Priority   int
	Sequential bool
	Timeout    time.Duration
	// TransformTemplate rewrites the payload; "{{path}}" tokens resolve against the whole event.
	TransformTemplate string
	// LocalListener, for patterns without wildcards, also receives every event
	// of that name on the in-process channel.
	LocalListener Listener
}

// EventTypeOptions describes a type on registration. Nil retry settings fall
// back to the defaults.
type EventTypeOptions struct {
	Category        string
	PayloadSchema   []byte
	MetadataSchema  []byte
	IsAsync         bool
	IsPersistent    bool
	IsTransactional bool
	MaxRetries      *int
	RetryDelayMs    *int
	TTLSeconds      int
}

type MetricsQuery struct {
	EventName string
	Since     time.Time
	Until     time.Time
}
