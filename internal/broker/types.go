package broker

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Writer is the part of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterNotice is the message written to the DLQ topic for each dead letter.
type DeadLetterNotice struct {
	EventID        string    `json:"event_id"`
	EventName      string    `json:"event_name"`
	SubscriptionID string    `json:"subscription_id"`
	FailureReason  string    `json:"failure_reason"`
	FailureCount   int       `json:"failure_count"`
	FirstFailedAt  time.Time `json:"first_failed_at"`
	LastFailedAt   time.Time `json:"last_failed_at"`
	Event          []byte    `json:"event,omitempty"`
}
