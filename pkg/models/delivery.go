package models

import (
	"encoding/json"
	"time"
)

const (
	DeliveryStatusSuccess = "success"
	DeliveryStatusFailed  = "failed"
)

type Delivery struct {
	DeliveryID     string    `json:"delivery_id"`
	EventID        string    `json:"event_id"`
	EventName      string    `json:"event_name"`
	SubscriptionID string    `json:"subscription_id"`
	Status         string    `json:"status"`
	Attempt        int       `json:"attempt"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	DurationMs     int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
}

type DeadLetter struct {
	EventID        string          `json:"event_id"`
	SubscriptionID string          `json:"subscription_id"`
	EventName      string          `json:"event_name"`
	EventSnapshot  json.RawMessage `json:"event_snapshot"`
	FailureReason  string          `json:"failure_reason"`
	FailureCount   int             `json:"failure_count"`
	FirstFailedAt  time.Time       `json:"first_failed_at"`
	LastFailedAt   time.Time       `json:"last_failed_at"`
}

// EventAggregate is one hourly rollup row of delivery outcomes for an event name.
type EventAggregate struct {
	EventName       string    `json:"event_name"`
	BucketStart     time.Time `json:"bucket_start"`
	TotalDeliveries int64     `json:"total_deliveries"`
	SuccessCount    int64     `json:"success_count"`
	FailureCount    int64     `json:"failure_count"`
	AvgDurationMs   float64   `json:"avg_duration_ms"`
}
