package models

import "time"

const (
	ReplayTypeSingleEvent  = "single_event"
	ReplayTypeTimeRange    = "time_range"
	ReplayTypeSubscription = "subscription"
	ReplayTypePattern      = "pattern"
)

const (
	ReplayStatusPending   = "pending"
	ReplayStatusRunning   = "running"
	ReplayStatusCompleted = "completed"
	ReplayStatusFailed    = "failed"
)

type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type ReplayCriteria struct {
	EventIDs        []string   `json:"event_ids,omitempty"`
	TimeRange       *TimeRange `json:"time_range,omitempty"`
	SubscriptionIDs []string   `json:"subscription_ids,omitempty"`
	EventPattern    string     `json:"event_pattern,omitempty"`
}

// ReplayType infers the replay type by first-match precedence:
// event ids, time range, subscription ids, pattern.
func (c ReplayCriteria) ReplayType() string {
	switch {
	case len(c.EventIDs) > 0:
		return ReplayTypeSingleEvent
	case c.TimeRange != nil:
		return ReplayTypeTimeRange
	case len(c.SubscriptionIDs) > 0:
		return ReplayTypeSubscription
	case c.EventPattern != "":
		return ReplayTypePattern
	default:
		return ReplayTypeSingleEvent
	}
}

type ReplayJob struct {
	ReplayID       string         `json:"replay_id"`
	ReplayType     string         `json:"replay_type"`
	Criteria       ReplayCriteria `json:"criteria"`
	Status         string         `json:"status"`
	InitiatedBy    string         `json:"initiated_by"`
	Reason         string         `json:"reason"`
	EventsReplayed int            `json:"events_replayed"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}
