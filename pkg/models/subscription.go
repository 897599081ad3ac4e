package models

import "time"

const (
	SubscriberTypePlugin  = "plugin"
	SubscriberTypeService = "service"
	SubscriberTypeSystem  = "system"
)

type Subscription struct {
	SubscriptionID       string                 `json:"subscription_id"`
	SubscriberID         string                 `json:"subscriber_id"`
	SubscriberType       string                 `json:"subscriber_type"`
	EventPattern         string                 `json:"event_pattern"`
	EventTypes           []string               `json:"event_types,omitempty"`
	FilterExpression     map[string]interface{} `json:"filter_expression,omitempty"`
	Condition            string                 `json:"condition,omitempty"`
	Priority             int                    `json:"priority"`
	IsSequential         bool                   `json:"is_sequential"`
	TimeoutMs            int                    `json:"timeout_ms"`
	TransformEnabled     bool                   `json:"transform_enabled"`
	TransformTemplate    string                 `json:"transform_template,omitempty"`
	Active               bool                   `json:"active"`
	Paused               bool                   `json:"paused"`
	TotalEventsProcessed int64                  `json:"total_events_processed"`
	TotalEventsFailed    int64                  `json:"total_events_failed"`
	LastEventAt          *time.Time             `json:"last_event_at,omitempty"`
	CreatedAt            time.Time              `json:"created_at"`
}
