package models

import "time"

const DefaultEventVersion = "1.0"

const (
	SourceTypeSystem  = "system"
	SourceTypePlugin  = "plugin"
	SourceTypeService = "service"
)

const (
	EventStatusPending   = "pending"
	EventStatusProcessed = "processed"
	EventStatusArchived  = "archived"
)

type Event struct {
	EventID       string                 `json:"event_id" bson:"_id"`
	EventName     string                 `json:"event_name" bson:"event_name"`
	EventVersion  string                 `json:"event_version" bson:"event_version"`
	SourceID      string                 `json:"source_id" bson:"source_id"`
	SourceType    string                 `json:"source_type" bson:"source_type"`
	CorrelationID string                 `json:"correlation_id,omitempty" bson:"correlation_id,omitempty"`
	CausationID   string                 `json:"causation_id,omitempty" bson:"causation_id,omitempty"`
	Payload       interface{}            `json:"payload" bson:"payload"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	OccurredAt    time.Time              `json:"occurred_at" bson:"occurred_at"`
}

// StoredEvent is an Event together with its persistence lifecycle columns.
type StoredEvent struct {
	Event       `bson:",inline"`
	Status      string     `json:"status" bson:"status"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty" bson:"archived_at,omitempty"`
}

// PayloadMap returns the payload as a flat object, or nil when it is not one.
func (e Event) PayloadMap() map[string]interface{} {
	m, _ := e.Payload.(map[string]interface{})
	return m
}
