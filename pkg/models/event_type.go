package models

import (
	"encoding/json"
	"time"
)

type EventType struct {
	Name            string          `json:"name"`
	Category        string          `json:"category"`
	PayloadSchema   json.RawMessage `json:"payload_schema,omitempty"`
	MetadataSchema  json.RawMessage `json:"metadata_schema,omitempty"`
	IsAsync         bool            `json:"is_async"`
	IsPersistent    bool            `json:"is_persistent"`
	IsTransactional bool            `json:"is_transactional"`
	MaxRetries      int             `json:"max_retries"`
	RetryDelayMs    int             `json:"retry_delay_ms"`
	TTLSeconds      int             `json:"ttl_seconds"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (t *EventType) HasPayloadSchema() bool {
	return len(t.PayloadSchema) > 0 && string(t.PayloadSchema) != "null"
}

// ExpiresAt returns the retention deadline for an event of this type, or nil
// when the type keeps events until the cleanup windows remove them.
func (t *EventType) ExpiresAt(from time.Time) *time.Time {
	if t.TTLSeconds <= 0 {
		return nil
	}
	at := from.Add(time.Duration(t.TTLSeconds) * time.Second)
	return &at
}
