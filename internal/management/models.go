package management

import (
	"encoding/json"

	"eventbus/pkg/models"
)

type PublishRequest struct {
	EventName     string                 `json:"event_name" binding:"required"`
	Payload       interface{}            `json:"payload"`
	SourceID      string                 `json:"source_id"`
	SourceType    string                 `json:"source_type"`
	CorrelationID string                 `json:"correlation_id"`
	CausationID   string                 `json:"causation_id"`
	Metadata      map[string]interface{} `json:"metadata"`
}

type PublishResponse struct {
	EventID string `json:"event_id"`
}

type RegisterEventTypeRequest struct {
	Name            string          `json:"name" binding:"required"`
	Category        string          `json:"category"`
	PayloadSchema   json.RawMessage `json:"payload_schema"`
	MetadataSchema  json.RawMessage `json:"metadata_schema"`
	IsAsync         bool            `json:"is_async"`
	IsPersistent    bool            `json:"is_persistent"`
	IsTransactional bool            `json:"is_transactional"`
	MaxRetries      *int            `json:"max_retries"`
	RetryDelayMs    *int            `json:"retry_delay_ms"`
	TTLSeconds      int             `json:"ttl_seconds"`
}

type ReplayRequest struct {
	Criteria models.ReplayCriteria `json:"criteria"`
	Reason   string                `json:"reason"`
}

type ReplayResponse struct {
	ReplayID string `json:"replay_id"`
}
