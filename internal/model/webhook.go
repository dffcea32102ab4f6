package model

import (
	"encoding/json"
	"time"
)

// EventType is the canonical webhook event name.
type EventType string

// Webhook event types.
const (
	EventTransactionCreated      EventType = "transaction.created"
	EventTransactionUpdated      EventType = "transaction.updated"
	EventAccountUpdated          EventType = "account.updated"
	EventConnectionStatusChanged EventType = "connection.status_changed"
	EventConnectionError         EventType = "connection.error"
	EventConnectionExpired       EventType = "connection.expired"
)

// Critical reports whether the event must be handled inline on receipt.
func (t EventType) Critical() bool {
	switch t {
	case EventConnectionError, EventConnectionExpired, EventTransactionCreated:
		return true
	}
	return false
}

// WebhookEvent is one inbound provider notification.
type WebhookEvent struct {
	ReceivedAt   time.Time       `json:"received_at"`
	FailedAt     *time.Time      `json:"failed_at,omitempty"`
	ID           string          `json:"id"`
	EventID      string          `json:"event_id,omitempty"`
	Type         EventType       `json:"type"`
	ProviderID   string          `json:"provider_id"`
	ConnectionID string          `json:"connection_id"`
	ExternalID   string          `json:"external_id,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	RetryCount   int             `json:"retry_count"`
	Processed    bool            `json:"processed"`
}

// WebhookEnvelope is the provider-neutral header decoded from an inbound payload.
// ExternalID carries the provider's item or connection id when ConnectionID is not known.
type WebhookEnvelope struct {
	EventID      string          `json:"event_id"`
	Type         EventType       `json:"type"`
	ConnectionID string          `json:"connection_id"`
	ExternalID   string          `json:"external_id"`
	Data         json.RawMessage `json:"data"`
}
