package models

import "time"

// Status event types emitted by the pipeline for observability.
const (
	StatusEventAttempt        = "attempt"
	StatusEventSent           = "sent"
	StatusEventDuplicate      = "duplicate"
	StatusEventRetryScheduled = "retry_scheduled"
	StatusEventFailed         = "failed"
	StatusEventDLQ            = "dlq"
	StatusEventReprocessed    = "reprocessed"
)

// StatusEvent is a typed lifecycle update for one message. The pipeline
// forwards events to a StatusSink instead of logging inline so tests can
// assert on emitted values.
type StatusEvent struct {
	MessageID  string    `json:"message_id"`
	EventType  string    `json:"event_type"`
	Attempt    int       `json:"attempt,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// WebhookEvent is an inbound event as received from the messaging gateway
// webhook, before deduplication.
type WebhookEvent struct {
	Type     string         `json:"type"`
	Instance string         `json:"instance"`
	Payload  map[string]any `json:"payload,omitempty"`
}
