package models

import "time"

// Retry record status values. A record moves retrying -> dlq; dlq is
// terminal. Abandoned marks records an operator explicitly gave up on.
const (
	RetryStatusRetrying  = "retrying"
	RetryStatusDLQ       = "dlq"
	RetryStatusAbandoned = "abandoned"
)

// Document-store collection names used by the pipeline.
const (
	CollectionContacts    = "contacts"
	CollectionSent        = "sent_messages"
	CollectionRetries     = "retry_queue"
	CollectionDeadLetters = "dead_letters"
)

// Contact is the destination record resolved before delivery.
type Contact struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Number   string `json:"number"`
	Instance string `json:"instance,omitempty"`
}

// SentRecord marks a message id as successfully delivered. It is upserted
// keyed by message id, which is what makes redelivered envelopes idempotent.
type SentRecord struct {
	MessageID  string    `json:"message_id"`
	ProviderID string    `json:"provider_id"`
	Instance   string    `json:"instance,omitempty"`
	ContactID  string    `json:"contact_id,omitempty"`
	SentAt     time.Time `json:"sent_at"`
}

// RetryRecord tracks in-flight retry state for one message id. At most one
// scheduled timer exists per id at any time; the scheduler enforces
// cancel-before-reschedule.
type RetryRecord struct {
	MessageID     string    `json:"message_id"`
	Envelope      Envelope  `json:"envelope"`
	Attempt       int       `json:"attempt"`
	LastError     string    `json:"last_error,omitempty"`
	NextRetryAt   time.Time `json:"next_retry_at"`
	Status        string    `json:"status"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// DeadLetter is the permanent record of a finally-failed message. Created
// once and immutable thereafter; read by the manual reprocessing surface.
type DeadLetter struct {
	ID            string    `json:"id"`
	Envelope      Envelope  `json:"envelope"`
	Reason        string    `json:"reason"`
	FailureCount  int       `json:"failure_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
	DeadAt        time.Time `json:"dead_at"`
}
