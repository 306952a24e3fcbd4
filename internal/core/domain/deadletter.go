package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeadLetterOperation identifies which recovery handler owns an entry.
type DeadLetterOperation string

const (
	OperationProcessorCall   DeadLetterOperation = "processor_call"
	OperationWebhookDelivery DeadLetterOperation = "webhook_delivery"
)

// DeadLetterStatus represents the state of a dead letter entry.
type DeadLetterStatus string

const (
	DeadLetterPending   DeadLetterStatus = "pending"
	DeadLetterReplayed  DeadLetterStatus = "replayed"
	DeadLetterDiscarded DeadLetterStatus = "discarded"
)

// DeadLetterEntry holds an operation that exhausted its retries.
type DeadLetterEntry struct {
	ID                uuid.UUID           `json:"id"`
	OriginalOperation DeadLetterOperation `json:"original_operation"`
	Action            string              `json:"action"`
	PaymentID         *uuid.UUID          `json:"payment_id,omitempty"`
	Payload           json.RawMessage     `json:"payload"`
	FailureReason     string              `json:"failure_reason"`
	ErrorHistory      []string            `json:"error_history"`
	AttemptCount      int                 `json:"attempt_count"`
	ReplayCount       int                 `json:"replay_count"`
	Status            DeadLetterStatus    `json:"status"`
	DiscardReason     *string             `json:"discard_reason,omitempty"`
	NextAttemptAt     time.Time           `json:"next_attempt_at"`
	LockedUntil       *time.Time          `json:"locked_until,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	ResolvedAt        *time.Time          `json:"resolved_at,omitempty"`
}

// IsResolved returns true once the entry was replayed or discarded.
func (e *DeadLetterEntry) IsResolved() bool {
	return e.Status != DeadLetterPending
}

// ProcessorCallPayload is the payload of a processor_call entry.
type ProcessorCallPayload struct {
	Request              ProcessorRequest `json:"request"`
	ClientIdempotencyKey string           `json:"client_idempotency_key,omitempty"`
}

// WebhookDeliveryPayload is the payload of a webhook_delivery entry.
type WebhookDeliveryPayload struct {
	WebhookEventID uuid.UUID `json:"webhook_event_id"`
}
