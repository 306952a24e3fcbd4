package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType names an observability event.
type EventType string

const (
	EventTypePaymentTransition   EventType = "payment.transition"
	EventTypeRetryAttempt        EventType = "processor.retry_attempt"
	EventTypeCircuitStateChanged EventType = "circuit.state_changed"
	EventTypeDeadLetterEnqueued  EventType = "deadletter.enqueued"
	EventTypeDeadLetterResolved  EventType = "deadletter.resolved"
	EventTypeWebhookReceived     EventType = "webhook.received"
	EventTypeIdempotencyConflict EventType = "idempotency.conflict"
)

// Event is a structured, write-only observability record.
type Event struct {
	Type          EventType         `json:"type"`
	OccurredAt    time.Time         `json:"occurred_at"`
	PaymentID     *uuid.UUID        `json:"payment_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Target        string            `json:"target,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}
