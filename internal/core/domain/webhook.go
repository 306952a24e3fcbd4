package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// WebhookStatus represents the processing state of an inbound webhook event.
type WebhookStatus string

const (
	WebhookStatusReceived  WebhookStatus = "received"
	WebhookStatusProcessed WebhookStatus = "processed"
	WebhookStatusDuplicate WebhookStatus = "duplicate"
	WebhookStatusFailed    WebhookStatus = "failed"
)

// Webhook outcomes recorded alongside the status.
const (
	OutcomeApplied          = "applied"
	OutcomeStaleIgnored     = "stale_ignored"
	OutcomeAlreadyApplied   = "already_applied"
	OutcomeUnknownEventType = "unknown_event_type"
	OutcomeInformational    = "informational"
	OutcomePaymentNotFound  = "payment_not_found"
	OutcomeInvalidPayload   = "invalid_payload"
	OutcomeRejected         = "rejected"
	OutcomeProcessingError  = "processing_error"
)

// WebhookEvent is one processor notification as received. Only status,
// outcome, processed_at and delivery_count change after insert.
type WebhookEvent struct {
	ID               uuid.UUID       `json:"id"`
	ExternalEventID  string          `json:"external_event_id"`
	EventType        string          `json:"event_type"`
	Payload          json.RawMessage `json:"payload"`
	SignatureValid   bool            `json:"signature_valid"`
	ProcessingStatus WebhookStatus   `json:"processing_status"`
	Outcome          string          `json:"outcome,omitempty"`
	RelatedPaymentID *uuid.UUID      `json:"related_payment_id,omitempty"`
	DeliveryCount    int             `json:"delivery_count"`
	ReplayOf         *uuid.UUID      `json:"replay_of,omitempty"`
	EventCreatedAt   *time.Time      `json:"event_created_at,omitempty"`
	ReceivedAt       time.Time       `json:"received_at"`
	ProcessedAt      *time.Time      `json:"processed_at,omitempty"`
}

// WebhookEnvelope is the minimal inbound shape.
type WebhookEnvelope struct {
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt *time.Time      `json:"created_at"`
}

// WebhookPayload is the subset of an event payload the pipeline consumes.
type WebhookPayload struct {
	PaymentID    string           `json:"payment_id"`
	ProcessorRef string           `json:"processor_ref"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Currency     string           `json:"currency,omitempty"`
	RefundID     string           `json:"refund_id,omitempty"`
	DisputeID    string           `json:"dispute_id,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Code         string           `json:"code,omitempty"`
}

// WebhookKind is the closed set of event kinds the pipeline understands.
type WebhookKind int

const (
	WebhookKindUnknown WebhookKind = iota
	WebhookKindAuthorized
	WebhookKindAuthorizationFailed
	WebhookKindAuthorizationExpired
	WebhookKindCaptured
	WebhookKindVoided
	WebhookKindRefunded
	WebhookKindChargeback
	WebhookKindSettled
)

var webhookKindNames = map[WebhookKind]string{
	WebhookKindUnknown:              "unknown",
	WebhookKindAuthorized:           "authorized",
	WebhookKindAuthorizationFailed:  "authorization_failed",
	WebhookKindAuthorizationExpired: "authorization_expired",
	WebhookKindCaptured:             "captured",
	WebhookKindVoided:               "voided",
	WebhookKindRefunded:             "refunded",
	WebhookKindChargeback:           "chargeback",
	WebhookKindSettled:              "settled",
}

func (k WebhookKind) String() string {
	if n, ok := webhookKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("WebhookKind(%d)", int(k))
}

// webhookEventTypes maps processor event_type strings onto kinds.
var webhookEventTypes = map[string]WebhookKind{
	"payment.authorized":     WebhookKindAuthorized,
	"payment.declined":       WebhookKindAuthorizationFailed,
	"payment.failed":         WebhookKindAuthorizationFailed,
	"authorization.expired":  WebhookKindAuthorizationExpired,
	"payment.captured":       WebhookKindCaptured,
	"payment.voided":         WebhookKindVoided,
	"payment.refunded":       WebhookKindRefunded,
	"payment.chargeback":     WebhookKindChargeback,
	"charge.dispute.created": WebhookKindChargeback,
	"payment.settled":        WebhookKindSettled,
}

// ParseWebhookKind maps an event_type; unrecognized types yield WebhookKindUnknown.
func ParseWebhookKind(eventType string) WebhookKind {
	return webhookEventTypes[eventType]
}

// AllWebhookKinds returns every known kind except WebhookKindUnknown.
func AllWebhookKinds() []WebhookKind {
	return []WebhookKind{
		WebhookKindAuthorized,
		WebhookKindAuthorizationFailed,
		WebhookKindAuthorizationExpired,
		WebhookKindCaptured,
		WebhookKindVoided,
		WebhookKindRefunded,
		WebhookKindChargeback,
		WebhookKindSettled,
	}
}

const replaySeparator = ":replay:"

// ReplayExternalEventID builds the dedup key for an operator replay so it
// never collides with live deliveries of the original event.
func ReplayExternalEventID(original string) string {
	return original + replaySeparator + uuid.NewString()
}

// OriginExternalEventID returns the processor's event id behind a live or
// replayed event.
func OriginExternalEventID(id string) string {
	origin, _, _ := strings.Cut(id, replaySeparator)
	return origin
}
