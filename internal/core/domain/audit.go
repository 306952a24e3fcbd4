package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of audited action.
type AuditAction string

const (
	AuditActionStaleTransition     AuditAction = "STALE_TRANSITION"
	AuditActionWebhookReplay       AuditAction = "WEBHOOK_REPLAY"
	AuditActionDeadLetterReplay    AuditAction = "DEAD_LETTER_REPLAY"
	AuditActionDeadLetterDiscard   AuditAction = "DEAD_LETTER_DISCARD"
	AuditActionIdempotencyConflict AuditAction = "IDEMPOTENCY_CONFLICT"

	// Recorded by the HTTP layer.
	AuditActionPaymentCreated    AuditAction = "PAYMENT_CREATED"
	AuditActionPaymentCaptured   AuditAction = "PAYMENT_CAPTURED"
	AuditActionRefundRequested   AuditAction = "REFUND_REQUESTED"
	AuditActionPaymentCancelled  AuditAction = "PAYMENT_CANCELLED"
	AuditActionSignatureRejected AuditAction = "WEBHOOK_SIGNATURE_REJECTED"
)

// AuditLog records a single audited action in the system.
type AuditLog struct {
	ID           uuid.UUID   `json:"id"`
	PaymentID    *uuid.UUID  `json:"payment_id,omitempty"`
	Action       AuditAction `json:"action"`
	ResourceType string      `json:"resource_type"`
	ResourceID   string      `json:"resource_id,omitempty"`
	Details      string      `json:"details,omitempty"` // JSON string
	IPAddress    string      `json:"ip_address,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}
