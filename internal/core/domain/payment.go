package domain

import (
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus represents the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusAuthorized        PaymentStatus = "authorized"
	PaymentStatusCaptured          PaymentStatus = "captured"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusVoided            PaymentStatus = "voided"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusChargeback        PaymentStatus = "chargeback"
)

// IsTerminal returns true if no further transition can leave this state.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusRefunded, PaymentStatusVoided, PaymentStatusFailed, PaymentStatusChargeback:
		return true
	}
	return false
}

// Payment is the authoritative record of one logical payment.
// Amount is fixed at creation; Status changes only through Apply.
type Payment struct {
	ID                   uuid.UUID         `json:"id"`
	Amount               Money             `json:"amount"`
	CapturedAmount       decimal.Decimal   `json:"captured_amount"`
	RefundedAmount       decimal.Decimal   `json:"refunded_amount"`
	RefundReserved       decimal.Decimal   `json:"refund_reserved"`
	Status               PaymentStatus     `json:"status"`
	PaymentMethod        string            `json:"-"` // processor-issued token
	ProcessorReferenceID *string           `json:"processor_reference_id,omitempty"`
	IdempotencyKey       *string           `json:"idempotency_key,omitempty"`
	CorrelationID        string            `json:"correlation_id"`
	RetryCount           int               `json:"retry_count"`
	DeclineReason        *string           `json:"decline_reason,omitempty"`
	FailureReason        *string           `json:"failure_reason,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	Version              int64             `json:"version"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	ProcessedAt          *time.Time        `json:"processed_at,omitempty"`
}

// NewPayment creates a pending payment.
func NewPayment(amount Money, paymentMethod string, idempotencyKey *string, correlationID string, metadata map[string]string, now time.Time) *Payment {
	return &Payment{
		ID:             uuid.New(),
		Amount:         amount,
		CapturedAmount: decimal.Zero,
		RefundedAmount: decimal.Zero,
		RefundReserved: decimal.Zero,
		Status:         PaymentStatusPending,
		PaymentMethod:  paymentMethod,
		IdempotencyKey: idempotencyKey,
		CorrelationID:  correlationID,
		Metadata:       metadata,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy safe to mutate.
func (p *Payment) Clone() *Payment {
	c := *p
	c.ProcessorReferenceID = clonePtr(p.ProcessorReferenceID)
	c.IdempotencyKey = clonePtr(p.IdempotencyKey)
	c.DeclineReason = clonePtr(p.DeclineReason)
	c.FailureReason = clonePtr(p.FailureReason)
	c.ProcessedAt = clonePtr(p.ProcessedAt)
	if p.Metadata != nil {
		c.Metadata = maps.Clone(p.Metadata)
	}
	return &c
}

// RefundableAmount is what may still be refunded without exceeding the capture,
// counting refunds that are reserved but not yet confirmed.
func (p *Payment) RefundableAmount() decimal.Decimal {
	return p.CapturedAmount.Sub(p.RefundedAmount).Sub(p.RefundReserved)
}

// IsRefundable returns true if a refund may be requested in the current state.
func (p *Payment) IsRefundable() bool {
	return p.Status == PaymentStatusCaptured || p.Status == PaymentStatusPartiallyRefunded
}

// TransitionRecord is one applied edge in a payment's history.
// SourceRef identifies the processor-side operation; it is unique per payment.
type TransitionRecord struct {
	ID         uuid.UUID        `json:"id"`
	PaymentID  uuid.UUID        `json:"payment_id"`
	From       PaymentStatus    `json:"from"`
	To         PaymentStatus    `json:"to"`
	Event      PaymentEvent     `json:"event"`
	SourceRef  string           `json:"source_ref"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
