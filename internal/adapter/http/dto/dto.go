package dto

import (
	"time"

	"payment-reliability-engine/internal/core/domain"
)

// IdempotencyHeader carries the client's idempotency key.
type IdempotencyHeader struct {
	Key string `header:"Idempotency-Key" binding:"required,max=255,safe_id"`
}

// CreatePaymentRequest is the request body for payment creation.
type CreatePaymentRequest struct {
	Amount        string            `json:"amount" binding:"required,amount"`
	Currency      string            `json:"currency" binding:"required,currency"`
	PaymentMethod string            `json:"payment_method" binding:"required,max=255,safe_id"`
	Metadata      map[string]string `json:"metadata,omitempty" binding:"omitempty,max=20,dive,keys,max=64,endkeys,max=500"`
}

// CaptureRequest is the optional body for capture. A missing amount
// captures the full authorized amount.
type CaptureRequest struct {
	Amount *string `json:"amount,omitempty" binding:"omitempty,amount"`
}

// RefundRequest is the request body for refunds. A missing amount refunds
// everything still refundable.
type RefundRequest struct {
	Amount *string `json:"amount,omitempty" binding:"omitempty,amount"`
	Reason string  `json:"reason,omitempty" binding:"max=255"`
}

// DiscardRequest is the request body for discarding a dead letter entry.
type DiscardRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// PaymentResponse is the response body for payment results.
type PaymentResponse struct {
	ID                   string            `json:"id"`
	Amount               string            `json:"amount"`
	Currency             string            `json:"currency"`
	CapturedAmount       string            `json:"captured_amount"`
	RefundedAmount       string            `json:"refunded_amount"`
	Status               string            `json:"status"`
	ProcessorReferenceID *string           `json:"processor_reference_id,omitempty"`
	DeclineReason        *string           `json:"decline_reason,omitempty"`
	FailureReason        *string           `json:"failure_reason,omitempty"`
	CorrelationID        string            `json:"correlation_id"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            string            `json:"created_at"`
	UpdatedAt            string            `json:"updated_at"`
	ProcessedAt          *string           `json:"processed_at,omitempty"`
}

// NewPaymentResponse converts a payment to its API shape. Amounts are
// rendered with the currency's minor unit precision.
func NewPaymentResponse(p *domain.Payment) PaymentResponse {
	places, _ := domain.MinorUnits(p.Amount.Currency)
	resp := PaymentResponse{
		ID:                   p.ID.String(),
		Amount:               p.Amount.Amount.StringFixed(places),
		Currency:             p.Amount.Currency,
		CapturedAmount:       p.CapturedAmount.StringFixed(places),
		RefundedAmount:       p.RefundedAmount.StringFixed(places),
		Status:               string(p.Status),
		ProcessorReferenceID: p.ProcessorReferenceID,
		DeclineReason:        p.DeclineReason,
		FailureReason:        p.FailureReason,
		CorrelationID:        p.CorrelationID,
		Metadata:             p.Metadata,
		CreatedAt:            p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:            p.UpdatedAt.Format(time.RFC3339),
	}
	if p.ProcessedAt != nil {
		s := p.ProcessedAt.Format(time.RFC3339)
		resp.ProcessedAt = &s
	}
	return resp
}

// DeadLetterListResponse wraps a dead letter listing.
type DeadLetterListResponse struct {
	Items []domain.DeadLetterEntry `json:"items"`
	Count int                      `json:"count"`
}
