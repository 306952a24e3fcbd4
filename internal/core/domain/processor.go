package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProcessorAction names an outbound processor operation.
type ProcessorAction string

const (
	ActionAuthorize ProcessorAction = "authorize"
	ActionCapture   ProcessorAction = "capture"
	ActionRefund    ProcessorAction = "refund"
	ActionVoid      ProcessorAction = "void"
)

// ProcessorStatus is the normalized outcome of a processor call that returned.
type ProcessorStatus string

const (
	ProcessorApproved ProcessorStatus = "approved"
	ProcessorDeclined ProcessorStatus = "declined"
)

// ProcessorRequest is everything needed to (re)issue a processor call.
// IdempotencyKey is sent unchanged on every attempt. Amount is the money
// moved by this action (authorized, captured or refunded).
type ProcessorRequest struct {
	Action         ProcessorAction `json:"action"`
	PaymentID      uuid.UUID       `json:"payment_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	ProcessorRef   string          `json:"processor_ref,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CorrelationID  string          `json:"correlation_id"`
}

// ProcessorResult is the uniform adapter result.
type ProcessorResult struct {
	Status        ProcessorStatus `json:"status"`
	ProcessorRef  string          `json:"processor_ref"`
	DeclineReason string          `json:"decline_reason,omitempty"`
	Code          string          `json:"code,omitempty"`
}

// Approved reports whether the processor accepted the operation.
func (r *ProcessorResult) Approved() bool {
	return r != nil && r.Status == ProcessorApproved
}

// ProcessorIdempotencyKey is the processor-facing key for single-shot actions.
func ProcessorIdempotencyKey(paymentID uuid.UUID, action ProcessorAction) string {
	return paymentID.String() + ":" + string(action)
}
