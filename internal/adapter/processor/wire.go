package processor

import (
	"payment-reliability-engine/internal/core/domain"

	"github.com/shopspring/decimal"
)

// Header names carried on every outbound request.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderCorrelationID  = "X-Correlation-ID"
)

// request is the body sent for every action.
type request struct {
	PaymentID     string          `json:"payment_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method,omitempty"`
	ProcessorRef  string          `json:"processor_ref,omitempty"`
}

func newRequest(req domain.ProcessorRequest) request {
	return request{
		PaymentID:     req.PaymentID.String(),
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		ProcessorRef:  req.ProcessorRef,
	}
}
