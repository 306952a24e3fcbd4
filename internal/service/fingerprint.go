package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"payment-reliability-engine/internal/core/ports"
)

// createFingerprint is the canonical form of a create-payment request.
// Map keys are sorted by encoding/json, and decimal.String drops trailing
// zeros, so "10.00" and "10" hash the same.
type createFingerprint struct {
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"payment_method"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type refundFingerprint struct {
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
}

// fingerprint returns the hex SHA-256 of v's canonical JSON encoding.
func fingerprint(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint request: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CreatePaymentFingerprint identifies the semantic content of a create request.
func CreatePaymentFingerprint(req ports.CreatePaymentRequest) (string, error) {
	return fingerprint(createFingerprint{
		Amount:        req.Amount.String(),
		Currency:      strings.ToUpper(strings.TrimSpace(req.Currency)),
		PaymentMethod: req.PaymentMethod,
		Metadata:      req.Metadata,
	})
}

// RefundFingerprint identifies the semantic content of a refund request.
func RefundFingerprint(req ports.RefundRequest) (string, error) {
	amount := "remaining"
	if req.Amount != nil {
		amount = req.Amount.String()
	}
	return fingerprint(refundFingerprint{PaymentID: req.PaymentID.String(), Amount: amount})
}
