package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IdempotencyStatus represents the state of a client idempotency key.
type IdempotencyStatus string

const (
	IdempotencyStatusInProgress IdempotencyStatus = "in_progress"
	IdempotencyStatusCompleted  IdempotencyStatus = "completed"
	IdempotencyStatusFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord guards one client-supplied key. The holder of LeaseToken
// is the only caller allowed to complete or fail it.
type IdempotencyRecord struct {
	Key                string            `json:"key"`
	RequestFingerprint string            `json:"request_fingerprint"`
	Status             IdempotencyStatus `json:"status"`
	StoredResult       json.RawMessage   `json:"stored_result,omitempty"`
	FailureReason      *string           `json:"failure_reason,omitempty"`
	LeaseToken         uuid.UUID         `json:"-"`
	LockedUntil        time.Time         `json:"locked_until"`
	Attempts           int               `json:"attempts"`
	Version            int64             `json:"version"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	ExpiresAt          time.Time         `json:"expires_at"`
}

// IsExpired returns true once the TTL has elapsed; expired records are treated as absent.
func (r *IdempotencyRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// LeaseExpired returns true if an in-progress holder stopped renewing its claim.
func (r *IdempotencyRecord) LeaseExpired(now time.Time) bool {
	return r.Status == IdempotencyStatusInProgress && !now.Before(r.LockedUntil)
}

// Reclaimable returns true if a new caller with the same key may take over.
func (r *IdempotencyRecord) Reclaimable(now time.Time) bool {
	return r.Status == IdempotencyStatusFailed || r.LeaseExpired(now) || r.IsExpired(now)
}

// BuildRefundIdempotencyKey scopes a client refund key so it cannot collide
// with a payment-creation key.
func BuildRefundIdempotencyKey(paymentID uuid.UUID, clientKey string) string {
	return paymentID.String() + ":refund:" + clientKey
}
