package ports

import (
	"context"
	"encoding/json"
	"time"

	"payment-reliability-engine/internal/core/domain"

	"github.com/google/uuid"
)

//go:generate mockgen -destination=mocks/mock_repositories.go -package=mocks payment-reliability-engine/internal/core/ports PaymentRepository,IdempotencyRepository,WebhookRepository,DeadLetterRepository,AuditRepository,CircuitStore

// PaymentRepository defines persistence operations for payments.
// Getters return nil, nil when the row does not exist.
type PaymentRepository interface {
	// Create inserts a new payment. Returns domain.ErrDuplicateKey if the
	// idempotency key is already bound to another payment.
	Create(ctx context.Context, payment *domain.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)
	// ApplyTransition writes next and record atomically, only if the stored
	// version still equals expectedVersion. Returns domain.ErrVersionConflict
	// or domain.ErrTransitionAlreadyApplied.
	ApplyTransition(ctx context.Context, next *domain.Payment, expectedVersion int64, record *domain.TransitionRecord) error
	// Update writes non-status fields under the same version check.
	Update(ctx context.Context, next *domain.Payment, expectedVersion int64) error
	ListTransitions(ctx context.Context, paymentID uuid.UUID) ([]domain.TransitionRecord, error)
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.Payment, error)
}

// IdempotencyRepository defines durable storage for idempotency records.
// Every mutating call is a conditional write; a false result means the
// condition did not hold and nothing changed.
type IdempotencyRepository interface {
	// Insert creates the record if no row exists for the key.
	Insert(ctx context.Context, record *domain.IdempotencyRecord) (bool, error)
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// Reclaim replaces the row if its version still equals expectedVersion.
	Reclaim(ctx context.Context, record *domain.IdempotencyRecord, expectedVersion int64) (bool, error)
	MarkCompleted(ctx context.Context, key string, token uuid.UUID, result json.RawMessage, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, key string, token uuid.UUID, reason string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
}

// WebhookRepository defines persistence for inbound webhook events.
type WebhookRepository interface {
	// Insert stores the event unless external_event_id already exists.
	Insert(ctx context.Context, event *domain.WebhookEvent) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookEvent, error)
	GetByExternalID(ctx context.Context, externalEventID string) (*domain.WebhookEvent, error)
	UpdateStatus(ctx context.Context, event *domain.WebhookEvent) error
	IncrementDeliveryCount(ctx context.Context, id uuid.UUID) error
}

// DeadLetterRepository defines persistence for dead letter entries.
type DeadLetterRepository interface {
	Create(ctx context.Context, entry *domain.DeadLetterEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.DeadLetterEntry, error)
	List(ctx context.Context, status *domain.DeadLetterStatus, limit int) ([]domain.DeadLetterEntry, error)
	// ClaimDue leases up to limit pending entries whose next attempt is due.
	// A leased entry is invisible to other claimers until lease elapses.
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]domain.DeadLetterEntry, error)
	// Update persists the entry only while it is still pending.
	Update(ctx context.Context, entry *domain.DeadLetterEntry) (bool, error)
}

// AuditRepository persists audit log entries.
type AuditRepository interface {
	Create(ctx context.Context, log *domain.AuditLog) error
}

// CircuitStore holds per-target breaker state, shared by every caller.
type CircuitStore interface {
	// Load returns the current state; an unknown target is closed at version 0.
	Load(ctx context.Context, target string) (domain.CircuitState, error)
	// CompareAndSwap writes next (with Version = expectedVersion+1) only if the
	// stored version equals expectedVersion.
	CompareAndSwap(ctx context.Context, target string, expectedVersion int64, next domain.CircuitState) (bool, error)
}
