package ports

import (
	"context"
	"time"

	"payment-reliability-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks payment-reliability-engine/internal/core/ports ProcessorGateway,EventSink,AuditService,IdempotencyCache,DeliveryLock,DeadLetterQueue,PaymentService,WebhookService,DeadLetterService,CircuitInspector

// --- Infrastructure Ports ---

// ProcessorGateway normalizes calls to the external payment processor.
// A declined operation is a result, not an error; errors are classified as
// transient or permanent through apperror kinds.
type ProcessorGateway interface {
	Authorize(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error)
	Capture(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error)
	Refund(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error)
	Void(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error)
}

// SignatureService handles HMAC-SHA256 signing and verification.
type SignatureService interface {
	Sign(secretKey string, payload []byte) string
	Verify(secretKey string, payload []byte, signature string) bool
}

// EventSink receives structured observability events. Emit must not block
// the caller on slow backends.
type EventSink interface {
	Emit(ctx context.Context, event domain.Event)
}

// AuditService records audited actions.
type AuditService interface {
	Log(ctx context.Context, entry *domain.AuditLog)
}

// IdempotencyCache is the Redis-layer lookup of completed records (fast path).
type IdempotencyCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // Returns cached record JSON or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// DeliveryLock serializes concurrent deliveries of the same webhook event.
type DeliveryLock interface {
	// Acquire returns true if the caller now holds the lock for key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// DeadLetterQueue accepts operations that exhausted their retries.
type DeadLetterQueue interface {
	Enqueue(ctx context.Context, entry *domain.DeadLetterEntry) error
}

// --- Service Ports (Business Logic) ---

// PaymentService is the outbound interface exposed to the API layer.
type PaymentService interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest, idempotencyKey string) (*CreatePaymentResult, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	CapturePayment(ctx context.Context, id uuid.UUID, amount *decimal.Decimal) (*domain.Payment, error)
	RefundPayment(ctx context.Context, req RefundRequest) (*domain.Payment, error)
	CancelPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
}

// CreatePaymentRequest holds validated input for payment creation.
type CreatePaymentRequest struct {
	Amount        decimal.Decimal
	Currency      string
	PaymentMethod string
	Metadata      map[string]string
}

// CreatePaymentResult carries the payment and whether it was served from a
// previously completed request with the same key.
type CreatePaymentResult struct {
	Payment  *domain.Payment
	Replayed bool
}

// RefundRequest holds validated input for refund processing.
type RefundRequest struct {
	PaymentID      uuid.UUID
	Amount         *decimal.Decimal // nil = everything still refundable
	IdempotencyKey string           // optional
	Reason         string
}

// WebhookService ingests and replays processor notifications.
type WebhookService interface {
	Ingest(ctx context.Context, rawBody []byte, signature string) (*WebhookAck, error)
	Replay(ctx context.Context, eventID uuid.UUID) (*domain.WebhookEvent, error)
}

// WebhookAck is returned to the webhook sender once the event is durable.
type WebhookAck struct {
	EventID         uuid.UUID            `json:"id"`
	ExternalEventID string               `json:"event_id"`
	Status          domain.WebhookStatus `json:"status"`
	Outcome         string               `json:"outcome,omitempty"`
}

// DeadLetterService exposes operator actions on the dead letter queue.
type DeadLetterService interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.DeadLetterEntry, error)
	List(ctx context.Context, status *domain.DeadLetterStatus, limit int) ([]domain.DeadLetterEntry, error)
	Replay(ctx context.Context, id uuid.UUID) (*domain.DeadLetterEntry, error)
	Discard(ctx context.Context, id uuid.UUID, reason string) (*domain.DeadLetterEntry, error)
}

// CircuitInspector exposes breaker state for observability.
type CircuitInspector interface {
	State(ctx context.Context, target string) (domain.CircuitState, error)
}
