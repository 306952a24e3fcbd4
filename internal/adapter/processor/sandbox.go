package processor

import (
	"context"
	"sync"

	"payment-reliability-engine/internal/core/domain"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Sandbox payment methods with scripted behavior. Any other method is
// approved.
const (
	SandboxDeclined          = "pm_card_declined"
	SandboxInsufficientFunds = "pm_card_insufficient_funds"
	SandboxInvalid           = "pm_invalid_request"
	SandboxFlaky             = "pm_card_flaky"
	SandboxUnavailable       = "pm_processor_down"
)

// Sandbox is an in-process processor for local runs. Like a real processor
// it remembers the reply for every idempotency key and returns it again for
// a repeated key.
type Sandbox struct {
	mu       sync.Mutex
	methods  map[uuid.UUID]string
	replies  map[string]reply
	attempts map[string]int
}

func NewSandbox() *Sandbox {
	return &Sandbox{
		methods:  make(map[uuid.UUID]string),
		replies:  make(map[string]reply),
		attempts: make(map[string]int),
	}
}

func (s *Sandbox) Authorize(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return s.handle(ctx, req)
}

func (s *Sandbox) Capture(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return s.handle(ctx, req)
}

func (s *Sandbox) Refund(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return s.handle(ctx, req)
}

func (s *Sandbox) Void(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return s.handle(ctx, req)
}

// Attempts returns how many times key reached the sandbox.
func (s *Sandbox) Attempts(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[key]
}

func (s *Sandbox) handle(ctx context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.attempts[req.IdempotencyKey]++
	n := s.attempts[req.IdempotencyKey]
	if r, ok := s.replies[req.IdempotencyKey]; ok {
		s.mu.Unlock()
		return normalize(req.Action, r)
	}
	if req.Action == domain.ActionAuthorize && req.PaymentMethod != "" {
		s.methods[req.PaymentID] = req.PaymentMethod
	}
	method := s.methods[req.PaymentID]

	r := s.script(req, method, n)
	if Classify(r.Code) != ClassTransient {
		s.replies[req.IdempotencyKey] = r
	}
	s.mu.Unlock()

	return normalize(req.Action, r)
}

func (s *Sandbox) script(req domain.ProcessorRequest, method string, attempt int) reply {
	switch method {
	case SandboxUnavailable:
		return reply{Code: "service_unavailable", Message: "sandbox processor is down"}
	case SandboxFlaky:
		if attempt == 1 {
			return reply{Code: "timeout", Message: "sandbox timeout"}
		}
	case SandboxDeclined:
		if req.Action == domain.ActionAuthorize {
			return reply{Code: "card_declined", Message: "card declined"}
		}
	case SandboxInsufficientFunds:
		if req.Action == domain.ActionAuthorize {
			return reply{Code: "insufficient_funds", Message: "insufficient funds"}
		}
	case SandboxInvalid:
		return reply{Code: "invalid_request", Message: "sandbox rejected the request"}
	}
	return reply{Code: "approved", ProcessorRef: "sbx_" + ulid.Make().String()}
}
