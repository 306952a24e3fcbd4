package service

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"payment-reliability-engine/internal/adapter/storage/memory"
	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test"

func newTestLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func noSleep(context.Context, time.Duration) error { return nil }

// stubGateway answers every action through reply and records each call.
type stubGateway struct {
	mu    sync.Mutex
	calls []domain.ProcessorRequest
	reply func(req domain.ProcessorRequest, n int) (*domain.ProcessorResult, error)
}

func approveAll() *stubGateway {
	return &stubGateway{}
}

func (g *stubGateway) call(req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	n := 0
	for _, c := range g.calls {
		if c.Action == req.Action {
			n++
		}
	}
	reply := g.reply
	g.mu.Unlock()

	if reply != nil {
		return reply(req, n)
	}
	return &domain.ProcessorResult{Status: domain.ProcessorApproved, ProcessorRef: "pr_" + req.IdempotencyKey}, nil
}

func (g *stubGateway) Authorize(_ context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return g.call(req)
}

func (g *stubGateway) Capture(_ context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return g.call(req)
}

func (g *stubGateway) Refund(_ context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return g.call(req)
}

func (g *stubGateway) Void(_ context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
	return g.call(req)
}

func (g *stubGateway) count(action domain.ProcessorAction) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		if c.Action == action {
			n++
		}
	}
	return n
}

func (g *stubGateway) requests(action domain.ProcessorAction) []domain.ProcessorRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.ProcessorRequest
	for _, c := range g.calls {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

// recordingSink keeps every emitted event.
type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) ofType(t domain.EventType) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// engine wires every service over in-memory storage.
type engine struct {
	payments *memory.PaymentRepo
	idemRepo *memory.IdempotencyRepo
	webhooks *memory.WebhookRepo
	dlqRepo  *memory.DeadLetterRepo
	audits   *memory.AuditRepo
	circuits *memory.CircuitStore
	gateway  *stubGateway
	sink     *recordingSink

	machine  *StateMachine
	idem     *IdempotencyService
	breaker  *CircuitBreaker
	executor *RetryExecutor
	dlq      *DeadLetterServiceImpl
	payment  *PaymentServiceImpl
	webhook  *WebhookServiceImpl
}

func newEngine(t *testing.T, gw *stubGateway) *engine {
	t.Helper()
	log := newTestLogger()
	e := &engine{
		payments: memory.NewPaymentRepo(),
		idemRepo: memory.NewIdempotencyRepo(),
		webhooks: memory.NewWebhookRepo(),
		dlqRepo:  memory.NewDeadLetterRepo(),
		audits:   memory.NewAuditRepo(),
		circuits: memory.NewCircuitStore(),
		gateway:  gw,
		sink:     &recordingSink{},
	}
	audit := NewAuditService(e.audits, log)

	e.machine = NewStateMachine(e.payments, e.sink, log)
	e.idem = NewIdempotencyService(e.idemRepo, nil, audit, e.sink, IdempotencyConfig{
		TTL:          72 * time.Hour,
		LeaseTimeout: 30 * time.Second,
		WaitTimeout:  2 * time.Second,
		PollInterval: 5 * time.Millisecond,
	}, log)
	e.breaker = NewCircuitBreaker(e.circuits, CircuitBreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}, e.sink, log)
	e.dlq = NewDeadLetterService(e.dlqRepo, audit, e.sink, DeadLetterConfig{
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  time.Hour,
		MaxReplays:  3,
	}, log)

	e.executor = NewRetryExecutor(RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Jitter: 0.1}, e.breaker, e.dlq, e.sink, log)
	e.executor.sleep = noSleep
	recovery := NewRetryExecutor(RetryConfig{MaxAttempts: 1}, e.breaker, nil, e.sink, log)

	e.payment = NewPaymentService(e.payments, e.machine, e.idem, gw, e.executor, recovery, PaymentConfig{Target: "processor"}, log)

	var err error
	e.webhook, err = NewWebhookService(e.webhooks, e.machine, NewHMACSignatureService(), memory.NewDeliveryLock(), e.dlq, audit, e.sink,
		WebhookConfig{Secret: testWebhookSecret}, log)
	require.NoError(t, err)

	e.dlq.Register(domain.OperationProcessorCall, RecoveryHandler{
		Resume:  e.payment.ResumeProcessorCall,
		Abandon: e.payment.ReleaseRefundReservation,
	})
	e.dlq.Register(domain.OperationWebhookDelivery, RecoveryHandler{Resume: e.webhook.ResumeDelivery})
	return e
}

func createReq(amount string) ports.CreatePaymentRequest {
	return ports.CreatePaymentRequest{
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		PaymentMethod: "pm_card_visa",
	}
}

// seedPayment stores a payment and walks it to status through the state machine.
func (e *engine) seedPayment(t *testing.T, amount string, status domain.PaymentStatus) *domain.Payment {
	t.Helper()
	ctx := context.Background()
	money, err := domain.ParseMoney(amount, "USD")
	require.NoError(t, err)
	p := domain.NewPayment(money, "pm_card_visa", nil, "corr-"+uuid.NewString()[:8], nil, time.Now().UTC())
	require.NoError(t, e.payments.Create(ctx, p))

	steps := map[domain.PaymentStatus][]domain.Transition{
		domain.PaymentStatusPending:    nil,
		domain.PaymentStatusAuthorized: {{Event: domain.EventAuthorizeSucceeded, ProcessorRef: "pr_seed"}},
		domain.PaymentStatusCaptured: {
			{Event: domain.EventAuthorizeSucceeded, ProcessorRef: "pr_seed"},
			{Event: domain.EventCaptureSucceeded},
		},
	}
	path, ok := steps[status]
	require.True(t, ok, "unsupported seed status %s", status)
	for _, tr := range path {
		_, err := e.machine.Transition(ctx, p.ID, tr)
		require.NoError(t, err)
	}
	out, err := e.payments.GetByID(ctx, p.ID)
	require.NoError(t, err)
	return out
}

func (e *engine) signedBody(t *testing.T, eventID, eventType string, payload any) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"event_id":   eventID,
		"event_type": eventType,
		"payload":    json.RawMessage(raw),
		"created_at": time.Now().UTC(),
	})
	require.NoError(t, err)
	return body, NewHMACSignatureService().Sign(testWebhookSecret, body)
}

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// audited waits for the asynchronous audit writer to record action.
func audited(t *testing.T, repo *memory.AuditRepo, action domain.AuditAction) domain.AuditLog {
	t.Helper()
	var found domain.AuditLog
	require.Eventually(t, func() bool {
		for _, entry := range repo.Entries() {
			if entry.Action == action {
				found = entry
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "no %s audit entry", action)
	return found
}
