package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
	"payment-reliability-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PaymentConfig configures the payment service.
type PaymentConfig struct {
	// Target names the processor for the circuit breaker.
	Target string
	// CallTimeout bounds a detached processor operation including retries.
	// Zero means the operation is bounded only by the gateway's own timeout.
	CallTimeout time.Duration
}

// PaymentServiceImpl implements ports.PaymentService.
type PaymentServiceImpl struct {
	repo     ports.PaymentRepository
	machine  *StateMachine
	idem     *IdempotencyService
	gateway  ports.ProcessorGateway
	executor *RetryExecutor
	recovery *RetryExecutor
	cfg      PaymentConfig
	log      zerolog.Logger
	now      func() time.Time

	inflight sync.WaitGroup
}

// NewPaymentService creates a new PaymentServiceImpl. executor serves client
// requests; recovery is used by the dead letter worker and reconciliation
// and should be built without a dead letter queue.
func NewPaymentService(
	repo ports.PaymentRepository,
	machine *StateMachine,
	idem *IdempotencyService,
	gateway ports.ProcessorGateway,
	executor *RetryExecutor,
	recovery *RetryExecutor,
	cfg PaymentConfig,
	log zerolog.Logger,
) *PaymentServiceImpl {
	if recovery == nil {
		recovery = executor
	}
	return &PaymentServiceImpl{
		repo:     repo,
		machine:  machine,
		idem:     idem,
		gateway:  gateway,
		executor: executor,
		recovery: recovery,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// CreatePayment creates and authorizes a payment exactly once per key.
func (s *PaymentServiceImpl) CreatePayment(ctx context.Context, req ports.CreatePaymentRequest, idempotencyKey string) (*ports.CreatePaymentResult, error) {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return nil, apperror.Validation("Idempotency-Key is required")
	}
	amount, err := domain.NewMoney(req.Amount, req.Currency)
	if err != nil {
		return nil, moneyError(err)
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		return nil, apperror.Validation("payment_method is required")
	}

	fp, err := CreatePaymentFingerprint(req)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	claim, err := s.claim(ctx, key, fp)
	if err != nil {
		return nil, err
	}
	if claim.Outcome == BeginCompleted {
		p, err := s.replay(ctx, claim.Record)
		if err != nil {
			return nil, err
		}
		s.log.Info().Str("key", key).Str("payment_id", p.ID.String()).Msg("create replayed from idempotency record")
		return &ports.CreatePaymentResult{Payment: p, Replayed: true}, nil
	}

	p, err := s.createOrResume(ctx, key, amount, req)
	if err != nil {
		s.release(ctx, key, claim.Token, err)
		return nil, err
	}

	out, err := s.detached(ctx, p.ID, func(ctx context.Context) (*domain.Payment, error) {
		authorized, err := s.authorize(ctx, s.executor, p, key)
		if err != nil {
			s.release(ctx, key, claim.Token, err)
			return nil, err
		}
		s.complete(ctx, key, claim.Token, authorized)
		return authorized, nil
	})
	if err != nil {
		return nil, err
	}
	return &ports.CreatePaymentResult{Payment: out}, nil
}

// GetPayment returns the current state of a payment.
func (s *PaymentServiceImpl) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return s.load(ctx, id)
}

// CapturePayment captures amount (nil = full authorized amount).
func (s *PaymentServiceImpl) CapturePayment(ctx context.Context, id uuid.UUID, amount *decimal.Decimal) (*domain.Payment, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if amount != nil {
		if err := checkPrecision(*amount, p.Amount.Currency); err != nil {
			return nil, err
		}
	}
	t := domain.Transition{Event: domain.EventCaptureSucceeded, Amount: amount}
	if _, _, err := p.Apply(t, s.now().UTC()); err != nil {
		return nil, transitionAppError(err)
	}
	captured := p.Amount.Amount
	if amount != nil {
		captured = *amount
	}

	req := s.request(p, domain.ActionCapture, captured, domain.ProcessorIdempotencyKey(p.ID, domain.ActionCapture))
	return s.detached(ctx, p.ID, func(ctx context.Context) (*domain.Payment, error) {
		return s.capture(ctx, s.executor, req, "")
	})
}

// CancelPayment voids an authorized, uncaptured payment.
func (s *PaymentServiceImpl) CancelPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, _, err := p.Apply(domain.Transition{Event: domain.EventVoidSucceeded}, s.now().UTC()); err != nil {
		return nil, transitionAppError(err)
	}

	req := s.request(p, domain.ActionVoid, p.Amount.Amount, domain.ProcessorIdempotencyKey(p.ID, domain.ActionVoid))
	return s.detached(ctx, p.ID, func(ctx context.Context) (*domain.Payment, error) {
		return s.void(ctx, s.executor, req)
	})
}

// RefundPayment refunds req.Amount (nil = everything still refundable).
// The client key is required: a refund that was dead-lettered or outlived
// its caller is later resumed under the same processor key, so a retry
// under that key cannot become a second refund. Requests that would exceed
// the captured amount are rejected before the processor is called.
func (s *PaymentServiceImpl) RefundPayment(ctx context.Context, req ports.RefundRequest) (*domain.Payment, error) {
	clientKey := strings.TrimSpace(req.IdempotencyKey)
	if clientKey == "" {
		return nil, apperror.Validation("Idempotency-Key is required")
	}
	p, err := s.load(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}

	processorKey := domain.BuildRefundIdempotencyKey(p.ID, clientKey)
	fp, err := RefundFingerprint(req)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	claim, err := s.claim(ctx, processorKey, fp)
	if err != nil {
		return nil, err
	}
	if claim.Outcome == BeginCompleted {
		return s.replay(ctx, claim.Record)
	}

	amount, err := refundAmount(p, req.Amount)
	if err == nil {
		_, err = s.machine.Mutate(ctx, p.ID, func(cur *domain.Payment) error {
			if !cur.IsRefundable() {
				return apperror.ErrInvalidRefund()
			}
			if amount.GreaterThan(cur.RefundableAmount()) {
				return apperror.ErrRefundAmountExceedsCaptured()
			}
			cur.RefundReserved = cur.RefundReserved.Add(amount)
			return nil
		})
	}
	if err != nil {
		s.release(ctx, processorKey, claim.Token, err)
		return nil, err
	}

	s.log.Info().
		Str("payment_id", p.ID.String()).
		Str("amount", amount.String()).
		Str("reason", req.Reason).
		Msg("refund reserved")

	preq := s.request(p, domain.ActionRefund, amount, processorKey)
	return s.detached(ctx, p.ID, func(ctx context.Context) (*domain.Payment, error) {
		refunded, err := s.refund(ctx, s.executor, preq, clientKey, false)
		if err != nil {
			s.release(ctx, processorKey, claim.Token, err)
		} else {
			s.complete(ctx, processorKey, claim.Token, refunded)
		}
		return refunded, err
	})
}

// ResumeProcessorCall re-issues a dead-lettered processor call once with the
// original processor idempotency key and records the outcome.
func (s *PaymentServiceImpl) ResumeProcessorCall(ctx context.Context, entry *domain.DeadLetterEntry) error {
	payload, err := decodeProcessorCall(entry)
	if err != nil {
		return err
	}
	req := payload.Request

	switch req.Action {
	case domain.ActionAuthorize:
		p, err := s.load(ctx, req.PaymentID)
		if err != nil {
			return err
		}
		_, err = s.authorize(ctx, s.recovery, p, payload.ClientIdempotencyKey)
		return err
	case domain.ActionCapture:
		_, err := s.capture(ctx, s.recovery, req, payload.ClientIdempotencyKey)
		return err
	case domain.ActionVoid:
		_, err := s.void(ctx, s.recovery, req)
		return err
	case domain.ActionRefund:
		_, err := s.refund(ctx, s.recovery, req, payload.ClientIdempotencyKey, true)
		return err
	}
	return apperror.ErrPermanentProcessor("unknown_action", fmt.Sprintf("unknown processor action %q", req.Action))
}

// ReleaseRefundReservation drops the reservation held by a dead-lettered
// refund that will not be retried.
func (s *PaymentServiceImpl) ReleaseRefundReservation(ctx context.Context, entry *domain.DeadLetterEntry) error {
	payload, err := decodeProcessorCall(entry)
	if err != nil {
		return err
	}
	if payload.Request.Action != domain.ActionRefund {
		return nil
	}
	return s.unreserve(ctx, payload.Request.PaymentID, payload.Request.Amount)
}

// ReconcilePending re-drives authorization for payments that stayed pending
// longer than olderThan, e.g. because the process died mid-call. The same
// processor key is used, so the processor reports the original outcome.
func (s *PaymentServiceImpl) ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.repo.ListStalePending(ctx, s.now().UTC().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list stale pending payments: %w", err)
	}

	resolved := 0
	for i := range stale {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		p := &stale[i]
		var clientKey string
		if p.IdempotencyKey != nil {
			clientKey = *p.IdempotencyKey
		}
		out, err := s.authorize(ctx, s.recovery, p, clientKey)
		if err != nil {
			s.log.Warn().Err(err).Str("payment_id", p.ID.String()).Msg("reconciliation attempt failed")
			continue
		}
		if out.Status != domain.PaymentStatusPending {
			resolved++
		}
	}
	return resolved, nil
}

// Drain waits for detached processor operations to finish or ctx to end.
func (s *PaymentServiceImpl) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// authorize calls the processor for a pending payment and records the
// outcome. A decline or permanent rejection fails the payment and is not an
// error.
func (s *PaymentServiceImpl) authorize(ctx context.Context, exec *RetryExecutor, p *domain.Payment, clientKey string) (*domain.Payment, error) {
	if p.Status != domain.PaymentStatusPending {
		return p, nil
	}
	req := s.request(p, domain.ActionAuthorize, p.Amount.Amount, domain.ProcessorIdempotencyKey(p.ID, domain.ActionAuthorize))
	req.PaymentMethod = p.PaymentMethod

	res, attempts, err := exec.Execute(ctx, Call{Target: s.cfg.Target, Request: req, ClientIdempotencyKey: clientKey}, s.gateway.Authorize)

	t := domain.Transition{Retries: attempts - 1}
	switch {
	case err == nil && res.Approved():
		t.Event = domain.EventAuthorizeSucceeded
		t.ProcessorRef = res.ProcessorRef
	case err == nil:
		t.Event = domain.EventAuthorizeDeclined
		t.ProcessorRef = res.ProcessorRef
		t.Reason = res.DeclineReason
	case apperror.IsKind(err, apperror.KindPermanentProcessor):
		t.Event = domain.EventAuthorizeDeclined
		t.Reason = failureReason(err)
	default:
		s.noteRetries(ctx, p.ID, attempts-1)
		return nil, err
	}

	tr, terr := s.machine.Transition(ctx, p.ID, t)
	if terr != nil {
		if domain.IsStaleTransition(terr) {
			// resolved through another path, e.g. a webhook
			return s.load(ctx, p.ID)
		}
		return nil, terr
	}
	return tr.Payment, nil
}

func (s *PaymentServiceImpl) capture(ctx context.Context, exec *RetryExecutor, req domain.ProcessorRequest, clientKey string) (*domain.Payment, error) {
	res, attempts, err := exec.Execute(ctx, Call{Target: s.cfg.Target, Request: req, ClientIdempotencyKey: clientKey}, s.gateway.Capture)
	if err != nil {
		s.noteRetries(ctx, req.PaymentID, attempts-1)
		return nil, err
	}
	if !res.Approved() {
		return nil, apperror.ErrPermanentProcessor(res.Code, res.DeclineReason)
	}
	amount := req.Amount
	tr, err := s.machine.Transition(ctx, req.PaymentID, domain.Transition{
		Event:        domain.EventCaptureSucceeded,
		Amount:       &amount,
		ProcessorRef: res.ProcessorRef,
		Retries:      attempts - 1,
	})
	if err != nil {
		return nil, err
	}
	return tr.Payment, nil
}

func (s *PaymentServiceImpl) void(ctx context.Context, exec *RetryExecutor, req domain.ProcessorRequest) (*domain.Payment, error) {
	res, attempts, err := exec.Execute(ctx, Call{Target: s.cfg.Target, Request: req}, s.gateway.Void)
	if err != nil {
		s.noteRetries(ctx, req.PaymentID, attempts-1)
		return nil, err
	}
	if !res.Approved() {
		return nil, apperror.ErrPermanentProcessor(res.Code, res.DeclineReason)
	}
	tr, err := s.machine.Transition(ctx, req.PaymentID, domain.Transition{
		Event:        domain.EventVoidSucceeded,
		ProcessorRef: res.ProcessorRef,
		Retries:      attempts - 1,
	})
	if err != nil {
		return nil, err
	}
	return tr.Payment, nil
}

// refund issues a refund whose amount is already reserved on the payment.
// While recovering, the reservation belongs to the dead letter entry and is
// released when the entry is discarded.
func (s *PaymentServiceImpl) refund(ctx context.Context, exec *RetryExecutor, req domain.ProcessorRequest, clientKey string, recovering bool) (*domain.Payment, error) {
	release := func(cause error) {
		if recovering {
			return
		}
		var exhausted *RetryExhaustedError
		if errors.As(cause, &exhausted) && exhausted.DeadLetterID != nil {
			return
		}
		s.unreserveQuietly(ctx, req)
	}

	res, attempts, err := exec.Execute(ctx, Call{Target: s.cfg.Target, Request: req, ClientIdempotencyKey: clientKey}, s.gateway.Refund)
	if err != nil {
		release(err)
		return nil, err
	}
	if !res.Approved() {
		err := apperror.ErrPermanentProcessor(res.Code, res.DeclineReason)
		release(err)
		return nil, err
	}

	amount := req.Amount
	tr, err := s.machine.Transition(ctx, req.PaymentID, domain.Transition{
		Event:              domain.EventRefundSucceeded,
		Amount:             &amount,
		ProcessorRef:       res.ProcessorRef,
		ReleaseReservation: true,
		Retries:            attempts - 1,
	})
	if err != nil {
		release(err)
		return nil, err
	}
	if !tr.Applied {
		// the webhook recorded it first without touching the reservation
		s.unreserveQuietly(ctx, req)
		return s.load(ctx, req.PaymentID)
	}
	return tr.Payment, nil
}

func (s *PaymentServiceImpl) unreserve(ctx context.Context, id uuid.UUID, amount decimal.Decimal) error {
	_, err := s.machine.Mutate(ctx, id, func(p *domain.Payment) error {
		p.RefundReserved = decimal.Max(decimal.Zero, p.RefundReserved.Sub(amount))
		return nil
	})
	return err
}

func (s *PaymentServiceImpl) unreserveQuietly(ctx context.Context, req domain.ProcessorRequest) {
	if err := s.unreserve(ctx, req.PaymentID, req.Amount); err != nil {
		s.log.Error().Err(err).
			Str("payment_id", req.PaymentID.String()).
			Str("amount", req.Amount.String()).
			Msg("failed to release refund reservation")
	}
}

func (s *PaymentServiceImpl) noteRetries(ctx context.Context, id uuid.UUID, retries int) {
	if retries <= 0 {
		return
	}
	if _, err := s.machine.Mutate(ctx, id, func(p *domain.Payment) error {
		p.RetryCount += retries
		return nil
	}); err != nil {
		s.log.Warn().Err(err).Str("payment_id", id.String()).Msg("failed to record retry count")
	}
}

// detached runs fn on a context that survives the caller's cancellation.
// If the caller gives up first it gets a timeout while fn runs to completion
// and records its own result.
func (s *PaymentServiceImpl) detached(ctx context.Context, paymentID uuid.UUID, fn func(ctx context.Context) (*domain.Payment, error)) (*domain.Payment, error) {
	type outcome struct {
		p   *domain.Payment
		err error
	}
	done := make(chan outcome, 1)

	bg := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if s.cfg.CallTimeout > 0 {
		bg, cancel = context.WithTimeout(bg, s.cfg.CallTimeout)
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		p, err := fn(bg)
		done <- outcome{p: p, err: err}
	}()

	select {
	case o := <-done:
		return o.p, o.err
	case <-ctx.Done():
		s.log.Warn().Str("payment_id", paymentID.String()).Msg("client stopped waiting, processor operation continues in background")
		return nil, apperror.ErrRequestTimeout(paymentID.String())
	}
}

func (s *PaymentServiceImpl) claim(ctx context.Context, key, fp string) (*BeginResult, error) {
	claim, err := s.idem.Begin(ctx, key, fp)
	if err != nil {
		return nil, err
	}
	if claim.Outcome == BeginInProgress {
		return s.idem.Await(ctx, key, fp)
	}
	return claim, nil
}

// createOrResume returns the payment already bound to key, which exists
// when a previous holder of the key failed after creating it.
func (s *PaymentServiceImpl) createOrResume(ctx context.Context, key string, amount domain.Money, req ports.CreatePaymentRequest) (*domain.Payment, error) {
	existing, err := s.repo.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if existing != nil {
		return existing, nil
	}

	p := domain.NewPayment(amount, req.PaymentMethod, &key, ulid.Make().String(), req.Metadata, s.now().UTC())
	if err := s.repo.Create(ctx, p); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			existing, gerr := s.repo.GetByIdempotencyKey(ctx, key)
			if gerr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, apperror.ErrDatabaseError(fmt.Errorf("create payment: %w", err))
	}
	s.log.Info().
		Str("payment_id", p.ID.String()).
		Str("correlation_id", p.CorrelationID).
		Str("amount", p.Amount.String()).
		Msg("payment created")
	return p, nil
}

// replay returns the current state of the payment a completed key points to.
func (s *PaymentServiceImpl) replay(ctx context.Context, rec *domain.IdempotencyRecord) (*domain.Payment, error) {
	var stored domain.Payment
	if err := json.Unmarshal(rec.StoredResult, &stored); err != nil {
		return nil, apperror.InternalError(fmt.Errorf("decode stored result: %w", err))
	}
	cur, err := s.repo.GetByID(ctx, stored.ID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if cur == nil {
		return &stored, nil
	}
	return cur, nil
}

func (s *PaymentServiceImpl) complete(ctx context.Context, key string, token uuid.UUID, p *domain.Payment) {
	raw, err := json.Marshal(p)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("failed to encode idempotency result")
		return
	}
	if err := s.idem.Complete(ctx, key, token, raw); err != nil && !errors.Is(err, ErrLeaseLost) {
		s.log.Error().Err(err).Str("key", key).Msg("failed to complete idempotency key")
	}
}

func (s *PaymentServiceImpl) release(ctx context.Context, key string, token uuid.UUID, cause error) {
	if err := s.idem.Fail(ctx, key, token, failureReason(cause)); err != nil && !errors.Is(err, ErrLeaseLost) {
		s.log.Error().Err(err).Str("key", key).Msg("failed to release idempotency key")
	}
}

func (s *PaymentServiceImpl) load(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if p == nil {
		return nil, apperror.ErrNotFound("Payment")
	}
	return p, nil
}

func (s *PaymentServiceImpl) request(p *domain.Payment, action domain.ProcessorAction, amount decimal.Decimal, key string) domain.ProcessorRequest {
	req := domain.ProcessorRequest{
		Action:         action,
		PaymentID:      p.ID,
		Amount:         amount,
		Currency:       p.Amount.Currency,
		IdempotencyKey: key,
		CorrelationID:  p.CorrelationID,
	}
	if p.ProcessorReferenceID != nil {
		req.ProcessorRef = *p.ProcessorReferenceID
	}
	return req
}

// refundAmount resolves and validates the requested refund against what is
// still refundable, including amounts reserved by in-flight refunds.
func refundAmount(p *domain.Payment, requested *decimal.Decimal) (decimal.Decimal, error) {
	if !p.IsRefundable() {
		return decimal.Zero, apperror.ErrInvalidRefund()
	}
	remaining := p.RefundableAmount()
	if requested == nil {
		if !remaining.IsPositive() {
			return decimal.Zero, apperror.ErrInvalidRefund()
		}
		return remaining, nil
	}
	if !requested.IsPositive() {
		return decimal.Zero, apperror.Validation("refund amount must be positive")
	}
	if err := checkPrecision(*requested, p.Amount.Currency); err != nil {
		return decimal.Zero, err
	}
	if requested.GreaterThan(remaining) {
		return decimal.Zero, apperror.ErrRefundAmountExceedsCaptured()
	}
	return *requested, nil
}

func checkPrecision(amount decimal.Decimal, currency string) error {
	minor, _ := domain.MinorUnits(currency)
	if !amount.Equal(amount.Truncate(minor)) {
		return apperror.Validation(fmt.Sprintf("%s allows %d decimal places", currency, minor))
	}
	return nil
}

func moneyError(err error) error {
	if errors.Is(err, domain.ErrInvalidAmount) {
		return apperror.ErrInvalidAmount()
	}
	return apperror.Validation(err.Error())
}

func decodeProcessorCall(entry *domain.DeadLetterEntry) (*domain.ProcessorCallPayload, error) {
	var payload domain.ProcessorCallPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return nil, apperror.ErrPermanentProcessor("invalid_payload", fmt.Sprintf("undecodable dead letter payload: %v", err))
	}
	return &payload, nil
}
