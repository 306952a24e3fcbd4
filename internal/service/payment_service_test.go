package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
	"payment-reliability-engine/internal/core/ports/mocks"
	"payment-reliability-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func transientOn(action domain.ProcessorAction) func(domain.ProcessorRequest, int) (*domain.ProcessorResult, error) {
	return func(req domain.ProcessorRequest, _ int) (*domain.ProcessorResult, error) {
		if req.Action == action {
			return nil, apperror.ErrTransientProcessor(errors.New("upstream timeout"))
		}
		return &domain.ProcessorResult{Status: domain.ProcessorApproved, ProcessorRef: "pr_" + req.IdempotencyKey}, nil
	}
}

func (g *stubGateway) setReply(reply func(domain.ProcessorRequest, int) (*domain.ProcessorResult, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reply = reply
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ==================== CreatePayment Tests ====================

func TestPaymentService_CreateCaptureAndReplay(t *testing.T) {
	e := newEngine(t, approveAll())
	ctx := context.Background()

	created, err := e.payment.CreatePayment(ctx, createReq("10.00"), "K1")
	require.NoError(t, err)
	assert.False(t, created.Replayed)
	p := created.Payment
	assert.Equal(t, domain.PaymentStatusAuthorized, p.Status)
	assert.NotEmpty(t, p.CorrelationID)
	require.NotNil(t, p.ProcessorReferenceID)

	captured, err := e.payment.CapturePayment(ctx, p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCaptured, captured.Status)
	assert.True(t, dec("10.00").Equal(captured.CapturedAmount))

	again, err := e.payment.CreatePayment(ctx, createReq("10.00"), "K1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, p.ID, again.Payment.ID)
	assert.Equal(t, domain.PaymentStatusCaptured, again.Payment.Status)
	assert.Equal(t, 1, e.gateway.count(domain.ActionAuthorize))

	auth := e.gateway.requests(domain.ActionAuthorize)[0]
	assert.Equal(t, p.ID.String()+":authorize", auth.IdempotencyKey)
	assert.Equal(t, "pm_card_visa", auth.PaymentMethod)
}

func TestPaymentService_CreatePayment_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  ports.CreatePaymentRequest
		key  string
	}{
		{"missing key", createReq("10.00"), "  "},
		{"zero amount", createReq("0"), "K1"},
		{"negative amount", createReq("-1.00"), "K1"},
		{"too many decimals", createReq("10.001"), "K1"},
		{"unknown currency", ports.CreatePaymentRequest{Amount: dec("1"), Currency: "XXX", PaymentMethod: "pm"}, "K1"},
		{"missing payment method", ports.CreatePaymentRequest{Amount: dec("1"), Currency: "USD"}, "K1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, approveAll())
			_, err := e.payment.CreatePayment(context.Background(), tt.req, tt.key)
			assert.True(t, apperror.IsKind(err, apperror.KindValidation), "got %v", err)
			assert.Zero(t, e.gateway.count(domain.ActionAuthorize))
		})
	}
}

func TestPaymentService_CreatePayment_KeyReuseWithDifferentBody(t *testing.T) {
	e := newEngine(t, approveAll())
	ctx := context.Background()

	_, err := e.payment.CreatePayment(ctx, createReq("10.00"), "K1")
	require.NoError(t, err)

	_, err = e.payment.CreatePayment(ctx, createReq("12.00"), "K1")
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "IDEM_001", appErr.Code)
	assert.Equal(t, 1, e.gateway.count(domain.ActionAuthorize))
}

func TestPaymentService_CreatePayment_ConcurrentSameKey(t *testing.T) {
	gw := approveAll()
	gw.reply = func(req domain.ProcessorRequest, _ int) (*domain.ProcessorResult, error) {
		time.Sleep(20 * time.Millisecond)
		return &domain.ProcessorResult{Status: domain.ProcessorApproved, ProcessorRef: "pr_" + req.IdempotencyKey}, nil
	}
	e := newEngine(t, gw)
	ctx := context.Background()

	const n = 10
	ids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.payment.CreatePayment(ctx, createReq("10.00"), "K-concurrent")
			if assert.NoError(t, err) {
				ids[i] = res.Payment.ID
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, gw.count(domain.ActionAuthorize))
	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
}

func TestPaymentService_CreatePayment_Declined(t *testing.T) {
	gw := approveAll()
	gw.reply = func(domain.ProcessorRequest, int) (*domain.ProcessorResult, error) {
		return &domain.ProcessorResult{Status: domain.ProcessorDeclined, ProcessorRef: "pr_d", DeclineReason: "insufficient_funds", Code: "card_declined"}, nil
	}
	e := newEngine(t, gw)
	ctx := context.Background()

	res, err := e.payment.CreatePayment(ctx, createReq("10.00"), "K1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, res.Payment.Status)
	require.NotNil(t, res.Payment.DeclineReason)
	assert.Equal(t, "insufficient_funds", *res.Payment.DeclineReason)

	again, err := e.payment.CreatePayment(ctx, createReq("10.00"), "K1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.Payment.ID, again.Payment.ID)
	assert.Equal(t, 1, gw.count(domain.ActionAuthorize))
}

func TestPaymentService_CreatePayment_PermanentErrorFailsPayment(t *testing.T) {
	gw := approveAll()
	gw.reply = func(domain.ProcessorRequest, int) (*domain.ProcessorResult, error) {
		return nil, apperror.ErrPermanentProcessor("invalid_card", "card number invalid")
	}
	e := newEngine(t, gw)

	res, err := e.payment.CreatePayment(context.Background(), createReq("10.00"), "K1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusFailed, res.Payment.Status)
	require.NotNil(t, res.Payment.DeclineReason)
	assert.Contains(t, *res.Payment.DeclineReason, "card number invalid")
	assert.Equal(t, 1, gw.count(domain.ActionAuthorize))
}

func TestPaymentService_CreatePayment_ExhaustedThenRetriedWithSameKey(t *testing.T) {
	gw := approveAll()
	gw.reply = transientOn(domain.ActionAuthorize)
	e := newEngine(t, gw)
	ctx := context.Background()

	_, err := e.payment.CreatePayment(ctx, createReq("10.00"), "K1")
	require.Error(t, err)
	assert.True(t, apperror.IsTransient(err))
	var exErr *RetryExhaustedError
	require.True(t, errors.As(err, &exErr))
	require.NotNil(t, exErr.DeadLetterID)

	pending, err := e.payments.GetByIdempotencyKey(ctx, "K1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, domain.PaymentStatusPending, pending.Status)
	assert.Equal(t, 2, pending.RetryCount)

	rec, err := e.idem.Get(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, rec.Status)

	gw.setReply(nil)
	res, err := e.payment.CreatePayment(ctx, createReq("10.00"), "K1")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, res.Payment.ID)
	assert.Equal(t, domain.PaymentStatusAuthorized, res.Payment.Status)

	keys := map[string]bool{}
	for _, r := range gw.requests(domain.ActionAuthorize) {
		keys[r.IdempotencyKey] = true
	}
	assert.Len(t, keys, 1, "every authorize attempt must reuse the processor key")

	// the dead-lettered authorize is now a no-op
	entry, err := e.dlq.Get(ctx, *exErr.DeadLetterID)
	require.NoError(t, err)
	require.NoError(t, e.dlq.Attempt(ctx, entry))
	assert.Equal(t, domain.DeadLetterReplayed, entry.Status)
	assert.Equal(t, 4, gw.count(domain.ActionAuthorize))
}

func TestPaymentService_CreatePayment_ClientTimeout(t *testing.T) {
	release := make(chan struct{})
	gw := approveAll()
	gw.reply = func(req domain.ProcessorRequest, _ int) (*domain.ProcessorResult, error) {
		<-release
		return &domain.ProcessorResult{Status: domain.ProcessorApproved, ProcessorRef: "pr_late"}, nil
	}
	e := newEngine(t, gw)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.payment.CreatePayment(ctx, createReq("10.00"), "K1")
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "SYS_004", appErr.Code)
	assert.Equal(t, 504, appErr.HTTPStatus)

	close(release)
	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Second)
	defer drainCancel()
	require.NoError(t, e.payment.Drain(drainCtx))

	p, err := e.payments.GetByIdempotencyKey(context.Background(), "K1")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusAuthorized, p.Status)

	res, err := e.payment.CreatePayment(context.Background(), createReq("10.00"), "K1")
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, p.ID, res.Payment.ID)
}

// ==================== CapturePayment Tests ====================

func TestPaymentService_CapturePayment_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		status   domain.PaymentStatus
		amount   *decimal.Decimal
		wantCode string
	}{
		{"exceeds authorized", domain.PaymentStatusAuthorized, decPtr("10.01"), "PAY_008"},
		{"too precise", domain.PaymentStatusAuthorized, decPtr("1.001"), "PAY_002"},
		{"not authorized yet", domain.PaymentStatusPending, nil, "TXN_001"},
		{"already captured", domain.PaymentStatusCaptured, nil, "TXN_001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, approveAll())
			p := e.seedPayment(t, "10.00", tt.status)

			_, err := e.payment.CapturePayment(context.Background(), p.ID, tt.amount)
			var appErr *apperror.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, tt.wantCode, appErr.Code)
			assert.Zero(t, e.gateway.count(domain.ActionCapture))
		})
	}
}

func TestPaymentService_CapturePayment_Partial(t *testing.T) {
	e := newEngine(t, approveAll())
	p := e.seedPayment(t, "10.00", domain.PaymentStatusAuthorized)

	out, err := e.payment.CapturePayment(context.Background(), p.ID, decPtr("7.50"))
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCaptured, out.Status)
	assert.True(t, dec("7.50").Equal(out.CapturedAmount))

	req := e.gateway.requests(domain.ActionCapture)[0]
	assert.True(t, dec("7.50").Equal(req.Amount))
	assert.Equal(t, "pr_seed", req.ProcessorRef)
}

func TestPaymentService_CapturePayment_ExhaustedGoesToDeadLetter(t *testing.T) {
	gw := approveAll()
	gw.reply = transientOn(domain.ActionCapture)
	e := newEngine(t, gw)
	p := e.seedPayment(t, "10.00", domain.PaymentStatusAuthorized)
	ctx := context.Background()

	_, err := e.payment.CapturePayment(ctx, p.ID, nil)
	require.Error(t, err)
	assert.Equal(t, 3, gw.count(domain.ActionCapture))

	cur, _ := e.payments.GetByID(ctx, p.ID)
	assert.Equal(t, domain.PaymentStatusAuthorized, cur.Status)
	assert.Equal(t, 2, cur.RetryCount)

	pending := domain.DeadLetterPending
	entries, err := e.dlq.List(ctx, &pending, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]
	assert.Equal(t, "capture", entry.Action)
	assert.Equal(t, p.ID, *entry.PaymentID)
	assert.Equal(t, 3, entry.AttemptCount)
	assert.Len(t, e.sink.ofType(domain.EventTypeDeadLetterEnqueued), 1)

	// processor recovers; the operator replays the entry
	gw.setReply(nil)
	replayed, err := e.dlq.Replay(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterReplayed, replayed.Status)

	cur, _ = e.payments.GetByID(ctx, p.ID)
	assert.Equal(t, domain.PaymentStatusCaptured, cur.Status)

	keys := map[string]bool{}
	for _, r := range gw.requests(domain.ActionCapture) {
		keys[r.IdempotencyKey] = true
	}
	assert.Equal(t, map[string]bool{p.ID.String() + ":capture": true}, keys)
	audited(t, e.audits, domain.AuditActionDeadLetterReplay)
}

func TestPaymentService_CapturePayment_Declined(t *testing.T) {
	gw := approveAll()
	gw.reply = func(domain.ProcessorRequest, int) (*domain.ProcessorResult, error) {
		return &domain.ProcessorResult{Status: domain.ProcessorDeclined, Code: "expired_authorization", DeclineReason: "authorization expired"}, nil
	}
	e := newEngine(t, gw)
	p := e.seedPayment(t, "10.00", domain.PaymentStatusAuthorized)

	_, err := e.payment.CapturePayment(context.Background(), p.ID, nil)
	assert.True(t, apperror.IsKind(err, apperror.KindPermanentProcessor))

	cur, _ := e.payments.GetByID(context.Background(), p.ID)
	assert.Equal(t, domain.PaymentStatusAuthorized, cur.Status)
}

// ==================== CancelPayment Tests ====================

func TestPaymentService_CancelPayment(t *testing.T) {
	e := newEngine(t, approveAll())
	p := e.seedPayment(t, "10.00", domain.PaymentStatusAuthorized)

	out, err := e.payment.CancelPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusVoided, out.Status)
	assert.Equal(t, 1, e.gateway.count(domain.ActionVoid))

	_, err = e.payment.CancelPayment(context.Background(), p.ID)
	assert.True(t, apperror.IsKind(err, apperror.KindStaleTransition))
	assert.Equal(t, 1, e.gateway.count(domain.ActionVoid))
}

func TestPaymentService_CancelPayment_NotFound(t *testing.T) {
	e := newEngine(t, approveAll())
	_, err := e.payment.CancelPayment(context.Background(), uuid.New())
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
}

// ==================== RefundPayment Tests ====================

func TestPaymentService_RefundPayment_ExceedingCapturedIsRejectedBeforeCall(t *testing.T) {
	e := newEngine(t, approveAll())
	p := e.seedPayment(t, "10.00", domain.PaymentStatusCaptured)

	_, err := e.payment.RefundPayment(context.Background(), ports.RefundRequest{PaymentID: p.ID, Amount: decPtr("15.00"), IdempotencyKey: "R1"})
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "PAY_007", appErr.Code)
	assert.Zero(t, e.gateway.count(domain.ActionRefund))

	cur, _ := e.payments.GetByID(context.Background(), p.ID)
	assert.True(t, cur.RefundReserved.IsZero())
}

func TestPaymentService_RefundPayment_PartialThenRemaining(t *testing.T) {
	e := newEngine(t, approveAll())
	p := e.seedPayment(t, "10.00", domain.PaymentStatusCaptured)
	ctx := context.Background()

	first, err := e.payment.RefundPayment(ctx, ports.RefundRequest{PaymentID: p.ID, Amount: decPtr("4.00"), Reason: "damaged", IdempotencyKey: "R1"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPartiallyRefunded, first.Status)
	assert.True(t, dec("4.00").Equal(first.RefundedAmount))
	assert.True(t, first.RefundReserved.IsZero())

	second, err := e.payment.RefundPayment(ctx, ports.RefundRequest{PaymentID: p.ID, IdempotencyKey: "R2"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, second.Status)
	assert.True(t, dec("10.00").Equal(second.RefundedAmount))

	refunds := e.gateway.requests(domain.ActionRefund)
	require.Len(t, refunds, 2)
	assert.True(t, dec("6.00").Equal(refunds[1].Amount))
	assert.NotEqual(t, refunds[0].IdempotencyKey, refunds[1].IdempotencyKey)

	_, err = e.payment.RefundPayment(ctx, ports.RefundRequest{PaymentID: p.ID, IdempotencyKey: "R3"})
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

func TestPaymentService_RefundPayment_ClientKeyReplay(t *testing.T) {
	e := newEngine(t, approveAll())
	p := e.seedPayment(t, "10.00", domain.PaymentStatusCaptured)
	ctx := context.Background()
	req := ports.RefundRequest{PaymentID: p.ID, Amount: decPtr("3.00"), IdempotencyKey: "R1"}

	first, err := e.payment.RefundPayment(ctx, req)
	require.NoError(t, err)
	second, err := e.payment.RefundPayment(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, dec("3.00").Equal(second.RefundedAmount))
	assert.Equal(t, 1, e.gateway.count(domain.ActionRefund))
	assert.Equal(t, domain.BuildRefundIdempotencyKey(p.ID, "R1"), e.gateway.requests(domain.ActionRefund)[0].IdempotencyKey)

	req.Amount = decPtr("2.00")
	_, err = e.payment.RefundPayment(ctx, req)
	assert.True(t, apperror.IsKind(err, apperror.KindIdempotencyConflict))
}

func TestPaymentService_RefundPayment_RequiresIdempotencyKey(t *testing.T) {
	e := newEngine(t, approveAll())
	p := e.seedPayment(t, "10.00", domain.PaymentStatusCaptured)

	_, err := e.payment.RefundPayment(context.Background(), ports.RefundRequest{PaymentID: p.ID, Amount: decPtr("4.00"), IdempotencyKey: "  "})
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
	assert.Zero(t, e.gateway.count(domain.ActionRefund))

	cur, _ := e.payments.GetByID(context.Background(), p.ID)
	assert.True(t, cur.RefundReserved.IsZero())
}

func TestPaymentService_RefundPayment_RetryAfterDeadLetterRefundsOnce(t *testing.T) {
	gw := approveAll()
	gw.reply = func(req domain.ProcessorRequest, n int) (*domain.ProcessorResult, error) {
		if req.Action == domain.ActionRefund && n <= 3 {
			return nil, apperror.ErrTransientProcessor(errors.New("upstream timeout"))
		}
		return &domain.ProcessorResult{Status: domain.ProcessorApproved, ProcessorRef: "pr_" + req.IdempotencyKey}, nil
	}
	e := newEngine(t, gw)
	p := e.seedPayment(t, "10.00", domain.PaymentStatusCaptured)
	ctx := context.Background()
	req := ports.RefundRequest{PaymentID: p.ID, Amount: decPtr("4.00"), IdempotencyKey: "R1"}

	_, err := e.payment.RefundPayment(ctx, req)
	var exErr *RetryExhaustedError
	require.True(t, errors.As(err, &exErr))
	require.NotNil(t, exErr.DeadLetterID)

	// the client retries the same refund after the 503
	retried, err := e.payment.RefundPayment(ctx, req)
	require.NoError(t, err)
	assert.True(t, dec("4.00").Equal(retried.RefundedAmount))

	// recovery later re-issues the parked call under the same processor key
	entry, err := e.dlq.Get(ctx, *exErr.DeadLetterID)
	require.NoError(t, err)
	require.NoError(t, e.dlq.Attempt(ctx, entry))

	cur, _ := e.payments.GetByID(ctx, p.ID)
	assert.Equal(t, domain.PaymentStatusPartiallyRefunded, cur.Status)
	assert.True(t, dec("4.00").Equal(cur.RefundedAmount))
	assert.True(t, cur.RefundReserved.IsZero())

	keys := map[string]bool{}
	for _, r := range e.gateway.requests(domain.ActionRefund) {
		keys[r.IdempotencyKey] = true
	}
	assert.Equal(t, map[string]bool{domain.BuildRefundIdempotencyKey(p.ID, "R1"): true}, keys)
}

func TestPaymentService_RefundPayment_DeclineReleasesReservation(t *testing.T) {
	gw := approveAll()
	gw.reply = func(domain.ProcessorRequest, int) (*domain.ProcessorResult, error) {
		return &domain.ProcessorResult{Status: domain.ProcessorDeclined, Code: "refund_failed", DeclineReason: "card closed"}, nil
	}
	e := newEngine(t, gw)
	p := e.seedPayment(t, "10.00", domain.PaymentStatusCaptured)

	_, err := e.payment.RefundPayment(context.Background(), ports.RefundRequest{PaymentID: p.ID, Amount: decPtr("5.00"), IdempotencyKey: "R1"})
	assert.True(t, apperror.IsKind(err, apperror.KindPermanentProcessor))

	cur, _ := e.payments.GetByID(context.Background(), p.ID)
	assert.Equal(t, domain.PaymentStatusCaptured, cur.Status)
	assert.True(t, cur.RefundReserved.IsZero())

	rec, err := e.idem.Get(context.Background(), domain.BuildRefundIdempotencyKey(p.ID, "R1"))
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, rec.Status)
}

func TestPaymentService_RefundPayment_OpenCircuitIsNotDeadLettered(t *testing.T) {
	gw := approveAll()
	e := newEngine(t, gw)
	p := e.seedPayment(t, "10.00", domain.PaymentStatusCaptured)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = e.breaker.Execute(ctx, "processor", func(context.Context) (*domain.ProcessorResult, error) {
			return nil, apperror.ErrTransientProcessor(errors.New("503"))
		})
	}

	_, err := e.payment.RefundPayment(ctx, ports.RefundRequest{PaymentID: p.ID, Amount: decPtr("5.00"), IdempotencyKey: "R1"})
	assert.True(t, apperror.IsKind(err, apperror.KindCircuitOpen))
	assert.Equal(t, 0, gw.count(domain.ActionRefund))

	cur, _ := e.payments.GetByID(ctx, p.ID)
	assert.Equal(t, domain.PaymentStatusCaptured, cur.Status)
	assert.True(t, cur.RefundReserved.IsZero())

	entries, err := e.dlq.List(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPaymentService_RefundPayment_ExhaustedKeepsReservationUntilDiscard(t *testing.T) {
	gw := approveAll()
	gw.reply = transientOn(domain.ActionRefund)
	e := newEngine(t, gw)
	p := e.seedPayment(t, "10.00", domain.PaymentStatusCaptured)
	ctx := context.Background()

	_, err := e.payment.RefundPayment(ctx, ports.RefundRequest{PaymentID: p.ID, Amount: decPtr("6.00"), IdempotencyKey: "R1"})
	var exErr *RetryExhaustedError
	require.True(t, errors.As(err, &exErr))
	require.NotNil(t, exErr.DeadLetterID)

	cur, _ := e.payments.GetByID(ctx, p.ID)
	assert.True(t, dec("6.00").Equal(cur.RefundReserved))

	// the reserved amount is not refundable twice
	_, err = e.payment.RefundPayment(ctx, ports.RefundRequest{PaymentID: p.ID, Amount: decPtr("5.00"), IdempotencyKey: "R2"})
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))

	_, err = e.dlq.Discard(ctx, *exErr.DeadLetterID, "")
	require.NoError(t, err)

	cur, _ = e.payments.GetByID(ctx, p.ID)
	assert.True(t, cur.RefundReserved.IsZero())
	assert.Equal(t, domain.PaymentStatusCaptured, cur.Status)
}

func TestPaymentService_RefundPayment_RecoveredFromDeadLetter(t *testing.T) {
	gw := approveAll()
	gw.reply = transientOn(domain.ActionRefund)
	e := newEngine(t, gw)
	p := e.seedPayment(t, "10.00", domain.PaymentStatusCaptured)
	ctx := context.Background()

	_, err := e.payment.RefundPayment(ctx, ports.RefundRequest{PaymentID: p.ID, Amount: decPtr("6.00"), IdempotencyKey: "R1"})
	var exErr *RetryExhaustedError
	require.True(t, errors.As(err, &exErr))

	entry, err := e.dlq.Get(ctx, *exErr.DeadLetterID)
	require.NoError(t, err)

	// still failing: rescheduled, reservation kept
	require.Error(t, e.dlq.Attempt(ctx, entry))
	assert.Equal(t, domain.DeadLetterPending, entry.Status)
	cur, _ := e.payments.GetByID(ctx, p.ID)
	assert.True(t, dec("6.00").Equal(cur.RefundReserved))

	gw.setReply(nil)
	require.NoError(t, e.dlq.Attempt(ctx, entry))
	assert.Equal(t, domain.DeadLetterReplayed, entry.Status)

	cur, _ = e.payments.GetByID(ctx, p.ID)
	assert.Equal(t, domain.PaymentStatusPartiallyRefunded, cur.Status)
	assert.True(t, dec("6.00").Equal(cur.RefundedAmount))
	assert.True(t, cur.RefundReserved.IsZero())
}

func TestPaymentService_RefundPayment_NotRefundable(t *testing.T) {
	e := newEngine(t, approveAll())
	p := e.seedPayment(t, "10.00", domain.PaymentStatusAuthorized)

	_, err := e.payment.RefundPayment(context.Background(), ports.RefundRequest{PaymentID: p.ID, IdempotencyKey: "R1"})
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "PAY_006", appErr.Code)
}

// ==================== Recovery Tests ====================

func TestPaymentService_ResumeProcessorCall_UnknownAction(t *testing.T) {
	e := newEngine(t, approveAll())
	entry := &domain.DeadLetterEntry{
		OriginalOperation: domain.OperationProcessorCall,
		Payload:           []byte(`{"request":{"action":"teleport","payment_id":"` + uuid.NewString() + `"}}`),
	}
	err := e.payment.ResumeProcessorCall(context.Background(), entry)
	assert.True(t, apperror.IsKind(err, apperror.KindPermanentProcessor))

	entry.Payload = []byte(`not json`)
	err = e.payment.ResumeProcessorCall(context.Background(), entry)
	assert.True(t, apperror.IsKind(err, apperror.KindPermanentProcessor))
}

func TestPaymentService_ReconcilePending(t *testing.T) {
	e := newEngine(t, approveAll())
	ctx := context.Background()
	stuck := e.seedPayment(t, "10.00", domain.PaymentStatusPending)
	done := e.seedPayment(t, "5.00", domain.PaymentStatusAuthorized)

	e.payment.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := e.payment.ReconcilePending(ctx, 30*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, _ := e.payments.GetByID(ctx, stuck.ID)
	assert.Equal(t, domain.PaymentStatusAuthorized, cur.Status)
	other, _ := e.payments.GetByID(ctx, done.ID)
	assert.Equal(t, done.Version, other.Version)
	assert.Equal(t, 1, e.gateway.count(domain.ActionAuthorize))
}

func TestPaymentService_ReconcilePending_SkipsFreshPayments(t *testing.T) {
	e := newEngine(t, approveAll())
	e.seedPayment(t, "10.00", domain.PaymentStatusPending)

	n, err := e.payment.ReconcilePending(context.Background(), time.Hour, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, e.gateway.count(domain.ActionAuthorize))
}

// ==================== Gateway Contract Tests ====================

func TestPaymentService_SendsStableProcessorKeys(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	gw := mocks.NewMockProcessorGateway(ctrl)
	e := newEngine(t, approveAll())
	svc := NewPaymentService(e.payments, e.machine, e.idem, gw, e.executor, nil, PaymentConfig{Target: "processor"}, newTestLogger())
	p := e.seedPayment(t, "10.00", domain.PaymentStatusAuthorized)

	gomock.InOrder(
		gw.EXPECT().Capture(gomock.Any(), gomock.Any()).Return(nil, apperror.ErrTransientProcessor(errors.New("reset"))),
		gw.EXPECT().Capture(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req domain.ProcessorRequest) (*domain.ProcessorResult, error) {
			assert.Equal(t, p.ID.String()+":capture", req.IdempotencyKey)
			assert.Equal(t, p.CorrelationID, req.CorrelationID)
			return &domain.ProcessorResult{Status: domain.ProcessorApproved, ProcessorRef: "pr_seed"}, nil
		}),
	)

	out, err := svc.CapturePayment(context.Background(), p.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCaptured, out.Status)
	assert.Equal(t, 1, out.RetryCount)
}

func TestPaymentService_GetPayment(t *testing.T) {
	e := newEngine(t, approveAll())
	p := e.seedPayment(t, "10.00", domain.PaymentStatusAuthorized)

	got, err := e.payment.GetPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = e.payment.GetPayment(context.Background(), uuid.New())
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
}
