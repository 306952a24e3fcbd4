package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"payment-reliability-engine/internal/adapter/storage/memory"
	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dlqFixture struct {
	svc    *DeadLetterServiceImpl
	repo   *memory.DeadLetterRepo
	audits *memory.AuditRepo
	sink   *recordingSink
	now    time.Time
}

func newDLQFixture(t *testing.T, maxReplays int) *dlqFixture {
	t.Helper()
	f := &dlqFixture{
		repo:   memory.NewDeadLetterRepo(),
		audits: memory.NewAuditRepo(),
		sink:   &recordingSink{},
		now:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewDeadLetterService(f.repo, NewAuditService(f.audits, newTestLogger()), f.sink, DeadLetterConfig{
		BaseBackoff: 30 * time.Second,
		MaxBackoff:  5 * time.Minute,
		MaxReplays:  maxReplays,
	}, newTestLogger())
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *dlqFixture) enqueue(t *testing.T) *domain.DeadLetterEntry {
	t.Helper()
	pid := uuid.New()
	entry := &domain.DeadLetterEntry{
		OriginalOperation: domain.OperationProcessorCall,
		Action:            "capture",
		PaymentID:         &pid,
		Payload:           []byte(`{}`),
		FailureReason:     "timeout",
		ErrorHistory:      []string{"timeout"},
		AttemptCount:      3,
	}
	require.NoError(t, f.svc.Enqueue(context.Background(), entry))
	return entry
}

type handlerCalls struct {
	resumed   int
	abandoned int
}

func (f *dlqFixture) register(resume error) *handlerCalls {
	calls := &handlerCalls{}
	f.svc.Register(domain.OperationProcessorCall, RecoveryHandler{
		Resume: func(context.Context, *domain.DeadLetterEntry) error {
			calls.resumed++
			return resume
		},
		Abandon: func(context.Context, *domain.DeadLetterEntry) error {
			calls.abandoned++
			return nil
		},
	})
	return calls
}

// ==================== Enqueue Tests ====================

func TestDeadLetter_Enqueue(t *testing.T) {
	f := newDLQFixture(t, 3)
	entry := f.enqueue(t)

	assert.NotEqual(t, uuid.Nil, entry.ID)
	assert.Equal(t, domain.DeadLetterPending, entry.Status)
	assert.Equal(t, f.now.Add(30*time.Second), entry.NextAttemptAt)

	stored, err := f.svc.Get(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "capture", stored.Action)
	assert.Equal(t, 3, stored.AttemptCount)

	events := f.sink.ofType(domain.EventTypeDeadLetterEnqueued)
	require.Len(t, events, 1)
	assert.Equal(t, entry.ID.String(), events[0].Attributes["dead_letter_id"])
	assert.Equal(t, "3", events[0].Attributes["attempts"])
}

func TestDeadLetter_Get_NotFound(t *testing.T) {
	f := newDLQFixture(t, 3)
	_, err := f.svc.Get(context.Background(), uuid.New())
	assert.True(t, apperror.IsKind(err, apperror.KindNotFound))
}

func TestDeadLetter_List_FiltersByStatus(t *testing.T) {
	f := newDLQFixture(t, 3)
	f.register(nil)
	ctx := context.Background()

	first := f.enqueue(t)
	f.enqueue(t)
	require.NoError(t, f.svc.Attempt(ctx, first))

	pending := domain.DeadLetterPending
	entries, err := f.svc.List(ctx, &pending, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	all, err := f.svc.List(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// ==================== Attempt Tests ====================

func TestDeadLetter_Attempt_Success(t *testing.T) {
	f := newDLQFixture(t, 3)
	calls := f.register(nil)
	entry := f.enqueue(t)

	require.NoError(t, f.svc.Attempt(context.Background(), entry))
	assert.Equal(t, 1, calls.resumed)
	assert.Equal(t, domain.DeadLetterReplayed, entry.Status)
	assert.Equal(t, 1, entry.ReplayCount)
	require.NotNil(t, entry.ResolvedAt)

	stored, _ := f.svc.Get(context.Background(), entry.ID)
	assert.Equal(t, domain.DeadLetterReplayed, stored.Status)

	resolved := f.sink.ofType(domain.EventTypeDeadLetterResolved)
	require.Len(t, resolved, 1)
	assert.Equal(t, "replayed", resolved[0].Attributes["status"])
}

func TestDeadLetter_Attempt_RetryableReschedules(t *testing.T) {
	f := newDLQFixture(t, 3)
	f.register(apperror.ErrTransientProcessor(errors.New("still down")))
	entry := f.enqueue(t)

	err := f.svc.Attempt(context.Background(), entry)
	assert.True(t, apperror.IsTransient(err))
	assert.Equal(t, domain.DeadLetterPending, entry.Status)
	assert.Equal(t, f.now.Add(60*time.Second), entry.NextAttemptAt)
	assert.Len(t, entry.ErrorHistory, 2)
	assert.Contains(t, entry.ErrorHistory[1], "replay 1")
	assert.Nil(t, entry.LockedUntil)
}

func TestDeadLetter_Attempt_PermanentFailureDiscards(t *testing.T) {
	f := newDLQFixture(t, 3)
	calls := f.register(apperror.ErrPermanentProcessor("card_declined", "stolen card"))
	entry := f.enqueue(t)

	err := f.svc.Attempt(context.Background(), entry)
	require.Error(t, err)
	assert.Equal(t, domain.DeadLetterDiscarded, entry.Status)
	require.NotNil(t, entry.DiscardReason)
	assert.Contains(t, *entry.DiscardReason, "permanent failure")
	assert.Equal(t, 1, calls.abandoned)
}

func TestDeadLetter_Attempt_ExhaustsReplays(t *testing.T) {
	f := newDLQFixture(t, 2)
	calls := f.register(apperror.ErrTransientProcessor(nil))
	entry := f.enqueue(t)
	ctx := context.Background()

	_ = f.svc.Attempt(ctx, entry)
	assert.Equal(t, domain.DeadLetterPending, entry.Status)

	_ = f.svc.Attempt(ctx, entry)
	assert.Equal(t, domain.DeadLetterDiscarded, entry.Status)
	require.NotNil(t, entry.DiscardReason)
	assert.Equal(t, ReasonRecoveryExhausted, *entry.DiscardReason)
	assert.Equal(t, 2, calls.resumed)
	assert.Equal(t, 1, calls.abandoned)
}

func TestDeadLetter_Attempt_NoHandler(t *testing.T) {
	f := newDLQFixture(t, 3)
	entry := f.enqueue(t)

	err := f.svc.Attempt(context.Background(), entry)
	assert.True(t, apperror.IsKind(err, apperror.KindInternal))
	assert.Equal(t, domain.DeadLetterPending, entry.Status)
}

// ==================== Operator Tests ====================

func TestDeadLetter_Replay(t *testing.T) {
	f := newDLQFixture(t, 3)
	f.register(nil)
	entry := f.enqueue(t)
	ctx := context.Background()

	out, err := f.svc.Replay(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterReplayed, out.Status)
	audited(t, f.audits, domain.AuditActionDeadLetterReplay)

	_, err = f.svc.Replay(ctx, entry.ID)
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "TXN_002", appErr.Code)
}

func TestDeadLetter_Replay_FailureStaysPending(t *testing.T) {
	f := newDLQFixture(t, 3)
	f.register(apperror.ErrTransientProcessor(nil))
	entry := f.enqueue(t)

	out, err := f.svc.Replay(context.Background(), entry.ID)
	require.Error(t, err)
	assert.Equal(t, domain.DeadLetterPending, out.Status)
}

func TestDeadLetter_Discard(t *testing.T) {
	f := newDLQFixture(t, 3)
	calls := f.register(nil)
	entry := f.enqueue(t)
	ctx := context.Background()

	out, err := f.svc.Discard(ctx, entry.ID, "  ")
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLetterDiscarded, out.Status)
	assert.Equal(t, "discarded by operator", *out.DiscardReason)
	assert.Equal(t, 1, calls.abandoned)
	assert.Zero(t, calls.resumed)
	audited(t, f.audits, domain.AuditActionDeadLetterDiscard)

	_, err = f.svc.Discard(ctx, entry.ID, "again")
	assert.True(t, apperror.IsKind(err, apperror.KindValidation))
}

// ==================== Backoff Tests ====================

func TestDeadLetter_Backoff(t *testing.T) {
	f := newDLQFixture(t, 3)
	assert.Equal(t, 30*time.Second, f.svc.backoff(0))
	assert.Equal(t, 2*time.Minute, f.svc.backoff(2))
	assert.Equal(t, 5*time.Minute, f.svc.backoff(10))
}

func TestNewDeadLetterService_ClampsReplays(t *testing.T) {
	svc := NewDeadLetterService(memory.NewDeadLetterRepo(), nil, nil, DeadLetterConfig{}, newTestLogger())
	assert.Equal(t, 1, svc.cfg.MaxReplays)
}
