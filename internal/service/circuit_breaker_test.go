package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"payment-reliability-engine/internal/adapter/storage/memory"
	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports/mocks"
	"payment-reliability-engine/pkg/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const breakerTarget = "processor"

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *memory.CircuitStore, *recordingSink, *time.Time) {
	store := memory.NewCircuitStore()
	sink := &recordingSink{}
	b := NewCircuitBreaker(store, CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown}, sink, newTestLogger())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }
	return b, store, sink, &now
}

func transientCall(context.Context) (*domain.ProcessorResult, error) {
	return nil, apperror.ErrTransientProcessor(errors.New("502 bad gateway"))
}

func okCall(context.Context) (*domain.ProcessorResult, error) {
	return &domain.ProcessorResult{Status: domain.ProcessorApproved, ProcessorRef: "pr_ok"}, nil
}

// ==================== Closed State Tests ====================

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	b, store, sink, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for range 3 {
		_, err := b.Execute(ctx, breakerTarget, transientCall)
		require.True(t, apperror.IsTransient(err))
	}

	st, _ := store.Load(ctx, breakerTarget)
	assert.Equal(t, domain.CircuitOpen, st.State)
	assert.Equal(t, 3, st.FailureCount)

	var called bool
	_, err := b.Execute(ctx, breakerTarget, func(context.Context) (*domain.ProcessorResult, error) {
		called = true
		return nil, nil
	})
	var appErr *apperror.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperror.KindCircuitOpen, appErr.Kind)
	assert.Equal(t, time.Minute, appErr.RetryAfter)
	assert.False(t, called, "open circuit must fail fast")

	changes := sink.ofType(domain.EventTypeCircuitStateChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "open", changes[0].Attributes["to"])
}

func TestCircuitBreaker_PermanentErrorsDoNotCount(t *testing.T) {
	b, store, _, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()

	for range 5 {
		_, err := b.Execute(ctx, breakerTarget, func(context.Context) (*domain.ProcessorResult, error) {
			return nil, apperror.ErrPermanentProcessor("card_declined", "insufficient funds")
		})
		require.Error(t, err)
	}

	st, _ := store.Load(ctx, breakerTarget)
	assert.Equal(t, domain.CircuitClosed, st.State)
	assert.Zero(t, st.FailureCount)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, store, _, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	_, _ = b.Execute(ctx, breakerTarget, transientCall)
	_, _ = b.Execute(ctx, breakerTarget, transientCall)
	_, err := b.Execute(ctx, breakerTarget, okCall)
	require.NoError(t, err)
	_, _ = b.Execute(ctx, breakerTarget, transientCall)

	st, _ := store.Load(ctx, breakerTarget)
	assert.Equal(t, domain.CircuitClosed, st.State)
	assert.Equal(t, 1, st.FailureCount)
}

func TestCircuitBreaker_TargetsAreIndependent(t *testing.T) {
	b, _, _, _ := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_, _ = b.Execute(ctx, "processor-a", transientCall)
	_, err := b.Execute(ctx, "processor-b", okCall)
	assert.NoError(t, err)
}

// ==================== Half-Open Tests ====================

func TestCircuitBreaker_HalfOpenTrialCloses(t *testing.T) {
	b, store, sink, now := newTestBreaker(1, 30*time.Second)
	ctx := context.Background()

	_, _ = b.Execute(ctx, breakerTarget, transientCall)
	*now = now.Add(31 * time.Second)

	res, err := b.Execute(ctx, breakerTarget, okCall)
	require.NoError(t, err)
	assert.Equal(t, "pr_ok", res.ProcessorRef)

	st, _ := store.Load(ctx, breakerTarget)
	assert.Equal(t, domain.CircuitClosed, st.State)
	assert.Zero(t, st.FailureCount)

	var path []string
	for _, ev := range sink.ofType(domain.EventTypeCircuitStateChanged) {
		path = append(path, ev.Attributes["to"])
	}
	assert.Equal(t, []string{"open", "half_open", "closed"}, path)
}

func TestCircuitBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b, store, _, now := newTestBreaker(1, 30*time.Second)
	ctx := context.Background()

	_, _ = b.Execute(ctx, breakerTarget, transientCall)
	*now = now.Add(31 * time.Second)
	_, _ = b.Execute(ctx, breakerTarget, transientCall)

	st, _ := store.Load(ctx, breakerTarget)
	assert.Equal(t, domain.CircuitOpen, st.State)
	require.NotNil(t, st.OpenedAt)
	assert.Equal(t, *now, *st.OpenedAt)

	_, err := b.Execute(ctx, breakerTarget, okCall)
	assert.True(t, apperror.IsKind(err, apperror.KindCircuitOpen))
}

func TestCircuitBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	b, _, _, now := newTestBreaker(1, 30*time.Second)
	ctx := context.Background()

	_, _ = b.Execute(ctx, breakerTarget, transientCall)
	*now = now.Add(31 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = b.Execute(ctx, breakerTarget, func(context.Context) (*domain.ProcessorResult, error) {
			calls.Add(1)
			close(started)
			<-release
			return okCall(ctx)
		})
	}()
	<-started

	var rejected int
	for range 5 {
		_, err := b.Execute(ctx, breakerTarget, func(context.Context) (*domain.ProcessorResult, error) {
			calls.Add(1)
			return okCall(ctx)
		})
		if apperror.IsKind(err, apperror.KindCircuitOpen) {
			rejected++
		}
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 5, rejected)
}

func TestCircuitBreaker_StuckTrialIsReclaimed(t *testing.T) {
	b, store, _, now := newTestBreaker(1, 30*time.Second)
	ctx := context.Background()

	_, _ = b.Execute(ctx, breakerTarget, transientCall)
	*now = now.Add(31 * time.Second)

	// simulate a trial holder that never reported back
	st, _ := store.Load(ctx, breakerTarget)
	stuck := st
	stuck.State = domain.CircuitHalfOpen
	at := *now
	stuck.HalfOpenAt = &at
	ok, err := store.CompareAndSwap(ctx, breakerTarget, st.Version, stuck)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = b.Execute(ctx, breakerTarget, okCall)
	require.True(t, apperror.IsKind(err, apperror.KindCircuitOpen))

	*now = now.Add(31 * time.Second)
	_, err = b.Execute(ctx, breakerTarget, okCall)
	require.NoError(t, err)

	st, _ = store.Load(ctx, breakerTarget)
	assert.Equal(t, domain.CircuitClosed, st.State)
}

// ==================== Store Failure Tests ====================

func TestCircuitBreaker_StoreUnavailableFailsOpen(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockCircuitStore(ctrl)
	store.EXPECT().Load(gomock.Any(), breakerTarget).Return(domain.CircuitState{}, errors.New("redis down")).AnyTimes()

	b := NewCircuitBreaker(store, CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, nil, newTestLogger())
	res, err := b.Execute(context.Background(), breakerTarget, okCall)
	require.NoError(t, err)
	assert.True(t, res.Approved())
}

func TestCircuitBreaker_State(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockCircuitStore(ctrl)
	store.EXPECT().Load(gomock.Any(), breakerTarget).Return(domain.CircuitState{Target: breakerTarget, State: domain.CircuitOpen, Version: 4}, nil)
	store.EXPECT().Load(gomock.Any(), "other").Return(domain.CircuitState{}, errors.New("timeout"))

	b := NewCircuitBreaker(store, CircuitBreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, nil, newTestLogger())

	st, err := b.State(context.Background(), breakerTarget)
	require.NoError(t, err)
	assert.Equal(t, domain.CircuitOpen, st.State)

	_, err = b.State(context.Background(), "other")
	assert.Error(t, err)
}

func TestNewCircuitBreaker_ClampsThreshold(t *testing.T) {
	b := NewCircuitBreaker(memory.NewCircuitStore(), CircuitBreakerConfig{FailureThreshold: 0}, nil, newTestLogger())
	assert.Equal(t, 1, b.cfg.FailureThreshold)
}
