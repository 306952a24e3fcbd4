package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
	"payment-reliability-engine/pkg/apperror"

	"github.com/rs/zerolog"
)

// maxCASAttempts bounds optimistic retries against the circuit store.
const maxCASAttempts = 16

// CircuitBreakerConfig configures the breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// CircuitBreaker guards calls to a target with shared per-target state.
// Only transient failures count; permanent errors are treated as the
// processor being reachable.
type CircuitBreaker struct {
	store ports.CircuitStore
	cfg   CircuitBreakerConfig
	sink  ports.EventSink
	log   zerolog.Logger
	now   func() time.Time
}

// NewCircuitBreaker creates a breaker backed by store.
func NewCircuitBreaker(store ports.CircuitStore, cfg CircuitBreakerConfig, sink ports.EventSink, log zerolog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	return &CircuitBreaker{
		store: store,
		cfg:   cfg,
		sink:  sinkOrNop(sink),
		log:   log,
		now:   time.Now,
	}
}

// Execute runs fn unless the circuit for target is open. The outcome of fn is
// recorded against the target before it is returned.
func (b *CircuitBreaker) Execute(ctx context.Context, target string, fn func(ctx context.Context) (*domain.ProcessorResult, error)) (*domain.ProcessorResult, error) {
	trial, err := b.allow(ctx, target)
	if err != nil {
		return nil, err
	}

	res, callErr := fn(ctx)

	if apperror.IsTransient(callErr) {
		b.onFailure(ctx, target, trial)
	} else {
		b.onSuccess(ctx, target, trial)
	}
	return res, callErr
}

// State returns the current state for target.
func (b *CircuitBreaker) State(ctx context.Context, target string) (domain.CircuitState, error) {
	st, err := b.store.Load(ctx, target)
	if err != nil {
		return domain.CircuitState{}, fmt.Errorf("load circuit state: %w", err)
	}
	return st, nil
}

// allow decides whether a call may proceed. It returns true when the caller
// claimed the single half-open trial call.
func (b *CircuitBreaker) allow(ctx context.Context, target string) (bool, error) {
	for range maxCASAttempts {
		st, err := b.store.Load(ctx, target)
		if err != nil {
			// fail open
			b.log.Warn().Err(err).Str("target", target).Msg("circuit store unavailable, allowing call")
			return false, nil
		}
		now := b.now()

		switch st.State {
		case domain.CircuitOpen:
			if st.OpenedAt != nil {
				if wait := st.OpenedAt.Add(b.cfg.Cooldown).Sub(now); wait > 0 {
					return false, apperror.ErrCircuitOpen(target, wait)
				}
			}
		case domain.CircuitHalfOpen:
			// A trial is in flight. Re-claim it only if it never reported back.
			if st.HalfOpenAt != nil {
				if wait := st.HalfOpenAt.Add(b.cfg.Cooldown).Sub(now); wait > 0 {
					return false, apperror.ErrCircuitOpen(target, wait)
				}
			}
		default:
			return false, nil
		}

		next := st
		next.State = domain.CircuitHalfOpen
		next.HalfOpenAt = &now
		ok, err := b.store.CompareAndSwap(ctx, target, st.Version, next)
		if err != nil {
			b.log.Warn().Err(err).Str("target", target).Msg("circuit store unavailable, allowing call")
			return false, nil
		}
		if ok {
			if st.State != domain.CircuitHalfOpen {
				b.changed(ctx, target, st.State, domain.CircuitHalfOpen, st.FailureCount)
			}
			return true, nil
		}
	}
	return false, apperror.ErrCircuitOpen(target, b.cfg.Cooldown)
}

func (b *CircuitBreaker) onSuccess(ctx context.Context, target string, trial bool) {
	b.update(ctx, target, func(st domain.CircuitState, now time.Time) (domain.CircuitState, bool) {
		switch st.State {
		case domain.CircuitClosed:
			if st.FailureCount == 0 {
				return st, false
			}
			st.FailureCount = 0
			return st, true
		case domain.CircuitHalfOpen:
			if !trial {
				return st, false
			}
			st.State = domain.CircuitClosed
			st.FailureCount = 0
			st.OpenedAt = nil
			st.HalfOpenAt = nil
			return st, true
		}
		return st, false
	})
}

func (b *CircuitBreaker) onFailure(ctx context.Context, target string, trial bool) {
	b.update(ctx, target, func(st domain.CircuitState, now time.Time) (domain.CircuitState, bool) {
		switch st.State {
		case domain.CircuitClosed:
			st.FailureCount++
			st.LastFailureAt = &now
			if st.FailureCount >= b.cfg.FailureThreshold {
				st.State = domain.CircuitOpen
				st.OpenedAt = &now
			}
			return st, true
		case domain.CircuitHalfOpen:
			if !trial {
				return st, false
			}
			st.State = domain.CircuitOpen
			st.FailureCount++
			st.LastFailureAt = &now
			st.OpenedAt = &now
			st.HalfOpenAt = nil
			return st, true
		}
		return st, false
	})
}

// update applies fn under compare-and-swap until it sticks or fn declines.
func (b *CircuitBreaker) update(ctx context.Context, target string, fn func(domain.CircuitState, time.Time) (domain.CircuitState, bool)) {
	for range maxCASAttempts {
		st, err := b.store.Load(ctx, target)
		if err != nil {
			b.log.Warn().Err(err).Str("target", target).Msg("failed to load circuit state")
			return
		}
		next, write := fn(st, b.now())
		if !write {
			return
		}
		ok, err := b.store.CompareAndSwap(ctx, target, st.Version, next)
		if err != nil {
			b.log.Warn().Err(err).Str("target", target).Msg("failed to store circuit state")
			return
		}
		if ok {
			if next.State != st.State {
				b.changed(ctx, target, st.State, next.State, next.FailureCount)
			}
			return
		}
	}
	b.log.Warn().Str("target", target).Msg("circuit state update lost to concurrent writers")
}

func (b *CircuitBreaker) changed(ctx context.Context, target string, from, to domain.CircuitStatus, failures int) {
	b.log.Warn().
		Str("target", target).
		Str("from", string(from)).
		Str("to", string(to)).
		Int("failure_count", failures).
		Msg("circuit state changed")
	b.sink.Emit(ctx, domain.Event{
		Type:       domain.EventTypeCircuitStateChanged,
		OccurredAt: b.now().UTC(),
		Target:     target,
		Attributes: map[string]string{
			"from":          string(from),
			"to":            string(to),
			"failure_count": strconv.Itoa(failures),
		},
	})
}
