package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
	"payment-reliability-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxVersionRetries bounds the reload-and-reapply loop on version conflicts.
const maxVersionRetries = 8

// TransitionResult describes the payment after a transition request.
// Applied is false when the same processor-side operation had already been
// recorded; Payment is then the current state.
type TransitionResult struct {
	Payment *domain.Payment
	Applied bool
	Record  *domain.TransitionRecord
}

// StateMachine is the only writer of payment status.
type StateMachine struct {
	repo ports.PaymentRepository
	sink ports.EventSink
	log  zerolog.Logger
	now  func() time.Time
}

// NewStateMachine creates a StateMachine over repo.
func NewStateMachine(repo ports.PaymentRepository, sink ports.EventSink, log zerolog.Logger) *StateMachine {
	return &StateMachine{
		repo: repo,
		sink: sinkOrNop(sink),
		log:  log,
		now:  time.Now,
	}
}

// Transition applies t to the payment if its current state is one of
// expected (the event's source states when empty). Rejected transitions are
// returned as AppErrors wrapping a *domain.TransitionError.
func (m *StateMachine) Transition(ctx context.Context, paymentID uuid.UUID, t domain.Transition, expected ...domain.PaymentStatus) (*TransitionResult, error) {
	if t.SourceRef == "" {
		t.SourceRef = domain.DefaultSourceRef(t)
	}

	for range maxVersionRetries {
		p, err := m.repo.GetByID(ctx, paymentID)
		if err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}
		if p == nil {
			return nil, apperror.ErrNotFound("Payment")
		}

		next, record, err := p.Apply(t, m.now().UTC(), expected...)
		if err != nil {
			if domain.IsStaleTransition(err) {
				if seen, lerr := m.alreadyRecorded(ctx, paymentID, t.SourceRef); lerr == nil && seen {
					return &TransitionResult{Payment: p}, nil
				}
			}
			return nil, transitionAppError(err)
		}

		err = m.repo.ApplyTransition(ctx, next, p.Version, record)
		switch {
		case err == nil:
			m.applied(ctx, next, record)
			return &TransitionResult{Payment: next, Applied: true, Record: record}, nil
		case errors.Is(err, domain.ErrTransitionAlreadyApplied):
			m.log.Info().
				Str("payment_id", paymentID.String()).
				Str("source_ref", t.SourceRef).
				Msg("transition already applied")
			cur, gerr := m.repo.GetByID(ctx, paymentID)
			if gerr != nil {
				return nil, apperror.ErrDatabaseError(gerr)
			}
			return &TransitionResult{Payment: cur}, nil
		case errors.Is(err, domain.ErrVersionConflict):
			continue
		default:
			return nil, apperror.ErrDatabaseError(err)
		}
	}

	m.log.Warn().Str("payment_id", paymentID.String()).Str("event", string(t.Event)).Msg("transition lost to concurrent writers")
	return nil, apperror.ErrConcurrentUpdate()
}

// Mutate applies fn to a copy of the payment and persists it under the same
// optimistic version check. fn must not change the status.
func (m *StateMachine) Mutate(ctx context.Context, paymentID uuid.UUID, fn func(p *domain.Payment) error) (*domain.Payment, error) {
	for range maxVersionRetries {
		p, err := m.repo.GetByID(ctx, paymentID)
		if err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}
		if p == nil {
			return nil, apperror.ErrNotFound("Payment")
		}

		next := p.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		if next.Status != p.Status {
			return nil, apperror.InternalError(fmt.Errorf("mutate may not change status %s -> %s", p.Status, next.Status))
		}
		next.Version = p.Version + 1
		next.UpdatedAt = m.now().UTC()

		err = m.repo.Update(ctx, next, p.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, apperror.ErrDatabaseError(err)
		}
	}
	return nil, apperror.ErrConcurrentUpdate()
}

// History returns the applied transitions in order.
func (m *StateMachine) History(ctx context.Context, paymentID uuid.UUID) ([]domain.TransitionRecord, error) {
	recs, err := m.repo.ListTransitions(ctx, paymentID)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	return recs, nil
}

func (m *StateMachine) alreadyRecorded(ctx context.Context, paymentID uuid.UUID, sourceRef string) (bool, error) {
	recs, err := m.repo.ListTransitions(ctx, paymentID)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(recs, func(r domain.TransitionRecord) bool { return r.SourceRef == sourceRef }), nil
}

func (m *StateMachine) applied(ctx context.Context, p *domain.Payment, rec *domain.TransitionRecord) {
	m.log.Info().
		Str("payment_id", p.ID.String()).
		Str("from", string(rec.From)).
		Str("to", string(rec.To)).
		Str("event", string(rec.Event)).
		Str("source_ref", rec.SourceRef).
		Msg("payment transition applied")

	attrs := map[string]string{
		"from":       string(rec.From),
		"to":         string(rec.To),
		"event":      string(rec.Event),
		"source_ref": rec.SourceRef,
	}
	if rec.Amount != nil {
		attrs["amount"] = rec.Amount.String()
	}
	id := p.ID
	m.sink.Emit(ctx, domain.Event{
		Type:          domain.EventTypePaymentTransition,
		OccurredAt:    rec.OccurredAt,
		PaymentID:     &id,
		CorrelationID: p.CorrelationID,
		Attributes:    attrs,
	})
}

// transitionAppError maps a rejected transition onto the error taxonomy
// while keeping the domain error reachable through errors.As.
func transitionAppError(err error) error {
	te, ok := domain.AsTransitionError(err)
	if !ok {
		return apperror.InternalError(err)
	}
	var appErr *apperror.AppError
	switch te.Kind {
	case domain.TransitionStale:
		expected := make([]string, len(te.Expected))
		for i, s := range te.Expected {
			expected[i] = string(s)
		}
		appErr = apperror.ErrStaleTransition(string(te.From), expected)
	case domain.TransitionAmount:
		appErr = apperror.Validation(te.Detail)
		if te.Event == domain.EventRefundSucceeded {
			appErr = apperror.ErrRefundAmountExceedsCaptured()
		} else if te.Event == domain.EventCaptureSucceeded {
			appErr = apperror.ErrCaptureAmountExceedsAuthorized()
		}
	default:
		appErr = apperror.ErrInvalidTransition(string(te.From), string(te.To))
	}
	appErr.Err = te
	return appErr
}
