package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
	"payment-reliability-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReasonRecoveryExhausted is recorded when automated recovery gives up.
const ReasonRecoveryExhausted = "recovery attempts exhausted"

// DeadLetterConfig configures automated recovery.
type DeadLetterConfig struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxReplays  int
}

// RecoveryHandler re-attempts one kind of dead-lettered operation. Abandon
// is optional and runs when an entry is discarded.
type RecoveryHandler struct {
	Resume  func(ctx context.Context, entry *domain.DeadLetterEntry) error
	Abandon func(ctx context.Context, entry *domain.DeadLetterEntry) error
}

// DeadLetterServiceImpl implements ports.DeadLetterService and
// ports.DeadLetterQueue.
type DeadLetterServiceImpl struct {
	repo     ports.DeadLetterRepository
	audit    ports.AuditService
	sink     ports.EventSink
	cfg      DeadLetterConfig
	log      zerolog.Logger
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[domain.DeadLetterOperation]RecoveryHandler
}

// NewDeadLetterService creates the queue. Handlers are registered afterwards
// because they depend on services that enqueue into it.
func NewDeadLetterService(repo ports.DeadLetterRepository, audit ports.AuditService, sink ports.EventSink, cfg DeadLetterConfig, log zerolog.Logger) *DeadLetterServiceImpl {
	if cfg.MaxReplays < 1 {
		cfg.MaxReplays = 1
	}
	return &DeadLetterServiceImpl{
		repo:     repo,
		audit:    audit,
		sink:     sinkOrNop(sink),
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		handlers: make(map[domain.DeadLetterOperation]RecoveryHandler),
	}
}

// Register installs the handler for op.
func (s *DeadLetterServiceImpl) Register(op domain.DeadLetterOperation, h RecoveryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[op] = h
}

// Enqueue stores an exhausted operation as pending.
func (s *DeadLetterServiceImpl) Enqueue(ctx context.Context, entry *domain.DeadLetterEntry) error {
	now := s.now().UTC()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.Status = domain.DeadLetterPending
	entry.NextAttemptAt = now.Add(s.backoff(0))
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if err := s.repo.Create(ctx, entry); err != nil {
		return fmt.Errorf("create dead letter entry: %w", err)
	}

	s.log.Warn().
		Str("dead_letter_id", entry.ID.String()).
		Str("operation", string(entry.OriginalOperation)).
		Str("action", entry.Action).
		Int("attempts", entry.AttemptCount).
		Str("reason", entry.FailureReason).
		Msg("operation dead-lettered")
	s.sink.Emit(ctx, domain.Event{
		Type:       domain.EventTypeDeadLetterEnqueued,
		OccurredAt: now,
		PaymentID:  entry.PaymentID,
		Attributes: map[string]string{
			"dead_letter_id": entry.ID.String(),
			"operation":      string(entry.OriginalOperation),
			"action":         entry.Action,
			"attempts":       strconv.Itoa(entry.AttemptCount),
		},
	})
	return nil
}

func (s *DeadLetterServiceImpl) Get(ctx context.Context, id uuid.UUID) (*domain.DeadLetterEntry, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if e == nil {
		return nil, apperror.ErrNotFound("Dead letter entry")
	}
	return e, nil
}

func (s *DeadLetterServiceImpl) List(ctx context.Context, status *domain.DeadLetterStatus, limit int) ([]domain.DeadLetterEntry, error) {
	entries, err := s.repo.List(ctx, status, limit)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	return entries, nil
}

// Replay runs the entry's handler now, on operator request. A failed
// replay leaves the entry pending and returns the handler's error.
func (s *DeadLetterServiceImpl) Replay(ctx context.Context, id uuid.UUID) (*domain.DeadLetterEntry, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.IsResolved() {
		return nil, apperror.ErrInvalidTransition(string(e.Status), string(domain.DeadLetterReplayed))
	}
	if s.audit != nil {
		s.audit.Log(ctx, newAuditEntry(domain.AuditActionDeadLetterReplay, "dead_letter", e.ID.String(), e.PaymentID, ""))
	}
	if err := s.Attempt(ctx, e); err != nil {
		return e, err
	}
	return e, nil
}

// Discard resolves the entry without re-attempting it.
func (s *DeadLetterServiceImpl) Discard(ctx context.Context, id uuid.UUID, reason string) (*domain.DeadLetterEntry, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.IsResolved() {
		return nil, apperror.ErrInvalidTransition(string(e.Status), string(domain.DeadLetterDiscarded))
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "discarded by operator"
	}
	if s.audit != nil {
		s.audit.Log(ctx, newAuditEntry(domain.AuditActionDeadLetterDiscard, "dead_letter", e.ID.String(), e.PaymentID,
			fmt.Sprintf(`{"reason":%q}`, reason)))
	}
	if err := s.discard(ctx, e, reason); err != nil {
		return nil, err
	}
	return e, nil
}

// Attempt runs the handler for one entry and records the result: replayed
// on success, discarded on a permanent failure or when replays run out,
// otherwise rescheduled with a longer backoff.
func (s *DeadLetterServiceImpl) Attempt(ctx context.Context, e *domain.DeadLetterEntry) error {
	h, ok := s.handler(e.OriginalOperation)
	if !ok || h.Resume == nil {
		return apperror.InternalError(fmt.Errorf("no recovery handler for %s", e.OriginalOperation))
	}

	err := h.Resume(ctx, e)
	now := s.now().UTC()
	e.ReplayCount++
	e.UpdatedAt = now
	e.LockedUntil = nil

	if err == nil {
		e.Status = domain.DeadLetterReplayed
		e.ResolvedAt = &now
		if err := s.save(ctx, e); err != nil {
			return err
		}
		s.resolved(ctx, e)
		return nil
	}

	e.ErrorHistory = append(e.ErrorHistory, fmt.Sprintf("replay %d: %v", e.ReplayCount, err))
	e.FailureReason = failureReason(err)
	switch {
	case !retryableRecovery(err):
		if derr := s.discard(ctx, e, "permanent failure: "+failureReason(err)); derr != nil {
			return derr
		}
	case e.ReplayCount >= s.cfg.MaxReplays:
		if derr := s.discard(ctx, e, ReasonRecoveryExhausted); derr != nil {
			return derr
		}
	default:
		e.NextAttemptAt = now.Add(s.backoff(e.ReplayCount))
		if serr := s.save(ctx, e); serr != nil {
			return serr
		}
		s.log.Info().
			Str("dead_letter_id", e.ID.String()).
			Int("replays", e.ReplayCount).
			Time("next_attempt_at", e.NextAttemptAt).
			Msg("dead letter rescheduled")
	}
	return err
}

// backoff returns base·2^replays capped at MaxBackoff.
func (s *DeadLetterServiceImpl) backoff(replays int) time.Duration {
	d := float64(s.cfg.BaseBackoff) * math.Pow(2, float64(replays))
	if s.cfg.MaxBackoff > 0 && d > float64(s.cfg.MaxBackoff) {
		return s.cfg.MaxBackoff
	}
	return time.Duration(d)
}

func (s *DeadLetterServiceImpl) discard(ctx context.Context, e *domain.DeadLetterEntry, reason string) error {
	now := s.now().UTC()
	e.Status = domain.DeadLetterDiscarded
	e.DiscardReason = &reason
	e.ResolvedAt = &now
	e.UpdatedAt = now
	e.LockedUntil = nil
	if err := s.save(ctx, e); err != nil {
		return err
	}
	if h, ok := s.handler(e.OriginalOperation); ok && h.Abandon != nil {
		if err := h.Abandon(ctx, e); err != nil {
			s.log.Error().Err(err).Str("dead_letter_id", e.ID.String()).Msg("failed to clean up discarded operation")
		}
	}
	s.resolved(ctx, e)
	return nil
}

func (s *DeadLetterServiceImpl) save(ctx context.Context, e *domain.DeadLetterEntry) error {
	ok, err := s.repo.Update(ctx, e)
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("update dead letter entry: %w", err))
	}
	if !ok {
		return apperror.ErrInvalidTransition("resolved", string(e.Status))
	}
	return nil
}

func (s *DeadLetterServiceImpl) resolved(ctx context.Context, e *domain.DeadLetterEntry) {
	ev := s.log.Info().
		Str("dead_letter_id", e.ID.String()).
		Str("status", string(e.Status)).
		Int("replays", e.ReplayCount)
	if e.DiscardReason != nil {
		ev = ev.Str("reason", *e.DiscardReason)
	}
	ev.Msg("dead letter resolved")

	s.sink.Emit(ctx, domain.Event{
		Type:       domain.EventTypeDeadLetterResolved,
		OccurredAt: s.now().UTC(),
		PaymentID:  e.PaymentID,
		Attributes: map[string]string{
			"dead_letter_id": e.ID.String(),
			"operation":      string(e.OriginalOperation),
			"status":         string(e.Status),
		},
	})
}

func (s *DeadLetterServiceImpl) handler(op domain.DeadLetterOperation) (RecoveryHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[op]
	return h, ok
}

// retryableRecovery reports whether a failed recovery attempt may succeed
// later. Payments or events that are not visible yet count as retryable.
func retryableRecovery(err error) bool {
	switch apperror.KindOf(err) {
	case apperror.KindTransientProcessor,
		apperror.KindCircuitOpen,
		apperror.KindTimeout,
		apperror.KindInternal,
		apperror.KindNotFound,
		apperror.KindIdempotencyInProgress:
		return true
	}
	return false
}
