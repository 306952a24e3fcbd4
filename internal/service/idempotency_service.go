package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"
	"payment-reliability-engine/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrLeaseLost is returned by Complete and Fail when the caller no longer
// holds the key, because its lease expired and another caller reclaimed it.
var ErrLeaseLost = errors.New("idempotency lease lost")

// IdempotencyConfig configures the idempotency store. TTL is independent
// from the processor's dedup window; config validation keeps it longer.
type IdempotencyConfig struct {
	TTL          time.Duration
	LeaseTimeout time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// BeginOutcome is the result of claiming a key.
type BeginOutcome int

const (
	// BeginFresh means the caller owns the key and must Complete or Fail it.
	BeginFresh BeginOutcome = iota
	// BeginInProgress means another caller holds a live lease.
	BeginInProgress
	// BeginCompleted means the stored result must be returned unchanged.
	BeginCompleted
)

func (o BeginOutcome) String() string {
	switch o {
	case BeginFresh:
		return "fresh"
	case BeginInProgress:
		return "in_progress"
	case BeginCompleted:
		return "completed"
	}
	return fmt.Sprintf("BeginOutcome(%d)", int(o))
}

// BeginResult describes the claim. Token is set only for BeginFresh.
type BeginResult struct {
	Outcome   BeginOutcome
	Record    *domain.IdempotencyRecord
	Reclaimed bool
	Token     uuid.UUID
}

// IdempotencyService guarantees at most one execution per client key.
type IdempotencyService struct {
	repo  ports.IdempotencyRepository
	cache ports.IdempotencyCache
	audit ports.AuditService
	sink  ports.EventSink
	cfg   IdempotencyConfig
	log   zerolog.Logger
	now   func() time.Time
}

// NewIdempotencyService creates the store. cache and audit may be nil.
func NewIdempotencyService(
	repo ports.IdempotencyRepository,
	cache ports.IdempotencyCache,
	audit ports.AuditService,
	sink ports.EventSink,
	cfg IdempotencyConfig,
	log zerolog.Logger,
) *IdempotencyService {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &IdempotencyService{
		repo:  repo,
		cache: cache,
		audit: audit,
		sink:  sinkOrNop(sink),
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
}

// Begin atomically claims key for a request with the given fingerprint.
// A different fingerprint on a live key is an IDEM_001 conflict.
func (s *IdempotencyService) Begin(ctx context.Context, key, fp string) (*BeginResult, error) {
	if rec := s.cached(ctx, key); rec != nil {
		if rec.RequestFingerprint != fp {
			return nil, s.conflict(ctx, key)
		}
		return &BeginResult{Outcome: BeginCompleted, Record: rec}, nil
	}

	for range maxCASAttempts {
		now := s.now().UTC()
		claim := &domain.IdempotencyRecord{
			Key:                key,
			RequestFingerprint: fp,
			Status:             domain.IdempotencyStatusInProgress,
			LeaseToken:         uuid.New(),
			LockedUntil:        now.Add(s.cfg.LeaseTimeout),
			Attempts:           1,
			Version:            1,
			CreatedAt:          now,
			UpdatedAt:          now,
			ExpiresAt:          now.Add(s.cfg.TTL),
		}

		inserted, err := s.repo.Insert(ctx, claim)
		if err != nil {
			return nil, apperror.ErrDatabaseError(fmt.Errorf("insert idempotency record: %w", err))
		}
		if inserted {
			return &BeginResult{Outcome: BeginFresh, Record: claim, Token: claim.LeaseToken}, nil
		}

		existing, err := s.repo.Get(ctx, key)
		if err != nil {
			return nil, apperror.ErrDatabaseError(fmt.Errorf("get idempotency record: %w", err))
		}
		if existing == nil {
			// swept between insert and get
			continue
		}

		expired := existing.IsExpired(now)
		if !expired {
			if existing.RequestFingerprint != fp {
				return nil, s.conflict(ctx, key)
			}
			switch {
			case existing.Status == domain.IdempotencyStatusCompleted:
				s.store(ctx, existing)
				return &BeginResult{Outcome: BeginCompleted, Record: existing}, nil
			case !existing.Reclaimable(now):
				return &BeginResult{Outcome: BeginInProgress, Record: existing}, nil
			}
			claim.Attempts = existing.Attempts + 1
			claim.CreatedAt = existing.CreatedAt
			claim.ExpiresAt = existing.ExpiresAt
		}

		ok, err := s.repo.Reclaim(ctx, claim, existing.Version)
		if err != nil {
			return nil, apperror.ErrDatabaseError(fmt.Errorf("reclaim idempotency record: %w", err))
		}
		if ok {
			s.log.Info().
				Str("key", key).
				Str("previous_status", string(existing.Status)).
				Int("attempts", claim.Attempts).
				Bool("expired", expired).
				Msg("idempotency key reclaimed")
			return &BeginResult{Outcome: BeginFresh, Record: claim, Reclaimed: true, Token: claim.LeaseToken}, nil
		}
	}
	return nil, apperror.ErrIdempotencyInProgress()
}

// Await waits for a key held by another caller. It returns the completed
// record, or a fresh claim if the holder failed or abandoned the key, and
// IDEM_002 once the wait limit elapses.
func (s *IdempotencyService) Await(ctx context.Context, key, fp string) (*BeginResult, error) {
	waitCtx := ctx
	if s.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.WaitTimeout)
		defer cancel()
	}

	for {
		res, err := s.Begin(ctx, key, fp)
		if err != nil {
			return nil, err
		}
		if res.Outcome != BeginInProgress {
			return res, nil
		}
		if err := sleepContext(waitCtx, s.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, apperror.ErrIdempotencyInProgress()
		}
	}
}

// Complete stores result for key. Only the holder of token may complete it.
func (s *IdempotencyService) Complete(ctx context.Context, key string, token uuid.UUID, result json.RawMessage) error {
	ok, err := s.repo.MarkCompleted(ctx, key, token, result, s.now().UTC())
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("complete idempotency record: %w", err))
	}
	if !ok {
		s.log.Warn().Str("key", key).Msg("idempotency lease lost before completion")
		return ErrLeaseLost
	}
	if rec, err := s.repo.Get(ctx, key); err == nil && rec != nil {
		s.store(ctx, rec)
	}
	return nil
}

// Fail releases key so the next request with it is re-executed.
func (s *IdempotencyService) Fail(ctx context.Context, key string, token uuid.UUID, reason string) error {
	ok, err := s.repo.MarkFailed(ctx, key, token, reason, s.now().UTC())
	if err != nil {
		return apperror.ErrDatabaseError(fmt.Errorf("fail idempotency record: %w", err))
	}
	if !ok {
		s.log.Warn().Str("key", key).Msg("idempotency lease lost before failure was recorded")
		return ErrLeaseLost
	}
	return nil
}

// Get returns the record for key, or nil if it does not exist or expired.
func (s *IdempotencyService) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec, err := s.repo.Get(ctx, key)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	if rec == nil || rec.IsExpired(s.now()) {
		return nil, nil
	}
	return rec, nil
}

// Sweep deletes up to limit expired records.
func (s *IdempotencyService) Sweep(ctx context.Context, limit int) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency records: %w", err)
	}
	return n, nil
}

func (s *IdempotencyService) conflict(ctx context.Context, key string) error {
	s.log.Warn().Str("key", key).Msg("idempotency key reused with a different request")
	if s.audit != nil {
		s.audit.Log(ctx, newAuditEntry(domain.AuditActionIdempotencyConflict, "idempotency_key", key, nil, ""))
	}
	s.sink.Emit(ctx, domain.Event{
		Type:       domain.EventTypeIdempotencyConflict,
		OccurredAt: s.now().UTC(),
		Attributes: map[string]string{"key": key},
	})
	return apperror.ErrIdempotencyConflict()
}

// cached returns a completed, unexpired record from the cache, or nil.
func (s *IdempotencyService) cached(ctx context.Context, key string) *domain.IdempotencyRecord {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("idempotency cache read failed, falling through to store")
		return nil
	}
	if raw == nil {
		return nil
	}
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("discarding undecodable cached idempotency record")
		return nil
	}
	if rec.Status != domain.IdempotencyStatusCompleted || rec.IsExpired(s.now()) {
		return nil
	}
	return &rec
}

func (s *IdempotencyService) store(ctx context.Context, rec *domain.IdempotencyRecord) {
	if s.cache == nil {
		return
	}
	ttl := rec.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, rec.Key, raw, ttl); err != nil {
		s.log.Warn().Err(err).Str("key", rec.Key).Msg("failed to cache idempotency record")
	}
}
