// Package worker runs the background loops of the engine: dead letter
// recovery and periodic maintenance. Each loop stops when its context is
// cancelled.
package worker

import (
	"context"
	"time"

	"payment-reliability-engine/internal/core/domain"
	"payment-reliability-engine/internal/core/ports"

	"github.com/rs/zerolog"
)

// Attempter re-attempts one claimed dead letter entry and records the result.
type Attempter interface {
	Attempt(ctx context.Context, entry *domain.DeadLetterEntry) error
}

// RecoveryConfig configures the dead letter recovery loop.
type RecoveryConfig struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
}

// RecoveryWorker polls due dead letter entries and re-attempts them.
type RecoveryWorker struct {
	repo      ports.DeadLetterRepository
	attempter Attempter
	cfg       RecoveryConfig
	log       zerolog.Logger
	now       func() time.Time
}

// NewRecoveryWorker creates a new recovery worker.
func NewRecoveryWorker(repo ports.DeadLetterRepository, attempter Attempter, cfg RecoveryConfig, log zerolog.Logger) *RecoveryWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	return &RecoveryWorker{
		repo:      repo,
		attempter: attempter,
		cfg:       cfg,
		log:       log.With().Str("worker", "recovery").Logger(),
		now:       time.Now,
	}
}

// Run polls until ctx is cancelled.
func (w *RecoveryWorker) Run(ctx context.Context) {
	w.log.Info().Dur("interval", w.cfg.PollInterval).Msg("recovery worker started")
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.RunOnce(ctx)
		select {
		case <-ctx.Done():
			w.log.Info().Msg("recovery worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due entries and attempts each. It returns the
// number of entries that were attempted.
func (w *RecoveryWorker) RunOnce(ctx context.Context) int {
	entries, err := w.repo.ClaimDue(ctx, w.now().UTC(), w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to claim dead letter entries")
		return 0
	}

	attempted := 0
	for i := range entries {
		if ctx.Err() != nil {
			break
		}
		e := &entries[i]
		attempted++
		if err := w.attempter.Attempt(ctx, e); err != nil {
			w.log.Warn().Err(err).
				Str("dead_letter_id", e.ID.String()).
				Str("operation", string(e.OriginalOperation)).
				Str("status", string(e.Status)).
				Int("replays", e.ReplayCount).
				Msg("recovery attempt failed")
			continue
		}
		w.log.Info().
			Str("dead_letter_id", e.ID.String()).
			Str("operation", string(e.OriginalOperation)).
			Msg("dead letter recovered")
	}
	return attempted
}
