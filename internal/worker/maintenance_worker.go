package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper deletes expired idempotency records.
type Sweeper interface {
	Sweep(ctx context.Context, limit int) (int64, error)
}

// Reconciler re-drives payments stuck in pending.
type Reconciler interface {
	ReconcilePending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// MaintenanceConfig configures the maintenance loop.
type MaintenanceConfig struct {
	Interval     time.Duration
	PendingAfter time.Duration
	BatchSize    int
}

// MaintenanceWorker expires idempotency records and reconciles pending
// payments whose processor outcome was never recorded.
type MaintenanceWorker struct {
	sweeper    Sweeper
	reconciler Reconciler
	cfg        MaintenanceConfig
	log        zerolog.Logger
}

func NewMaintenanceWorker(sweeper Sweeper, reconciler Reconciler, cfg MaintenanceConfig, log zerolog.Logger) *MaintenanceWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &MaintenanceWorker{
		sweeper:    sweeper,
		reconciler: reconciler,
		cfg:        cfg,
		log:        log.With().Str("worker", "maintenance").Logger(),
	}
}

// Run ticks until ctx is cancelled.
func (w *MaintenanceWorker) Run(ctx context.Context) {
	w.log.Info().Dur("interval", w.cfg.Interval).Msg("maintenance worker started")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("maintenance worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *MaintenanceWorker) RunOnce(ctx context.Context) {
	if w.sweeper != nil {
		n, err := w.sweeper.Sweep(ctx, w.cfg.BatchSize)
		if err != nil {
			w.log.Error().Err(err).Msg("idempotency sweep failed")
		} else if n > 0 {
			w.log.Info().Int64("deleted", n).Msg("expired idempotency records deleted")
		}
	}

	if w.reconciler != nil && w.cfg.PendingAfter > 0 {
		n, err := w.reconciler.ReconcilePending(ctx, w.cfg.PendingAfter, w.cfg.BatchSize)
		if err != nil {
			w.log.Error().Err(err).Msg("pending reconciliation failed")
		} else if n > 0 {
			w.log.Info().Int("resolved", n).Msg("pending payments reconciled")
		}
	}
}
