package janitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quarryq/quarry/pkg/core"
	"github.com/quarryq/quarry/pkg/manager"
)

// Janitor periodically sweeps the store. Run one (or a small fixed number)
// per deployment; sweeps coordinate purely through the store, so overlapping
// janitors are safe, just wasteful.
type Janitor struct {
	mgr    *manager.Manager
	config Config
	logger *slog.Logger
}

// SweepStats reports what one pass did.
type SweepStats struct {
	Reclaimed    int64
	DeadLettered int64
	Relocated    int64
	Purged       int64
}

// NewJanitor creates a janitor over the given manager.
func NewJanitor(mgr *manager.Manager, opts ...Option) (*Janitor, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt.applyJanitor(&config)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return &Janitor{
		mgr:    mgr,
		config: config,
		logger: slog.Default().With("component", "janitor"),
	}, nil
}

// Run sweeps on the configured schedule until the context is cancelled.
// Sweep errors are logged and the next tick proceeds; only cancellation
// stops the loop.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		next := j.config.nextTick(time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}

		stats, err := j.Sweep(ctx)
		if err != nil {
			j.logger.Error("sweep failed", "error", err)
			continue
		}
		if stats.Reclaimed+stats.DeadLettered+stats.Relocated+stats.Purged > 0 {
			j.logger.Info("sweep done",
				"reclaimed", stats.Reclaimed,
				"dead_lettered", stats.DeadLettered,
				"relocated", stats.Relocated,
				"purged", stats.Purged)
		}
	}
}

// Sweep runs one pass. Steps are independently idempotent; a step failure
// is recorded and the remaining steps still run, so one bad step cannot
// halt reclamation.
func (j *Janitor) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	var errs []error
	store := j.mgr.Store()

	reclaimed, dead, err := store.ReclaimExpired(ctx, time.Now())
	if err != nil {
		errs = append(errs, err)
	}
	stats.Reclaimed = reclaimed
	stats.DeadLettered = dead

	relocated, err := store.RelocateDeadLetters(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	stats.Relocated = relocated

	purged, err := j.purge(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	stats.Purged = purged

	if err := j.mgr.RefreshShards(ctx); err != nil {
		errs = append(errs, err)
	}

	return stats, errors.Join(errs...)
}

func (j *Janitor) purge(ctx context.Context) (int64, error) {
	store := j.mgr.Store()
	now := time.Now()

	purged, err := store.PurgeOlderThan(ctx,
		[]core.JobState{core.StateCompleted}, now.Add(-j.config.CompletedRetention))
	if err != nil {
		return 0, err
	}

	if j.config.DeadLetterRetention > 0 {
		n, err := store.PurgeOlderThan(ctx,
			[]core.JobState{core.StateDeadLettered}, now.Add(-j.config.DeadLetterRetention))
		if err != nil {
			return purged, err
		}
		purged += n
	}

	return purged, nil
}
