package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tourney-link/internal/config"
	"github.com/tourney-link/internal/domain"
	"github.com/tourney-link/internal/resolver"
)

// Refresher runs one stale-refresh pass. Implemented by the resolver.
type Refresher interface {
	RefreshStale(ctx context.Context, maxAge time.Duration) (*domain.RefreshReport, error)
}

// StandingsRebuilder refreshes the standings snapshot after a sweep.
// Optional; nil disables the rebuild.
type StandingsRebuilder interface {
	RebuildFromStore(ctx context.Context) error
}

// Sweeper periodically refreshes stale player records. The resolver itself
// guarantees a single sweep in flight; the sweeper just provides cadence
// and shutdown.
type Sweeper struct {
	refresher Refresher
	standings StandingsRebuilder
	config    *config.SweepConfig
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
	mu        sync.Mutex
	running   bool
}

// NewSweeper creates a new sweeper
func NewSweeper(
	refresher Refresher,
	standings StandingsRebuilder,
	cfg *config.SweepConfig,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		refresher: refresher,
		standings: standings,
		config:    cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the background sweep process
func (w *Sweeper) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sweeper started", "interval", w.config.Interval, "max_age", w.config.MaxAge)

	go w.run(ctx)
	return nil
}

// Stop stops the background sweep process
func (w *Sweeper) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sweeper stopped")
	return nil
}

// run is the main worker loop
func (w *Sweeper) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep runs one refresh pass and rebuilds the standings snapshot
func (w *Sweeper) sweep(ctx context.Context) {
	startTime := time.Now()

	report, err := w.refresher.RefreshStale(ctx, w.config.MaxAge)
	if err != nil {
		if errors.Is(err, resolver.ErrSweepInFlight) {
			w.logger.Warn("skipping sweep, previous still in flight")
			return
		}
		w.logger.Error("sweep failed", "error", err)
		return
	}

	if w.standings != nil && report.Succeeded > 0 {
		if err := w.standings.RebuildFromStore(ctx); err != nil {
			w.logger.Error("failed to rebuild standings after sweep", "error", err)
		}
	}

	w.logger.Info("sweep completed",
		"duration", time.Since(startTime),
		"checked", report.Checked,
		"succeeded", report.Succeeded,
		"failed", len(report.Failed),
	)
}
