package batchengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cmdbus/cmdbus"
	"github.com/cmdbus/cmdbus/internal/lifecycle"
)

// SweeperConfig parameterizes a Sweeper.
type SweeperConfig struct {
	Domain   string
	Interval time.Duration
	PageSize int
}

// Sweeper periodically re-refreshes every still-active batch in a
// domain, the fallback path for a batch whose Trigger call was lost —
// a crashed worker, a missed notification — and for batches of
// processes, whose step commands carry no BatchID and so never reach
// Worker.OnBatchProgress. It is grounded directly on fairyhunter13's
// StuckJobSweeper: a ticker loop that lists candidates and acts on each,
// logging a running total rather than failing the whole pass over one
// bad row.
//
// Sweeper is optional; Refresher.Trigger already covers the common case
// where the Worker that observed progress is also the one to refresh it.
type Sweeper struct {
	lifecycle.Base
	refresher *Refresher
	batches   cmdbus.BatchRepository
	task      lifecycle.TimerTask
	log       *slog.Logger
	domain    string
	interval  time.Duration
	pageSize  int
}

// NewSweeper creates a Sweeper. It is not started automatically; call
// Start.
func NewSweeper(refresher *Refresher, batches cmdbus.BatchRepository, config SweeperConfig, log *slog.Logger) *Sweeper {
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Sweeper{
		refresher: refresher,
		batches:   batches,
		log:       log,
		domain:    config.Domain,
		interval:  config.Interval,
		pageSize:  pageSize,
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	active, err := s.batches.ListActive(ctx, s.domain, s.pageSize)
	if err != nil {
		s.log.Error("batch sweep failed to list active batches", "domain", s.domain, "err", err)
		return
	}
	var refreshed, completed int
	for _, b := range active {
		updated, err := s.refresher.Refresh(ctx, s.domain, b.BatchID)
		if err != nil {
			s.log.Error("batch sweep refresh failed", "domain", s.domain, "batch_id", b.BatchID, "err", err)
			continue
		}
		refreshed++
		if updated.IsComplete() {
			completed++
		}
	}
	s.log.Info("batch sweep complete", "domain", s.domain, "checked", len(active), "refreshed", refreshed, "completed", completed)
}

// Start begins the periodic sweep.
//
// Start returns lifecycle.ErrDoubleStarted if the sweeper has already
// been started.
func (s *Sweeper) Start(ctx context.Context) error {
	if err := s.TryStart(); err != nil {
		return err
	}
	s.task.Start(ctx, s.sweep, s.interval)
	return nil
}

// Stop terminates the periodic sweep, waiting up to timeout for the
// in-flight pass to finish.
func (s *Sweeper) Stop(timeout time.Duration) error {
	return s.TryStop(timeout, s.task.Stop)
}
