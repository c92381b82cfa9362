package cmdbus

import (
	"context"
	"log/slog"
	"time"

	"github.com/cmdbus/cmdbus/internal/lifecycle"
)

// PayloadSweeperConfig defines the scheduling and filtering parameters
// for a PayloadSweeper.
//
// Domain and Status restrict which archived payloads are eligible for
// deletion; Status must be a terminal Status or StatusUnknown (prune
// every terminal status).
//
// Interval defines how often the sweeper runs.
//
// If Before is true, deletion is restricted to payloads whose command
// was last updated more than Delta ago.
type PayloadSweeperConfig struct {
	Domain   string
	Status   Status
	Interval time.Duration
	Before   bool
	Delta    time.Duration
}

// PayloadSweeper periodically invokes a PayloadCleaner according to the
// provided configuration. It is intended for background retention
// management, such as removing archived payloads for commands completed
// long ago, and is never started automatically by a Worker or Bus.
//
// PayloadSweeper has a strict lifecycle:
//   - Start may only be called once.
//   - Stop must be called to terminate the sweeper.
//   - Stop waits for the internal task to finish or until the grace
//     period expires.
type PayloadSweeper struct {
	lcBase
	cleaner  PayloadCleaner
	task     lifecycle.TimerTask
	log      *slog.Logger
	domain   string
	status   Status
	interval time.Duration
	before   bool
	delta    time.Duration
}

// NewPayloadSweeper creates a new PayloadSweeper using the provided
// PayloadCleaner and configuration. The sweeper is not started
// automatically; call Start.
func NewPayloadSweeper(cleaner PayloadCleaner, config PayloadSweeperConfig, log *slog.Logger) *PayloadSweeper {
	return &PayloadSweeper{
		cleaner:  cleaner,
		log:      log,
		domain:   config.Domain,
		status:   config.Status,
		interval: config.Interval,
		before:   config.Before,
		delta:    config.Delta,
	}
}

func (ps *PayloadSweeper) beforeStamp() *time.Time {
	if !ps.before {
		return nil
	}
	ret := time.Now()
	if ps.delta != 0 {
		ret = ret.Add(-ps.delta)
	}
	return &ret
}

func (ps *PayloadSweeper) sweep(ctx context.Context) {
	before := ps.beforeStamp()
	count, err := ps.cleaner.Clean(ctx, ps.domain, ps.status, before)
	if err != nil {
		ps.log.Error("payload sweep failed", "domain", ps.domain, "err", err)
		return
	}
	ps.log.Info("payload sweep complete", "domain", ps.domain, "count", count)
}

// Start begins periodic execution of the sweep task.
//
// Start returns ErrDoubleStarted if the sweeper has already been started.
func (ps *PayloadSweeper) Start(ctx context.Context) error {
	if err := ps.tryStart(); err != nil {
		return err
	}
	ps.task.Start(ctx, ps.sweep, ps.interval)
	return nil
}

// Stop terminates the background sweep task.
//
// Stop waits until the task finishes or the specified timeout expires.
// Stop returns ErrDoubleStopped if the sweeper is not running.
func (ps *PayloadSweeper) Stop(timeout time.Duration) error {
	return ps.tryStop(timeout, ps.task.Stop)
}
