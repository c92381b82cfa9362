// Package batchengine owns the on-demand batch-stats refresh described
// for Worker.OnBatchProgress, plus a periodic fallback sweep grounded on
// fairyhunter13's StuckJobSweeper: a ticker-driven pass that re-checks
// batches which never received an explicit trigger, the way that sweeper
// re-checks jobs stuck in PROCESSING past their expected lifetime.
//
// RefreshStats itself never locks the batch row on its fast path (see
// sqlstore.BatchRepo.RefreshStats), so concurrent Trigger calls for the
// same batch are safe. More than one concurrent refresh can observe
// firstCompletion; the registered callback still fires at most once,
// because CallbackRegistry.Invoke removes a registration as it fires it.
package batchengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cmdbus/cmdbus"
)

// Refresher recomputes a batch's counters and fires its completion
// callback the first time a refresh observes the batch complete. A
// single Refresher can be shared across every domain's Worker
// (OnBatchProgress), since refreshing is stateless beyond the
// repositories it wraps.
type Refresher struct {
	batches   cmdbus.BatchRepository
	callbacks *cmdbus.CallbackRegistry
	log       *slog.Logger
	timeout   time.Duration
	metrics   cmdbus.MetricsSink
}

// SetMetrics attaches a MetricsSink the refresher reports batch
// completions to. A Refresher with no MetricsSink set simply skips
// instrumentation.
func (r *Refresher) SetMetrics(m cmdbus.MetricsSink) {
	r.metrics = m
}

// NewRefresher builds a Refresher. callbacks may be nil if no caller
// ever registers a completion callback. timeout bounds each Trigger's
// background refresh call; it defaults to 10s.
func NewRefresher(batches cmdbus.BatchRepository, callbacks *cmdbus.CallbackRegistry, log *slog.Logger, timeout time.Duration) *Refresher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Refresher{batches: batches, callbacks: callbacks, log: log, timeout: timeout}
}

// Trigger matches the func(domain string, batchID uuid.UUID) shape
// cmdbus.WorkerConfig.OnBatchProgress expects, so it can be passed
// directly as that callback. It is safe to call from multiple goroutines and from a
// caller that does not itself carry a ctx, hence the internally derived
// bounded context.
func (r *Refresher) Trigger(domain string, batchID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	r.refresh(ctx, domain, batchID)
}

// Refresh performs the same work as Trigger but accepts a caller-owned
// ctx, for callers (the sweeper, tests) that already have one.
func (r *Refresher) Refresh(ctx context.Context, domain string, batchID uuid.UUID) (cmdbus.Batch, error) {
	return r.refresh(ctx, domain, batchID)
}

func (r *Refresher) refresh(ctx context.Context, domain string, batchID uuid.UUID) (cmdbus.Batch, error) {
	batch, firstCompletion, err := r.batches.RefreshStats(ctx, domain, batchID)
	if err != nil {
		r.log.Error("batch stats refresh failed", "domain", domain, "batch_id", batchID, "err", err)
		return cmdbus.Batch{}, err
	}
	if firstCompletion {
		if r.metrics != nil {
			r.metrics.BatchCompleted(domain, batch.Completed == batch.TotalCount)
		}
		if r.callbacks != nil {
			r.callbacks.Invoke(batch)
		}
	}
	return batch, nil
}
