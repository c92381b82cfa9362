package batchengine_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cmdbus/cmdbus"
	"github.com/cmdbus/cmdbus/batchengine"
)

type fakeBatches struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*cmdbus.Batch
	seen    map[uuid.UUID]bool
}

func newFakeBatches() *fakeBatches {
	return &fakeBatches{batches: make(map[uuid.UUID]*cmdbus.Batch), seen: make(map[uuid.UUID]bool)}
}

func (f *fakeBatches) put(b cmdbus.Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[b.BatchID] = &b
}

func (f *fakeBatches) Create(ctx context.Context, batch cmdbus.Batch) error { f.put(batch); return nil }

func (f *fakeBatches) Get(ctx context.Context, domain string, batchID uuid.UUID) (cmdbus.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return cmdbus.Batch{}, cmdbus.ErrBatchNotFound
	}
	return *b, nil
}

func (f *fakeBatches) RefreshStats(ctx context.Context, domain string, batchID uuid.UUID) (cmdbus.Batch, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return cmdbus.Batch{}, false, cmdbus.ErrBatchNotFound
	}
	firstCompletion := b.IsComplete() && !f.seen[batchID]
	if b.IsComplete() {
		f.seen[batchID] = true
	}
	return *b, firstCompletion, nil
}

func (f *fakeBatches) UpdateCounters(ctx context.Context, domain string, batchID uuid.UUID, completedDelta, canceledDelta, failedDelta, inTroubleshootingDelta int) error {
	return nil
}

func (f *fakeBatches) ListActive(ctx context.Context, domain string, limit int) ([]cmdbus.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cmdbus.Batch
	for _, b := range f.batches {
		if !b.IsComplete() {
			out = append(out, *b)
		}
	}
	return out, nil
}

func TestRefresherFiresCallbackOnceOnCompletion(t *testing.T) {
	batches := newFakeBatches()
	batchID := uuid.New()
	batches.put(cmdbus.Batch{Domain: "orders", BatchID: batchID, TotalCount: 2, Completed: 2})

	callbacks := cmdbus.NewCallbackRegistry()
	var calls int
	done := make(chan struct{}, 1)
	callbacks.Register(batchID, func(b cmdbus.Batch) {
		calls++
		done <- struct{}{}
	})

	r := batchengine.NewRefresher(batches, callbacks, slog.Default(), time.Second)
	r.Trigger("orders", batchID)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}
	if calls != 1 {
		t.Fatalf("expected callback invoked once, got %d", calls)
	}

	// A second trigger must not re-invoke: CallbackRegistry.Invoke
	// removes the registration after firing.
	r.Trigger("orders", batchID)
	time.Sleep(10 * time.Millisecond)
	if calls != 1 {
		t.Fatalf("expected callback still invoked exactly once, got %d", calls)
	}
}
