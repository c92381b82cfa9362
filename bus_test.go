package cmdbus_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/cmdbus/cmdbus"
)

// fakeTx runs fn directly; it exists to satisfy cmdbus.TxManager without a
// real database connection.
type fakeTx struct{}

func (fakeTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeBatchRepo is an in-memory BatchRepository.
type fakeBatchRepo struct {
	mu      sync.Mutex
	batches map[uuid.UUID]*cmdbus.Batch
}

func newFakeBatchRepo() *fakeBatchRepo {
	return &fakeBatchRepo{batches: make(map[uuid.UUID]*cmdbus.Batch)}
}

func (r *fakeBatchRepo) Create(ctx context.Context, batch cmdbus.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := batch
	r.batches[batch.BatchID] = &b
	return nil
}

func (r *fakeBatchRepo) Get(ctx context.Context, domain string, batchID uuid.UUID) (cmdbus.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return cmdbus.Batch{}, cmdbus.ErrBatchNotFound
	}
	return *b, nil
}

func (r *fakeBatchRepo) RefreshStats(ctx context.Context, domain string, batchID uuid.UUID) (cmdbus.Batch, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return cmdbus.Batch{}, false, cmdbus.ErrBatchNotFound
	}
	return *b, b.IsComplete(), nil
}

func (r *fakeBatchRepo) UpdateCounters(ctx context.Context, domain string, batchID uuid.UUID, completedDelta, canceledDelta, failedDelta, inTroubleshootingDelta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	if !ok {
		return cmdbus.ErrBatchNotFound
	}
	b.Completed += completedDelta
	b.Canceled += canceledDelta
	b.Failed += failedDelta
	b.InTroubleshooting += inTroubleshootingDelta
	return nil
}

func (r *fakeBatchRepo) ListActive(ctx context.Context, domain string, limit int) ([]cmdbus.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []cmdbus.Batch
	for _, b := range r.batches {
		if b.Domain == domain && !b.IsComplete() {
			out = append(out, *b)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func TestBusSendDuplicateCommand(t *testing.T) {
	queue := newFakeQueue()
	repo := newFakeRepo()
	batches := newFakeBatchRepo()
	bus := cmdbus.NewBus(fakeTx{}, repo, batches, queue, nil, cmdbus.BusConfig{}, slog.Default())

	id := uuid.New()
	req := cmdbus.SendRequest{Domain: "orders", CommandType: "ShipOrder", CommandID: id, Data: json.RawMessage(`{}`)}

	if _, err := bus.Send(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Send(context.Background(), req); !errors.Is(err, cmdbus.ErrDuplicateCommand) {
		t.Fatalf("expected ErrDuplicateCommand, got %v", err)
	}

	replies := queue.repliesTo(cmdbus.QueueName("orders"))
	if len(replies) != 1 {
		t.Fatalf("expected exactly one queue message for the duplicate command id, got %d", len(replies))
	}
}

func TestBusCreateBatchTracksTotalCount(t *testing.T) {
	queue := newFakeQueue()
	repo := newFakeRepo()
	batches := newFakeBatchRepo()
	callbacks := cmdbus.NewCallbackRegistry()
	bus := cmdbus.NewBus(fakeTx{}, repo, batches, queue, callbacks, cmdbus.BusConfig{}, slog.Default())

	reqs := make([]cmdbus.SendRequest, 5)
	for i := range reqs {
		reqs[i] = cmdbus.SendRequest{CommandType: "Step", CommandID: uuid.New(), Data: json.RawMessage(`{}`)}
	}

	var invoked cmdbus.Batch
	done := make(chan struct{})
	result, err := bus.CreateBatch(context.Background(), "orders", reqs, "onboarding", func(b cmdbus.Batch) {
		invoked = b
		close(done)
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Total != 5 {
		t.Fatalf("expected total 5, got %d", result.Total)
	}

	batch, err := batches.Get(context.Background(), "orders", result.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if batch.TotalCount != 5 {
		t.Fatalf("expected batch total_count 5, got %d", batch.TotalCount)
	}

	callbacks.Invoke(cmdbus.Batch{BatchID: result.BatchID, TotalCount: 5, Completed: 5})
	<-done
	if invoked.BatchID != result.BatchID {
		t.Fatal("callback invoked with wrong batch")
	}
}

func TestBusOperatorRetryResendsArchivedPayload(t *testing.T) {
	queue := newFakeQueue()
	repo := newFakeRepo()
	batches := newFakeBatchRepo()
	bus := cmdbus.NewBus(fakeTx{}, repo, batches, queue, nil, cmdbus.BusConfig{}, slog.Default())

	id, envelope := seedCommand(repo, "orders", "ChargeCard", 1)
	repo.put(cmdbus.Command{
		Domain:      "orders",
		CommandID:   id,
		CommandType: "ChargeCard",
		Status:      cmdbus.StatusInTroubleshootingQueue,
		MaxAttempts: 1,
		Attempts:    1,
	})
	body, _ := json.Marshal(envelope)

	msgID, err := bus.OperatorRetry(context.Background(), "orders", id)
	if err == nil {
		t.Fatal("expected an error since no payload was archived for this command")
	}
	_ = msgID

	if err := repo.ArchivePayload(context.Background(), "orders", id, body); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.OperatorRetry(context.Background(), "orders", id); err != nil {
		t.Fatal(err)
	}
	if repo.statusOf(id) != cmdbus.StatusPending {
		t.Fatalf("expected status PENDING after operator retry, got %s", repo.statusOf(id))
	}
}

func TestBusOperatorCancelPublishesReply(t *testing.T) {
	queue := newFakeQueue()
	repo := newFakeRepo()
	batches := newFakeBatchRepo()
	bus := cmdbus.NewBus(fakeTx{}, repo, batches, queue, nil, cmdbus.BusConfig{}, slog.Default())

	id := uuid.New()
	repo.put(cmdbus.Command{
		Domain:      "orders",
		CommandID:   id,
		CommandType: "ChargeCard",
		Status:      cmdbus.StatusInTroubleshootingQueue,
		ReplyQueue:  cmdbus.ReplyQueueName("orders"),
	})

	if err := bus.OperatorCancel(context.Background(), "orders", id, "abandoned by customer"); err != nil {
		t.Fatal(err)
	}
	if repo.statusOf(id) != cmdbus.StatusCanceled {
		t.Fatalf("expected CANCELED, got %s", repo.statusOf(id))
	}

	replies := queue.repliesTo(cmdbus.ReplyQueueName("orders"))
	if len(replies) != 1 {
		t.Fatalf("expected one reply, got %d", len(replies))
	}
	var reply cmdbus.ReplyMessage
	if err := json.Unmarshal(replies[0], &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != cmdbus.OutcomeCanceled {
		t.Fatalf("expected CANCELED outcome, got %s", reply.Outcome)
	}
}

func TestBusOperatorCompleteRejectsNonTSQCommand(t *testing.T) {
	queue := newFakeQueue()
	repo := newFakeRepo()
	batches := newFakeBatchRepo()
	bus := cmdbus.NewBus(fakeTx{}, repo, batches, queue, nil, cmdbus.BusConfig{}, slog.Default())

	id := uuid.New()
	repo.put(cmdbus.Command{Domain: "orders", CommandID: id, Status: cmdbus.StatusCompleted})

	err := bus.OperatorComplete(context.Background(), "orders", id, json.RawMessage(`{}`), "manual override")
	if !errors.Is(err, cmdbus.ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}
