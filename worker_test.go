package cmdbus_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cmdbus/cmdbus"
)

// fakeQueue is an in-memory Queue good enough to drive Worker through its
// dispatch paths without a real PGMQ instance.
type fakeQueue struct {
	mu         sync.Mutex
	nextID     int64
	messages   map[int64]*fakeMessage
	order      []int64
	sent       map[string][][]byte
	setVisCall atomic.Int32
}

type fakeMessage struct {
	body     []byte
	visAfter time.Time
	deleted  bool
	archived bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		messages: make(map[int64]*fakeMessage),
		sent:     make(map[string][][]byte),
	}
}

func (q *fakeQueue) Send(ctx context.Context, queue string, body []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := q.nextID
	q.messages[id] = &fakeMessage{body: body}
	q.order = append(q.order, id)
	q.sent[queue] = append(q.sent[queue], body)
	return id, nil
}

func (q *fakeQueue) Read(ctx context.Context, queue string, visibilityTimeout time.Duration, batchSize int) ([]cmdbus.QueueMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	var out []cmdbus.QueueMessage
	for _, id := range q.order {
		if len(out) >= batchSize {
			break
		}
		msg := q.messages[id]
		if msg == nil || msg.deleted || msg.archived {
			continue
		}
		if msg.visAfter.After(now) {
			continue
		}
		msg.visAfter = now.Add(visibilityTimeout)
		out = append(out, cmdbus.QueueMessage{ID: id, Body: msg.body, EnqueuedAt: now})
	}
	return out, nil
}

func (q *fakeQueue) Delete(ctx context.Context, queue string, msgID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if msg := q.messages[msgID]; msg != nil {
		msg.deleted = true
	}
	return nil
}

func (q *fakeQueue) Archive(ctx context.Context, queue string, msgID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if msg := q.messages[msgID]; msg != nil {
		msg.archived = true
	}
	return nil
}

func (q *fakeQueue) SetVisibility(ctx context.Context, queue string, msgID int64, delay time.Duration) error {
	q.setVisCall.Add(1)
	q.mu.Lock()
	defer q.mu.Unlock()
	if msg := q.messages[msgID]; msg != nil {
		msg.visAfter = time.Now().Add(delay)
	}
	return nil
}

func (q *fakeQueue) Create(ctx context.Context, queue string) error { return nil }
func (q *fakeQueue) Drop(ctx context.Context, queue string) error   { return nil }
func (q *fakeQueue) Notify(ctx context.Context, channel, payload string) error { return nil }

func (q *fakeQueue) repliesTo(queue string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sent[queue]
}

// fakeRepo is an in-memory CommandRepository.
type fakeRepo struct {
	mu       sync.Mutex
	commands map[uuid.UUID]*cmdbus.Command
	finishes []cmdbus.Status
	payloads map[uuid.UUID][]byte
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		commands: make(map[uuid.UUID]*cmdbus.Command),
		payloads: make(map[uuid.UUID][]byte),
	}
}

func (r *fakeRepo) put(cmd cmdbus.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := cmd
	r.commands[cmd.CommandID] = &c
}

func (r *fakeRepo) Create(ctx context.Context, cmd cmdbus.Command) error {
	r.mu.Lock()
	if _, exists := r.commands[cmd.CommandID]; exists {
		r.mu.Unlock()
		return cmdbus.ErrDuplicateCommand
	}
	r.mu.Unlock()
	r.put(cmd)
	return nil
}

func (r *fakeRepo) SetQueueMessageID(ctx context.Context, domain string, commandID uuid.UUID, msgID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.commands[commandID]; ok {
		c.QueueMessageID = &msgID
	}
	return nil
}

func (r *fakeRepo) AppendAudit(ctx context.Context, entry cmdbus.AuditEntry) error {
	return nil
}

func (r *fakeRepo) Receive(ctx context.Context, domain string, commandID uuid.UUID, msgID int64) (cmdbus.Command, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[commandID]
	if !ok {
		return cmdbus.Command{}, false, cmdbus.ErrCommandNotFound
	}
	if c.Status == cmdbus.StatusCompleted || c.Status == cmdbus.StatusCanceled {
		return *c, false, nil
	}
	c.Attempts++
	c.Status = cmdbus.StatusInProgress
	return *c, true, nil
}

func (r *fakeRepo) Finish(ctx context.Context, domain string, commandID uuid.UUID, status cmdbus.Status, event cmdbus.EventType, lastError cmdbus.ErrorInfo, details map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[commandID]
	if !ok {
		return cmdbus.ErrCommandNotFound
	}
	if c.Status.IsTerminal() {
		return nil
	}
	c.Status = status
	c.LastError = lastError
	r.finishes = append(r.finishes, status)
	return nil
}

func (r *fakeRepo) Fail(ctx context.Context, domain string, commandID uuid.UUID, lastError cmdbus.ErrorInfo, attempt, maxAttempts uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.commands[commandID]; ok {
		c.LastError = lastError
	}
	return nil
}

func (r *fakeRepo) Retry(ctx context.Context, domain string, commandID uuid.UUID, msgID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[commandID]
	if !ok {
		return cmdbus.ErrCommandNotFound
	}
	if c.Status != cmdbus.StatusInTroubleshootingQueue {
		return cmdbus.ErrAlreadyTerminal
	}
	c.Status = cmdbus.StatusPending
	c.Attempts = 0
	c.QueueMessageID = &msgID
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, domain string, commandID uuid.UUID) (cmdbus.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.commands[commandID]
	if !ok {
		return cmdbus.Command{}, cmdbus.ErrCommandNotFound
	}
	return *c, nil
}

func (r *fakeRepo) ListTSQ(ctx context.Context, domain string, limit int) ([]cmdbus.Command, error) {
	return nil, nil
}

func (r *fakeRepo) ArchivePayload(ctx context.Context, domain string, commandID uuid.UUID, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads[commandID] = body
	return nil
}

func (r *fakeRepo) LoadArchivedPayload(ctx context.Context, domain string, commandID uuid.UUID) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	body, ok := r.payloads[commandID]
	if !ok {
		return nil, cmdbus.ErrCommandNotFound
	}
	return body, nil
}

func (r *fakeRepo) statusOf(id uuid.UUID) cmdbus.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commands[id].Status
}

func seedCommand(repo *fakeRepo, domain, commandType string, maxAttempts uint32) (uuid.UUID, cmdbus.CommandMessage) {
	id := uuid.New()
	repo.put(cmdbus.Command{
		Domain:      domain,
		CommandID:   id,
		CommandType: commandType,
		Status:      cmdbus.StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	})
	return id, cmdbus.CommandMessage{
		CommandID: id,
		Type:      commandType,
		Domain:    domain,
		CreatedAt: time.Now(),
		Data:      []byte(`{}`),
	}
}

func waitForStatus(t *testing.T, repo *fakeRepo, id uuid.UUID, want cmdbus.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if repo.statusOf(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("status did not reach %s, got %s", want, repo.statusOf(id))
}

func testConfig(domain string) cmdbus.WorkerConfig {
	return cmdbus.WorkerConfig{
		Domain:            domain,
		Concurrency:       2,
		Queue:             8,
		BatchSize:         4,
		PollInterval:      20 * time.Millisecond,
		VisibilityTimeout: time.Second,
		Backoff:           cmdbus.BackoffSchedule{1},
		UseNotify:         false,
		GracePeriod:       time.Second,
	}
}

func TestWorkerHappyPath(t *testing.T) {
	domain := "orders"
	queue := newFakeQueue()
	repo := newFakeRepo()
	registry := cmdbus.NewRegistry()

	_, envelope := seedCommand(repo, domain, "ShipOrder", 3)
	envelope.ReplyTo = cmdbus.ReplyQueueName(domain)
	body, _ := json.Marshal(envelope)
	queueName := cmdbus.QueueName(domain)
	if _, err := queue.Send(context.Background(), queueName, body); err != nil {
		t.Fatal(err)
	}

	registry.MustRegister(domain, "ShipOrder", func(ctx context.Context, hc cmdbus.HandlerContext, data json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	w := cmdbus.NewWorker(queue, repo, registry, nil, testConfig(domain), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	waitForStatus(t, repo, envelope.CommandID, cmdbus.StatusCompleted, time.Second)

	replies := queue.repliesTo(envelope.ReplyTo)
	if len(replies) != 1 {
		t.Fatalf("expected one reply, got %d", len(replies))
	}
	var reply cmdbus.ReplyMessage
	if err := json.Unmarshal(replies[0], &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != cmdbus.OutcomeSuccess {
		t.Fatalf("expected SUCCESS outcome, got %s", reply.Outcome)
	}
}

func TestWorkerTransientRetryThenSuccess(t *testing.T) {
	domain := "orders"
	queue := newFakeQueue()
	repo := newFakeRepo()
	registry := cmdbus.NewRegistry()

	_, envelope := seedCommand(repo, domain, "ChargeCard", 3)
	body, _ := json.Marshal(envelope)
	queueName := cmdbus.QueueName(domain)
	if _, err := queue.Send(context.Background(), queueName, body); err != nil {
		t.Fatal(err)
	}

	var attempts atomic.Int32
	registry.MustRegister(domain, "ChargeCard", func(ctx context.Context, hc cmdbus.HandlerContext, data json.RawMessage) (json.RawMessage, error) {
		if attempts.Add(1) < 2 {
			return nil, cmdbus.NewTransientError("GATEWAY_TIMEOUT", "timed out", nil)
		}
		return json.RawMessage(`{}`), nil
	})

	w := cmdbus.NewWorker(queue, repo, registry, nil, testConfig(domain), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	waitForStatus(t, repo, envelope.CommandID, cmdbus.StatusCompleted, 2*time.Second)

	if attempts.Load() < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts.Load())
	}
	if queue.setVisCall.Load() == 0 {
		t.Fatal("expected SetVisibility to be called for backoff")
	}
}

func TestWorkerRetryExhaustionMovesToTroubleshooting(t *testing.T) {
	domain := "orders"
	queue := newFakeQueue()
	repo := newFakeRepo()
	registry := cmdbus.NewRegistry()

	_, envelope := seedCommand(repo, domain, "ChargeCard", 1)
	envelope.ReplyTo = cmdbus.ReplyQueueName(domain)
	body, _ := json.Marshal(envelope)
	queueName := cmdbus.QueueName(domain)
	if _, err := queue.Send(context.Background(), queueName, body); err != nil {
		t.Fatal(err)
	}

	registry.MustRegister(domain, "ChargeCard", func(ctx context.Context, hc cmdbus.HandlerContext, data json.RawMessage) (json.RawMessage, error) {
		return nil, cmdbus.NewTransientError("GATEWAY_TIMEOUT", "timed out", nil)
	})

	w := cmdbus.NewWorker(queue, repo, registry, nil, testConfig(domain), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	waitForStatus(t, repo, envelope.CommandID, cmdbus.StatusInTroubleshootingQueue, time.Second)

	if replies := queue.repliesTo(envelope.ReplyTo); len(replies) != 0 {
		t.Fatalf("expected no reply emitted on entering the troubleshooting queue, got %d", len(replies))
	}
}

func TestWorkerPermanentErrorMovesToTroubleshooting(t *testing.T) {
	domain := "orders"
	queue := newFakeQueue()
	repo := newFakeRepo()
	registry := cmdbus.NewRegistry()

	_, envelope := seedCommand(repo, domain, "ValidateOrder", 5)
	body, _ := json.Marshal(envelope)
	queueName := cmdbus.QueueName(domain)
	if _, err := queue.Send(context.Background(), queueName, body); err != nil {
		t.Fatal(err)
	}

	registry.MustRegister(domain, "ValidateOrder", func(ctx context.Context, hc cmdbus.HandlerContext, data json.RawMessage) (json.RawMessage, error) {
		return nil, cmdbus.NewPermanentError("SCHEMA_MISMATCH", "unknown field", nil)
	})

	w := cmdbus.NewWorker(queue, repo, registry, nil, testConfig(domain), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	waitForStatus(t, repo, envelope.CommandID, cmdbus.StatusInTroubleshootingQueue, time.Second)
}

func TestWorkerBusinessRuleErrorFailsTerminal(t *testing.T) {
	domain := "orders"
	queue := newFakeQueue()
	repo := newFakeRepo()
	registry := cmdbus.NewRegistry()

	_, envelope := seedCommand(repo, domain, "CancelOrder", 5)
	envelope.ReplyTo = cmdbus.ReplyQueueName(domain)
	body, _ := json.Marshal(envelope)
	queueName := cmdbus.QueueName(domain)
	if _, err := queue.Send(context.Background(), queueName, body); err != nil {
		t.Fatal(err)
	}

	registry.MustRegister(domain, "CancelOrder", func(ctx context.Context, hc cmdbus.HandlerContext, data json.RawMessage) (json.RawMessage, error) {
		return nil, cmdbus.NewBusinessRuleError("ORDER_ALREADY_SHIPPED", "cannot cancel a shipped order")
	})

	w := cmdbus.NewWorker(queue, repo, registry, nil, testConfig(domain), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	waitForStatus(t, repo, envelope.CommandID, cmdbus.StatusFailed, time.Second)

	replies := queue.repliesTo(envelope.ReplyTo)
	if len(replies) != 1 {
		t.Fatalf("expected one reply, got %d", len(replies))
	}
	var reply cmdbus.ReplyMessage
	if err := json.Unmarshal(replies[0], &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != cmdbus.OutcomeFailed {
		t.Fatalf("expected FAILED outcome, got %s", reply.Outcome)
	}
}

func TestWorkerUnknownHandlerMovesToTroubleshooting(t *testing.T) {
	domain := "orders"
	queue := newFakeQueue()
	repo := newFakeRepo()
	registry := cmdbus.NewRegistry()

	_, envelope := seedCommand(repo, domain, "Mystery", 5)
	body, _ := json.Marshal(envelope)
	queueName := cmdbus.QueueName(domain)
	if _, err := queue.Send(context.Background(), queueName, body); err != nil {
		t.Fatal(err)
	}

	w := cmdbus.NewWorker(queue, repo, registry, nil, testConfig(domain), slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	waitForStatus(t, repo, envelope.CommandID, cmdbus.StatusInTroubleshootingQueue, time.Second)
}

func TestWorkerStartStopLifecycle(t *testing.T) {
	domain := "orders"
	queue := newFakeQueue()
	repo := newFakeRepo()
	registry := cmdbus.NewRegistry()

	w := cmdbus.NewWorker(queue, repo, registry, nil, testConfig(domain), slog.Default())
	ctx := context.Background()

	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(ctx); !errors.Is(err, cmdbus.ErrDoubleStarted) {
		t.Fatalf("expected ErrDoubleStarted, got %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); !errors.Is(err, cmdbus.ErrDoubleStopped) {
		t.Fatalf("expected ErrDoubleStopped, got %v", err)
	}
}
