package cmdbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SendRequest describes a single command to submit through a Bus.
type SendRequest struct {
	Domain        string
	CommandType   string
	CommandID     uuid.UUID
	Data          json.RawMessage
	MaxAttempts   uint32
	CorrelationID *uuid.UUID
	ReplyTo       string
	BatchID       *uuid.UUID
}

// SendResult is returned by a successful send.
type SendResult struct {
	CommandID uuid.UUID
	MessageID int64
}

// CreateBatchResult is returned by a successful CreateBatch.
type CreateBatchResult struct {
	BatchID uuid.UUID
	Total   int
	Sent    []SendResult
}

// BusConfig parameterizes a Bus.
type BusConfig struct {
	DefaultMaxAttempts uint32
	ChunkSize          int
}

// Bus is the producer-facing API: transactional send, batch creation, and
// the Troubleshooting Queue operator entry points. It does not read from
// queues itself; that is the Worker's and the process reply router's job.
type Bus struct {
	tx                 TxManager
	commands           CommandRepository
	batches            BatchRepository
	queue              Queue
	callbacks          *CallbackRegistry
	log                *slog.Logger
	defaultMaxAttempts uint32
	chunkSize          int
}

// NewBus creates a Bus. callbacks may be nil if CreateBatch's on_complete
// parameter is never used; it is otherwise shared with whatever component
// refreshes batch stats (see the batchengine package) so completion
// callbacks fire from the same registry a refresh observes.
func NewBus(tx TxManager, commands CommandRepository, batches BatchRepository, queue Queue, callbacks *CallbackRegistry, config BusConfig, log *slog.Logger) *Bus {
	maxAttempts := config.DefaultMaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	chunkSize := config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return &Bus{
		tx:                 tx,
		commands:           commands,
		batches:            batches,
		queue:              queue,
		callbacks:          callbacks,
		log:                log,
		defaultMaxAttempts: maxAttempts,
		chunkSize:          chunkSize,
	}
}

// Send durably stores and enqueues a single command inside one
// transaction: insert the PENDING row, queue.send, stamp the message id
// back onto the row, append a SENT audit entry, and notify the domain's
// queue channel. A second Send with the same (domain, command_id) fails
// with ErrDuplicateCommand and the whole transaction rolls back, leaving
// no row and no queue message behind.
func (b *Bus) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	var result SendResult
	err := b.tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := b.sendLocked(ctx, req)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// SendInTx performs the same work as Send but assumes ctx already carries
// an open transaction from a caller's own TxManager.WithinTx call, rather
// than opening one itself. This is what lets the process manager send a
// step command and append its own process-audit row as one atomic unit:
// without it, a crash between the command insert and the audit write
// would leave a reply with no matching process_audit row to record
// against.
func (b *Bus) SendInTx(ctx context.Context, req SendRequest) (SendResult, error) {
	return b.sendLocked(ctx, req)
}

func (b *Bus) sendLocked(ctx context.Context, req SendRequest) (SendResult, error) {
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = b.defaultMaxAttempts
	}
	now := time.Now()
	var correlation uuid.UUID
	if req.CorrelationID != nil {
		correlation = *req.CorrelationID
	}
	cmd := Command{
		Domain:        req.Domain,
		CommandID:     req.CommandID,
		CommandType:   req.CommandType,
		Status:        StatusPending,
		MaxAttempts:   maxAttempts,
		CorrelationID: correlation,
		ReplyQueue:    req.ReplyTo,
		BatchID:       req.BatchID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := b.commands.Create(ctx, cmd); err != nil {
		return SendResult{}, err
	}

	envelope := CommandMessage{
		CommandID:     req.CommandID,
		Type:          req.CommandType,
		Domain:        req.Domain,
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.ReplyTo,
		CreatedAt:     now,
		Data:          req.Data,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return SendResult{}, fmt.Errorf("cmdbus: marshal command envelope: %w", err)
	}

	queueName := QueueName(req.Domain)
	msgID, err := b.queue.Send(ctx, queueName, body)
	if err != nil {
		return SendResult{}, err
	}
	if err := b.commands.SetQueueMessageID(ctx, req.Domain, req.CommandID, msgID); err != nil {
		return SendResult{}, err
	}
	if err := b.commands.AppendAudit(ctx, AuditEntry{
		Domain:    req.Domain,
		CommandID: req.CommandID,
		EventType: EventSent,
		Timestamp: now,
	}); err != nil {
		return SendResult{}, err
	}
	if err := b.queue.Notify(ctx, NotifyChannel(queueName), req.CommandID.String()); err != nil {
		return SendResult{}, err
	}
	return SendResult{CommandID: req.CommandID, MessageID: msgID}, nil
}

// SendBatch submits independent commands with no aggregate tracking: each
// request commits (or rolls back) in its own transaction, so one
// request's ErrDuplicateCommand does not affect the others. Requests are
// processed in chunks of the Bus's configured ChunkSize to bound how many
// transactions are open concurrently.
func (b *Bus) SendBatch(ctx context.Context, requests []SendRequest) ([]SendResult, []error) {
	results := make([]SendResult, len(requests))
	errs := make([]error, len(requests))
	chunk := b.chunkSize

	for start := 0; start < len(requests); start += chunk {
		end := start + chunk
		if end > len(requests) {
			end = len(requests)
		}
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r, err := b.Send(ctx, requests[i])
				results[i] = r
				errs[i] = err
			}(i)
		}
		wg.Wait()
	}
	return results, errs
}

// CreateBatch creates a batch row and every command referencing its
// batch_id inside one transaction, then registers onComplete (if
// non-nil) against the new batch id in the Bus's CallbackRegistry.
// onComplete delivery is best-effort: it lives only in this process and
// is lost across restarts.
func (b *Bus) CreateBatch(ctx context.Context, domain string, requests []SendRequest, name string, onComplete OnCompleteFunc) (CreateBatchResult, error) {
	batchID := uuid.New()
	now := time.Now()
	sent := make([]SendResult, 0, len(requests))

	err := b.tx.WithinTx(ctx, func(ctx context.Context) error {
		batch := Batch{
			Domain:     domain,
			BatchID:    batchID,
			Name:       name,
			Type:       BatchTypeCommand,
			Status:     BatchStatusPending,
			TotalCount: len(requests),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := b.batches.Create(ctx, batch); err != nil {
			return err
		}
		for _, req := range requests {
			req.Domain = domain
			req.BatchID = &batchID
			r, err := b.sendLocked(ctx, req)
			if err != nil {
				return err
			}
			sent = append(sent, r)
		}
		return nil
	})
	if err != nil {
		return CreateBatchResult{}, err
	}
	if onComplete != nil && b.callbacks != nil {
		b.callbacks.Register(batchID, onComplete)
	}
	return CreateBatchResult{BatchID: batchID, Total: len(requests), Sent: sent}, nil
}

// ListTSQ returns commands currently awaiting operator action in domain.
func (b *Bus) ListTSQ(ctx context.Context, domain string, limit int) ([]Command, error) {
	return b.commands.ListTSQ(ctx, domain, limit)
}

// OperatorRetry implements the retry operation described for the
// Troubleshooting Queue: it reconstructs the archived payload, resends
// it to get a fresh message id, resets the command to PENDING with
// attempts=0, and decrements the owning batch's in_troubleshooting
// counter without completing the batch.
func (b *Bus) OperatorRetry(ctx context.Context, domain string, commandID uuid.UUID) (int64, error) {
	var msgID int64
	err := b.tx.WithinTx(ctx, func(ctx context.Context) error {
		cmd, err := b.commands.Get(ctx, domain, commandID)
		if err != nil {
			return err
		}
		if cmd.Status != StatusInTroubleshootingQueue {
			return ErrAlreadyTerminal
		}
		body, err := b.commands.LoadArchivedPayload(ctx, domain, commandID)
		if err != nil {
			return err
		}
		id, err := b.queue.Send(ctx, QueueName(domain), body)
		if err != nil {
			return err
		}
		if err := b.commands.Retry(ctx, domain, commandID, id); err != nil {
			return err
		}
		if cmd.BatchID != nil {
			if err := b.batches.UpdateCounters(ctx, domain, *cmd.BatchID, 0, 0, 0, -1); err != nil {
				return err
			}
		}
		if err := b.queue.Notify(ctx, NotifyChannel(QueueName(domain)), commandID.String()); err != nil {
			return err
		}
		msgID = id
		return nil
	})
	return msgID, err
}

// OperatorCancel transitions a command out of the Troubleshooting Queue
// into terminal CANCELED, decrements the batch's in_troubleshooting
// counter, and publishes a CANCELED reply if the command has a ReplyTo.
func (b *Bus) OperatorCancel(ctx context.Context, domain string, commandID uuid.UUID, reason string) error {
	return b.tx.WithinTx(ctx, func(ctx context.Context) error {
		cmd, err := b.commands.Get(ctx, domain, commandID)
		if err != nil {
			return err
		}
		if cmd.Status != StatusInTroubleshootingQueue {
			return ErrAlreadyTerminal
		}
		details := map[string]any{"reason": reason}
		if err := b.commands.Finish(ctx, domain, commandID, StatusCanceled, EventOperatorCancel, cmd.LastError, details); err != nil {
			return err
		}
		if cmd.BatchID != nil {
			if err := b.batches.UpdateCounters(ctx, domain, *cmd.BatchID, 0, 1, 0, -1); err != nil {
				return err
			}
		}
		if cmd.ReplyQueue != "" {
			return b.publishOperatorReply(ctx, cmd, OutcomeCanceled, nil)
		}
		return nil
	})
}

// OperatorComplete transitions a command out of the Troubleshooting Queue
// into terminal COMPLETED with an operator-supplied result, increments
// the batch's completed counter, and publishes a SUCCESS reply if the
// command has a ReplyTo.
func (b *Bus) OperatorComplete(ctx context.Context, domain string, commandID uuid.UUID, result json.RawMessage, notes string) error {
	return b.tx.WithinTx(ctx, func(ctx context.Context) error {
		cmd, err := b.commands.Get(ctx, domain, commandID)
		if err != nil {
			return err
		}
		if cmd.Status != StatusInTroubleshootingQueue {
			return ErrAlreadyTerminal
		}
		details := map[string]any{"result": result, "notes": notes}
		if err := b.commands.Finish(ctx, domain, commandID, StatusCompleted, EventOperatorComplete, ErrorInfo{}, details); err != nil {
			return err
		}
		if cmd.BatchID != nil {
			if err := b.batches.UpdateCounters(ctx, domain, *cmd.BatchID, 1, 0, 0, -1); err != nil {
				return err
			}
		}
		if cmd.ReplyQueue != "" {
			return b.publishOperatorReply(ctx, cmd, OutcomeSuccess, result)
		}
		return nil
	})
}

func (b *Bus) publishOperatorReply(ctx context.Context, cmd Command, outcome Outcome, data json.RawMessage) error {
	var correlation *uuid.UUID
	if cmd.CorrelationID != uuid.Nil {
		c := cmd.CorrelationID
		correlation = &c
	}
	reply := ReplyMessage{
		CommandID:     cmd.CommandID,
		CorrelationID: correlation,
		Domain:        cmd.Domain,
		Type:          cmd.CommandType + "Response",
		Outcome:       outcome,
		CompletedAt:   time.Now(),
		Data:          data,
	}
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("cmdbus: marshal operator reply: %w", err)
	}
	_, err = b.queue.Send(ctx, cmd.ReplyQueue, body)
	return err
}

// CallbackRegistry holds in-memory batch-completion callbacks registered
// by CreateBatch, keyed by batch id. It is shared with whatever component
// calls RefreshStats so a callback fires exactly once, the first time a
// refresh observes the batch complete.
type CallbackRegistry struct {
	mu  sync.Mutex
	fns map[uuid.UUID]OnCompleteFunc
}

// NewCallbackRegistry returns an empty CallbackRegistry.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{fns: make(map[uuid.UUID]OnCompleteFunc)}
}

// Register binds fn to batchID, replacing any previous registration.
func (c *CallbackRegistry) Register(batchID uuid.UUID, fn OnCompleteFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns[batchID] = fn
}

// Invoke calls and removes the callback registered for batch.BatchID, if
// any. It is safe to call Invoke even if no callback was ever registered.
func (c *CallbackRegistry) Invoke(batch Batch) {
	c.mu.Lock()
	fn, ok := c.fns[batch.BatchID]
	if ok {
		delete(c.fns, batch.BatchID)
	}
	c.mu.Unlock()
	if ok {
		fn(batch)
	}
}
