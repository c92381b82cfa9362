package cmdbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cmdbus/cmdbus/internal/lifecycle"
	"github.com/cmdbus/cmdbus/internal/retrysql"
)

// WorkerConfig defines the runtime behavior of a Worker.
//
// Concurrency is the number of concurrent handler invocations.
//
// Queue is the internal buffering capacity between reading messages from
// the queue and dispatching them to handlers.
//
// BatchSize is the maximum number of messages fetched in a single read.
//
// PollInterval is both the idle-loop wait between reads and the maximum
// time spent waiting on a notification before falling back to polling.
//
// VisibilityTimeout is the lease length assigned to each leased message.
//
// Backoff is the retry policy applied when a handler returns a
// TransientError.
//
// UseNotify enables the notification-wake path; polling is always kept
// as a fallback regardless of this setting.
//
// GracePeriod bounds how long Stop waits for in-flight handlers.
//
// OnBatchProgress, if set, is invoked (in a separate goroutine, on a
// best-effort basis) whenever a command finishes and carries a BatchID,
// so a batch engine can trigger its on-demand stats refresh without the
// worker importing BatchRepository directly.
//
// InfraRetryMaxElapsedTime and InfraRetryInitialInterval bound a short
// local retry applied around the worker's own infrastructure calls
// (queue reads/writes, repository calls) before an error is treated as
// dispatch-ending — distinct from Backoff, which governs a handler's own
// TransientError. Leaving both zero disables the retry and every infra
// call is attempted exactly once, matching the teacher's original
// one-shot dispatch.
type WorkerConfig struct {
	Domain                    string
	Concurrency               int
	Queue                     int
	BatchSize                 int
	PollInterval              time.Duration
	VisibilityTimeout         time.Duration
	Backoff                   BackoffSchedule
	UseNotify                 bool
	GracePeriod               time.Duration
	OnBatchProgress           func(domain string, batchID uuid.UUID)
	InfraRetryMaxElapsedTime  time.Duration
	InfraRetryInitialInterval time.Duration
}

type handlerResult struct {
	data json.RawMessage
	err  error
}

// Worker coordinates reading, dispatching, retrying and finishing
// commands for a single domain. It implements the at-least-once model
// described in the package doc:
//
//  1. Periodically read messages from the domain's command queue.
//  2. Call CommandRepository.Receive to transition the matching command
//     to IN_PROGRESS.
//  3. Dispatch to the handler resolved from the Registry.
//  4. On success: delete the message, finish the command as COMPLETED,
//     optionally publish a reply.
//  5. On TransientError with attempts remaining: record the failure and
//     extend the message's visibility by the scheduled backoff.
//  6. On PermanentError, retry exhaustion, or an unresolved handler:
//     archive the message and move the command to
//     IN_TROUBLESHOOTING_QUEUE.
//  7. On BusinessRuleError: archive the message and finish the command
//     as terminal FAILED.
//
// Worker does not guarantee exactly-once delivery, strict ordering, or
// cross-shard transactions. Handlers must be idempotent.
//
// Worker has a strict lifecycle: Start may only be called once; Stop
// gracefully shuts down the read loop and worker pool, waiting up to
// GracePeriod for in-flight handlers to finish.
type Worker struct {
	lcBase
	domain       string
	queueName    string
	notifyChan   string
	queue        Queue
	repo         CommandRepository
	registry     *Registry
	notifier     Notifier
	log          *slog.Logger
	pool         *lifecycle.WorkerPool[QueueMessage]
	batchSize    int
	interval     time.Duration
	lock         time.Duration
	backoff      BackoffSchedule
	useNotify    bool
	grace        time.Duration
	onBatch      func(domain string, batchID uuid.UUID)
	cancelLoop   context.CancelFunc
	loopDone     lifecycle.DoneChan
	metrics      MetricsSink
	inFlight     atomic.Int32
	infraRetry   retrysql.Config
}

// SetMetrics attaches a MetricsSink the worker reports command lifecycle
// events and in-flight concurrency to. It must be called before Start;
// a Worker with no MetricsSink set simply skips instrumentation.
func (w *Worker) SetMetrics(m MetricsSink) {
	w.metrics = m
}

// NewWorker creates a new Worker instance. The worker is not started
// automatically; call Start.
func NewWorker(queue Queue, repo CommandRepository, registry *Registry, notifier Notifier, config WorkerConfig, log *slog.Logger) *Worker {
	backoff := config.Backoff
	if len(backoff) == 0 {
		backoff = DefaultBackoffSchedule
	}
	return &Worker{
		domain:     config.Domain,
		queueName:  QueueName(config.Domain),
		notifyChan: NotifyChannel(QueueName(config.Domain)),
		queue:      queue,
		repo:       repo,
		registry:   registry,
		notifier:   notifier,
		log:        log,
		pool:       lifecycle.NewWorkerPool[QueueMessage](config.Concurrency, config.Queue, log),
		batchSize:  config.BatchSize,
		interval:   config.PollInterval,
		lock:       config.VisibilityTimeout,
		backoff:    backoff,
		useNotify:  config.UseNotify,
		grace:      config.GracePeriod,
		onBatch:    config.OnBatchProgress,
		infraRetry: retrysql.Config{
			MaxElapsedTime:  config.InfraRetryMaxElapsedTime,
			InitialInterval: config.InfraRetryInitialInterval,
		},
	}
}

// withRetry wraps an infrastructure call (a queue or repository method)
// with the worker's bounded local retry. WorkerConfig leaving
// InfraRetryMaxElapsedTime unset disables the retry entirely rather than
// falling back to retrysql's own generous defaults, so a Worker built
// without InfraRetry* configured dispatches exactly the way the teacher's
// original one-shot calls did.
func (w *Worker) withRetry(ctx context.Context, op func() error) error {
	if w.infraRetry.MaxElapsedTime <= 0 {
		return op()
	}
	return retrysql.Do(ctx, w.infraRetry, op)
}

// Start begins background reading and dispatching of commands.
//
// Start returns ErrDoubleStarted if the worker has already been started.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.tryStart(); err != nil {
		return err
	}
	w.pool.Start(ctx, w.handle)
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	w.loopDone = make(lifecycle.DoneChan)
	go w.readLoop(loopCtx)
	return nil
}

func (w *Worker) readLoop(ctx context.Context) {
	defer close(w.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var msgs []QueueMessage
		err := w.withRetry(ctx, func() error {
			m, err := w.queue.Read(ctx, w.queueName, w.lock, w.batchSize)
			if err != nil {
				return err
			}
			msgs = m
			return nil
		})
		if err != nil {
			w.log.Error("read failed", "domain", w.domain, "err", err)
			w.idle(ctx)
			continue
		}
		if len(msgs) == 0 {
			w.idle(ctx)
			continue
		}
		for _, msg := range msgs {
			if !w.pool.Push(msg) {
				w.log.Debug("message push interrupted via shutdown", "msg_id", msg.ID)
				return
			}
		}
	}
}

// idle waits for a wake-up before the next read: a notification if
// enabled, otherwise PollInterval. Polling always remains the fallback
// even when notifications are enabled.
func (w *Worker) idle(ctx context.Context) {
	if w.useNotify && w.notifier != nil {
		if _, err := w.notifier.Listen(ctx, w.notifyChan, w.interval); err != nil {
			w.log.Debug("notify listen error, falling back to poll", "err", err)
		}
		return
	}
	timer := time.NewTimer(w.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func invoke(ctx context.Context, h HandlerFunc, hc HandlerContext, data json.RawMessage) handlerResult {
	ret := make(chan handlerResult, 1)
	go func() {
		result, err := h(ctx, hc, data)
		ret <- handlerResult{data: result, err: err}
	}()
	select {
	case r := <-ret:
		return r
	case <-ctx.Done():
		return handlerResult{err: ctx.Err()}
	}
}

// handle dispatches a single leased message through the state machine
// described on Worker.
func (w *Worker) handle(ctx context.Context, msg QueueMessage) {
	var envelope CommandMessage
	if err := json.Unmarshal(msg.Body, &envelope); err != nil {
		w.log.Error("malformed command body", "msg_id", msg.ID, "err", err)
		if err := w.queue.Delete(ctx, w.queueName, msg.ID); err != nil {
			w.log.Error("cannot delete malformed message", "msg_id", msg.ID, "err", err)
		}
		return
	}

	var cmd Command
	var ok bool
	err := w.withRetry(ctx, func() error {
		c, received, err := w.repo.Receive(ctx, w.domain, envelope.CommandID, msg.ID)
		if err != nil {
			return err
		}
		cmd, ok = c, received
		return nil
	})
	if err != nil {
		w.log.Error("receive failed", "command_id", envelope.CommandID, "err", err)
		return
	}
	if !ok {
		// The command is already COMPLETED or CANCELED: this is a
		// redelivered message for work already finished. Ack it away
		// without invoking the handler again.
		if err := w.queue.Delete(ctx, w.queueName, msg.ID); err != nil {
			w.log.Error("cannot delete stale message", "msg_id", msg.ID, "err", err)
		}
		return
	}

	if w.metrics != nil {
		w.metrics.CommandReceived(w.domain, cmd.CommandType)
	}

	handlerFn, found := w.registry.Resolve(w.domain, cmd.CommandType)
	if !found {
		w.toTroubleshooting(ctx, cmd, msg, NewPermanentError("NO_HANDLER", fmt.Sprintf("no handler registered for %s/%s", w.domain, cmd.CommandType), nil))
		return
	}

	lockCtx, cancel := context.WithTimeout(ctx, w.lock-w.lock/10)
	defer cancel()
	hc := HandlerContext{Command: cmd, Attempt: cmd.Attempts, MaxAttempts: cmd.MaxAttempts, MessageID: msg.ID}
	w.trackConcurrency(1)
	res := invoke(lockCtx, handlerFn, hc, envelope.Data)
	w.trackConcurrency(-1)

	if res.err == nil {
		w.finishSuccess(ctx, cmd, msg, envelope, res.data)
		return
	}

	transient, permanent, business := classify(res.err)
	switch {
	case business != nil:
		w.finishBusinessFailure(ctx, cmd, msg, envelope, business)
	case permanent != nil:
		w.toTroubleshooting(ctx, cmd, msg, permanent)
	default:
		w.handleTransient(ctx, cmd, msg, transient)
	}
}

func (w *Worker) trackConcurrency(delta int32) {
	n := w.inFlight.Add(delta)
	if w.metrics != nil {
		w.metrics.WorkerConcurrencyInUse(w.domain, int(n))
	}
}

func (w *Worker) finishSuccess(ctx context.Context, cmd Command, msg QueueMessage, envelope CommandMessage, result json.RawMessage) {
	if err := w.withRetry(ctx, func() error { return w.queue.Delete(ctx, w.queueName, msg.ID) }); err != nil {
		w.log.Error("cannot delete message", "command_id", cmd.CommandID, "err", err)
		return
	}
	finish := func() error {
		return w.repo.Finish(ctx, w.domain, cmd.CommandID, StatusCompleted, EventCompleted, ErrorInfo{}, map[string]any{"result": json.RawMessage(result)})
	}
	if err := w.withRetry(ctx, finish); err != nil {
		w.log.Error("cannot finish command", "command_id", cmd.CommandID, "err", err)
		return
	}
	if w.metrics != nil {
		w.metrics.CommandCompleted(w.domain, cmd.CommandType)
	}
	w.notifyBatch(cmd)
	if envelope.ReplyTo != "" {
		w.publishReply(ctx, cmd, envelope.ReplyTo, OutcomeSuccess, result, nil)
	}
}

func (w *Worker) handleTransient(ctx context.Context, cmd Command, msg QueueMessage, terr *TransientError) {
	if w.metrics != nil {
		w.metrics.CommandFailedTransient(w.domain, cmd.CommandType)
	}
	if cmd.Attempts < cmd.MaxAttempts {
		info := ErrorInfo{Kind: "TRANSIENT", Code: terr.Code, Message: terr.Message}
		fail := func() error { return w.repo.Fail(ctx, w.domain, cmd.CommandID, info, cmd.Attempts, cmd.MaxAttempts) }
		if err := w.withRetry(ctx, fail); err != nil {
			w.log.Error("cannot record failure", "command_id", cmd.CommandID, "err", err)
			return
		}
		delay := w.backoff.Delay(cmd.Attempts)
		setVis := func() error { return w.queue.SetVisibility(ctx, w.queueName, msg.ID, delay) }
		if err := w.withRetry(ctx, setVis); err != nil {
			w.log.Error("cannot extend visibility", "command_id", cmd.CommandID, "err", err)
		}
		return
	}
	w.toTroubleshooting(ctx, cmd, msg, NewPermanentError(terr.Code, terr.Message, terr.Details))
}

// toTroubleshooting archives the message and moves the command to
// IN_TROUBLESHOOTING_QUEUE. Per the concrete retry-exhaustion test
// scenario, entering the Troubleshooting Queue does not itself publish a
// reply; only operator_cancel and operator_complete do (see
// Bus.OperatorCancel and Bus.OperatorComplete).
func (w *Worker) toTroubleshooting(ctx context.Context, cmd Command, msg QueueMessage, perr *PermanentError) {
	if err := w.repo.ArchivePayload(ctx, w.domain, cmd.CommandID, msg.Body); err != nil {
		w.log.Warn("cannot archive payload", "command_id", cmd.CommandID, "err", err)
	}
	if err := w.withRetry(ctx, func() error { return w.queue.Archive(ctx, w.queueName, msg.ID) }); err != nil {
		w.log.Error("cannot archive message", "command_id", cmd.CommandID, "err", err)
		return
	}
	info := ErrorInfo{Kind: "PERMANENT", Code: perr.Code, Message: perr.Message}
	details := map[string]any{}
	if perr.Details != nil {
		details["details"] = perr.Details
	}
	finish := func() error {
		return w.repo.Finish(ctx, w.domain, cmd.CommandID, StatusInTroubleshootingQueue, EventMovedToTroubleshooting, info, details)
	}
	if err := w.withRetry(ctx, finish); err != nil {
		w.log.Error("cannot move command to troubleshooting", "command_id", cmd.CommandID, "err", err)
		return
	}
	if w.metrics != nil {
		w.metrics.CommandMovedToTSQ(w.domain, cmd.CommandType)
	}
	w.notifyBatch(cmd)
}

func (w *Worker) finishBusinessFailure(ctx context.Context, cmd Command, msg QueueMessage, envelope CommandMessage, berr *BusinessRuleError) {
	if err := w.withRetry(ctx, func() error { return w.queue.Archive(ctx, w.queueName, msg.ID) }); err != nil {
		w.log.Error("cannot archive message", "command_id", cmd.CommandID, "err", err)
		return
	}
	info := ErrorInfo{Kind: "BUSINESS_RULE", Code: berr.Code, Message: berr.Message}
	finish := func() error { return w.repo.Finish(ctx, w.domain, cmd.CommandID, StatusFailed, EventFailed, info, nil) }
	if err := w.withRetry(ctx, finish); err != nil {
		w.log.Error("cannot finish command", "command_id", cmd.CommandID, "err", err)
		return
	}
	if w.metrics != nil {
		w.metrics.CommandFailedBusinessRule(w.domain, cmd.CommandType)
	}
	w.notifyBatch(cmd)
	if envelope.ReplyTo != "" {
		w.publishReply(ctx, cmd, envelope.ReplyTo, OutcomeFailed, nil, &info)
	}
}

func (w *Worker) publishReply(ctx context.Context, cmd Command, replyTo string, outcome Outcome, data json.RawMessage, errInfo *ErrorInfo) {
	var correlation *uuid.UUID
	if cmd.CorrelationID != uuid.Nil {
		c := cmd.CorrelationID
		correlation = &c
	}
	reply := ReplyMessage{
		CommandID:     cmd.CommandID,
		CorrelationID: correlation,
		Domain:        w.domain,
		Type:          cmd.CommandType + "Response",
		Outcome:       outcome,
		CompletedAt:   time.Now(),
		Data:          data,
		Error:         errInfo,
	}
	body, err := json.Marshal(reply)
	if err != nil {
		w.log.Error("cannot marshal reply", "command_id", cmd.CommandID, "err", err)
		return
	}
	if _, err := w.queue.Send(ctx, replyTo, body); err != nil {
		w.log.Error("cannot publish reply", "command_id", cmd.CommandID, "reply_to", replyTo, "err", err)
	}
}

func (w *Worker) notifyBatch(cmd Command) {
	if w.onBatch == nil || cmd.BatchID == nil {
		return
	}
	go w.onBatch(w.domain, *cmd.BatchID)
}

func (w *Worker) doStop() lifecycle.DoneChan {
	w.cancelLoop()
	poolDone := w.pool.Stop()
	return lifecycle.Combine(w.loopDone, poolDone)
}

// Stop initiates graceful shutdown: it stops reading new messages,
// cancels the worker pool, and waits for in-flight handlers to finish.
//
// If shutdown does not complete within GracePeriod, ErrStopTimeout is
// returned; background goroutines may still be terminating. Uncompleted
// messages simply have their leases expire and are redelivered later —
// this is the at-least-once contract.
//
// Stop returns ErrDoubleStopped if the worker is not running.
func (w *Worker) Stop() error {
	return w.tryStop(w.grace, w.doStop)
}
