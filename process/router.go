package process

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cmdbus/cmdbus"
	"github.com/cmdbus/cmdbus/internal/lifecycle"
)

// RouterConfig parameterizes a ReplyRouter. It mirrors cmdbus.WorkerConfig
// closely since a ReplyRouter is, mechanically, a single-queue worker
// whose "handler" is always Manager.HandleReply.
type RouterConfig struct {
	Domain            string
	Concurrency       int
	Queue             int
	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	UseNotify         bool
	GracePeriod       time.Duration
}

// ReplyRouter is the single long-running reader on a domain's
// <domain>__process_replies queue described in spec.md §4.7: for each
// reply it loads the process named by the reply's correlation id,
// resolves its Type, and calls Manager.HandleReply. The queue message is
// deleted only after HandleReply returns successfully; on error the
// lease expires and the reply is redelivered, which HandleReply's
// RecordReply guard makes safe to replay.
type ReplyRouter struct {
	base lifecycle.Base

	domain     string
	queueName  string
	notifyChan string

	queue     cmdbus.Queue
	notifier  cmdbus.Notifier
	manager   *Manager
	log       *slog.Logger
	pool      *lifecycle.WorkerPool[cmdbus.QueueMessage]
	batchSize int
	interval  time.Duration
	lock      time.Duration
	useNotify bool
	grace     time.Duration

	cancelLoop context.CancelFunc
	loopDone   lifecycle.DoneChan
}

// NewReplyRouter creates a ReplyRouter. notifier may be nil if
// cfg.UseNotify is false. The router is not started automatically; call
// Start.
func NewReplyRouter(queue cmdbus.Queue, notifier cmdbus.Notifier, manager *Manager, cfg RouterConfig, log *slog.Logger) *ReplyRouter {
	queueName := cmdbus.ProcessReplyQueueName(cfg.Domain)
	return &ReplyRouter{
		domain:     cfg.Domain,
		queueName:  queueName,
		notifyChan: cmdbus.NotifyChannel(queueName),
		queue:      queue,
		notifier:   notifier,
		manager:    manager,
		log:        log,
		pool:       lifecycle.NewWorkerPool[cmdbus.QueueMessage](cfg.Concurrency, cfg.Queue, log),
		batchSize:  cfg.BatchSize,
		interval:   cfg.PollInterval,
		lock:       cfg.VisibilityTimeout,
		useNotify:  cfg.UseNotify,
		grace:      cfg.GracePeriod,
	}
}

// Start begins background reading and routing of replies.
//
// Start returns lifecycle.ErrDoubleStarted if the router has already
// been started.
func (rr *ReplyRouter) Start(ctx context.Context) error {
	if err := rr.base.TryStart(); err != nil {
		return err
	}
	rr.pool.Start(ctx, rr.handle)
	loopCtx, cancel := context.WithCancel(ctx)
	rr.cancelLoop = cancel
	rr.loopDone = make(lifecycle.DoneChan)
	go rr.readLoop(loopCtx)
	return nil
}

func (rr *ReplyRouter) readLoop(ctx context.Context) {
	defer close(rr.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := rr.queue.Read(ctx, rr.queueName, rr.lock, rr.batchSize)
		if err != nil {
			rr.log.Error("reply read failed", "domain", rr.domain, "err", err)
			rr.idle(ctx)
			continue
		}
		if len(msgs) == 0 {
			rr.idle(ctx)
			continue
		}
		for _, msg := range msgs {
			if !rr.pool.Push(msg) {
				rr.log.Debug("reply push interrupted via shutdown", "msg_id", msg.ID)
				return
			}
		}
	}
}

func (rr *ReplyRouter) idle(ctx context.Context) {
	if rr.useNotify && rr.notifier != nil {
		if _, err := rr.notifier.Listen(ctx, rr.notifyChan, rr.interval); err != nil {
			rr.log.Debug("reply notify listen error, falling back to poll", "err", err)
		}
		return
	}
	timer := time.NewTimer(rr.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (rr *ReplyRouter) handle(ctx context.Context, msg cmdbus.QueueMessage) {
	var reply cmdbus.ReplyMessage
	if err := json.Unmarshal(msg.Body, &reply); err != nil {
		rr.log.Error("malformed reply body", "msg_id", msg.ID, "err", err)
		if err := rr.queue.Delete(ctx, rr.queueName, msg.ID); err != nil {
			rr.log.Error("cannot delete malformed reply", "msg_id", msg.ID, "err", err)
		}
		return
	}
	if reply.CorrelationID == nil {
		rr.log.Error("reply missing correlation id, dropping", "msg_id", msg.ID, "command_id", reply.CommandID)
		if err := rr.queue.Delete(ctx, rr.queueName, msg.ID); err != nil {
			rr.log.Error("cannot delete reply without correlation id", "msg_id", msg.ID, "err", err)
		}
		return
	}

	if err := rr.manager.HandleReply(ctx, reply); err != nil {
		rr.log.Error("handle reply failed, leaving for redelivery", "process_id", *reply.CorrelationID, "command_id", reply.CommandID, "err", err)
		return
	}
	if err := rr.queue.Delete(ctx, rr.queueName, msg.ID); err != nil {
		rr.log.Error("cannot delete reply message", "msg_id", msg.ID, "err", err)
	}
}

func (rr *ReplyRouter) doStop() lifecycle.DoneChan {
	rr.cancelLoop()
	poolDone := rr.pool.Stop()
	return lifecycle.Combine(rr.loopDone, poolDone)
}

// Stop initiates graceful shutdown: it stops reading new replies and
// waits for in-flight HandleReply calls to finish, up to GracePeriod.
//
// Stop returns lifecycle.ErrDoubleStopped if the router is not running.
func (rr *ReplyRouter) Stop() error {
	return rr.base.TryStop(rr.grace, rr.doStop)
}
