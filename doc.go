// Package cmdbus provides a durable command bus backed by PostgreSQL and
// PGMQ, a FIFO queue extension with visibility-timeout semantics.
//
// # Overview
//
// cmdbus models commands as named units of work identified by
// (domain, command_id). A producer calls Bus.Send to durably store a
// command's metadata and enqueue its body in one transaction; a Worker
// leases queued messages, dispatches them to user-registered handlers,
// retries transient failures with backoff, and routes unrecoverable
// failures to a Troubleshooting Queue (TSQ) for operator action.
//
// The package does not mandate a particular driver beyond bun's Postgres
// support (sqlstore) and does not implement PGMQ itself (queuepg wraps
// its SQL surface). Higher-level aggregation (batches, batchengine) and
// orchestration (multi-step processes, package process) build on the
// same command lifecycle.
//
// # Delivery Semantics
//
// cmdbus provides at-least-once processing guarantees.
//
// A command may be dispatched more than once if:
//
//   - a worker crashes before finishing it
//   - the visibility timeout (lease) expires
//   - the lease is lost to a concurrent worker
//
// Handlers must therefore be idempotent.
//
// # State Machine
//
// Commands follow this lifecycle:
//
//	PENDING                 -> IN_PROGRESS
//	IN_PROGRESS             -> COMPLETED
//	IN_PROGRESS             -> IN_PROGRESS   (transient failure, retry)
//	IN_PROGRESS             -> IN_TROUBLESHOOTING_QUEUE
//	IN_PROGRESS             -> FAILED
//	IN_TROUBLESHOOTING_QUEUE -> PENDING      (operator retry)
//	IN_TROUBLESHOOTING_QUEUE -> COMPLETED    (operator complete)
//	IN_TROUBLESHOOTING_QUEUE -> CANCELED     (operator cancel)
//
// COMPLETED, CANCELED and FAILED are terminal and are never left except
// by operator action out of IN_TROUBLESHOOTING_QUEUE.
//
// # Retry Policy
//
// Retry behavior is controlled by a BackoffSchedule, a deterministic
// ordered list of delays indexed by attempt number. Unlike an exponential
// policy with jitter, the schedule is reproducible: the minimum wall-clock
// time between the i-th failure and the (i+1)-th dispatch is always
// schedule[i-1], counting failures from 1, with the final entry repeated
// once i runs past the end of the schedule.
//
// When a handler returns a TransientError and attempts remain, the
// command's lease is extended by the scheduled delay and the row stays
// IN_PROGRESS. When attempts are exhausted, or the handler returns a
// PermanentError, the command moves to IN_TROUBLESHOOTING_QUEUE. A
// BusinessRuleError always moves the command straight to terminal FAILED.
//
// # Worker
//
// Worker coordinates leasing, dispatching, retrying and finishing
// commands for a single domain. It:
//
//   - periodically reads eligible messages from the domain's command queue
//   - dispatches them to a bounded worker pool
//   - cancels a handler's context shortly before the message lease expires
//   - applies retry/backoff or TSQ routing on failure
//   - supports graceful shutdown with a grace period
//
// Worker does not guarantee exactly-once delivery, strict FIFO ordering,
// or cross-shard transactions.
//
// # Interfaces
//
// cmdbus defines the following primary ports:
//
//	Queue              — send/read/delete/archive/set-visibility on PGMQ
//	CommandRepository  — durable command state and its stored procedures
//	BatchRepository    — batch lifecycle and on-demand stats
//	ProcessRepository  — process and process-audit persistence
//
// Concrete implementations live in queuepg and sqlstore so that the
// lifecycle and retry logic in this package stay storage-agnostic.
//
// # Concurrency Model
//
// Worker uses a bounded internal channel and a fixed-size worker pool.
// Reading and dispatching are decoupled to smooth load, mirroring the
// pull/dispatch split used throughout this package's background tasks.
//
// Shutdown is graceful: in-flight handlers are allowed to finish, subject
// to a configurable grace period.
//
// # Summary
//
// cmdbus provides a structured foundation for durable command processing
// with explicit lifecycle control, deterministic retry semantics, batch
// aggregation, and process orchestration, without committing to a single
// driver or transport beyond PostgreSQL and PGMQ.
package cmdbus
