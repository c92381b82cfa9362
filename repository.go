package cmdbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// CommandRepository is the durable command store. Its methods correspond
// to the stored procedures that are the only writers of status
// transitions in the worker path: implementations (sqlstore) must
// guarantee the same atomicity a single guarded UPDATE or a row-level
// FOR UPDATE lock gives a direct SQL caller.
type CommandRepository interface {
	// Create inserts a new command row with StatusPending, Attempts=0,
	// and the given or configured-default MaxAttempts, inside the
	// caller's transaction. Create returns ErrDuplicateCommand if
	// (domain, commandID) already exists.
	Create(ctx context.Context, cmd Command) error

	// SetQueueMessageID records the id returned by Queue.Send against an
	// already-created command row.
	SetQueueMessageID(ctx context.Context, domain string, commandID uuid.UUID, msgID int64) error

	// AppendAudit inserts an audit row. Append-only; never updated.
	AppendAudit(ctx context.Context, entry AuditEntry) error

	// Receive implements sp_receive_command: atomically increments
	// Attempts, transitions the row to StatusInProgress (unless it is
	// already COMPLETED or CANCELED, in which case the second return
	// value is false and the caller must treat the message as stale),
	// appends a RECEIVED audit entry, and — if the command has a
	// BatchID and that batch is still PENDING — transitions the batch to
	// IN_PROGRESS and appends a BATCH_STARTED audit entry.
	Receive(ctx context.Context, domain string, commandID uuid.UUID, msgID int64) (Command, bool, error)

	// Finish implements sp_finish_command: locks the command row,
	// returns immediately if it already has the target status (the
	// idempotent no-op case), otherwise updates Status, LastError,
	// CompletedAt (for terminal statuses) and appends an audit entry of
	// the given EventType with details.
	Finish(ctx context.Context, domain string, commandID uuid.UUID, status Status, event EventType, lastError ErrorInfo, details map[string]any) error

	// Fail implements sp_fail_command: records a FAILED audit entry and
	// updates LastError without changing Status — the row stays
	// IN_PROGRESS, to be retried once its lease expires.
	Fail(ctx context.Context, domain string, commandID uuid.UUID, lastError ErrorInfo, attempt, maxAttempts uint32) error

	// Retry implements sp_tsq_retry: resets a command in
	// IN_TROUBLESHOOTING_QUEUE to StatusPending with Attempts reset to 0,
	// records the new queue message id, and appends an OPERATOR_RETRY
	// audit entry. Retry returns ErrAlreadyTerminal if the command is not
	// currently IN_TROUBLESHOOTING_QUEUE.
	Retry(ctx context.Context, domain string, commandID uuid.UUID, msgID int64) error

	// Get returns the command snapshot for (domain, commandID), or
	// ErrCommandNotFound.
	Get(ctx context.Context, domain string, commandID uuid.UUID) (Command, error)

	// ListTSQ returns commands in StatusInTroubleshootingQueue for a
	// domain, most recently updated first, up to limit (0 means no
	// limit).
	ListTSQ(ctx context.Context, domain string, limit int) ([]Command, error)

	// ArchivePayload persists a command's original body into
	// payload_archive, used so operator-retry can reconstruct the
	// message even if the queue's own archive has been purged.
	ArchivePayload(ctx context.Context, domain string, commandID uuid.UUID, body []byte) error

	// LoadArchivedPayload returns a previously archived payload body.
	LoadArchivedPayload(ctx context.Context, domain string, commandID uuid.UUID) ([]byte, error)
}

// BatchRepository is the durable batch store.
type BatchRepository interface {
	// Create inserts a batch row with the given TotalCount, inside the
	// caller's transaction alongside the commands it tracks.
	Create(ctx context.Context, batch Batch) error

	// Get returns the batch snapshot, or ErrBatchNotFound.
	Get(ctx context.Context, domain string, batchID uuid.UUID) (Batch, error)

	// RefreshStats implements sp_refresh_batch_stats: recomputes
	// Completed/Canceled/Failed/InTroubleshooting by aggregating over the
	// batch's commands (or processes, for BatchTypeProcess), updates the
	// batch row's counters and derived Status, and returns the refreshed
	// snapshot along with whether this call is the first to observe
	// completion.
	RefreshStats(ctx context.Context, domain string, batchID uuid.UUID) (batch Batch, firstCompletion bool, err error)

	// UpdateCounters implements sp_update_batch_counters: applies a
	// signed delta to each of the batch's counters without a full
	// aggregation pass; used by the TSQ procedures.
	UpdateCounters(ctx context.Context, domain string, batchID uuid.UUID, completedDelta, canceledDelta, failedDelta, inTroubleshootingDelta int) error

	// ListActive returns up to limit batches in domain that have not yet
	// reached a terminal Status, oldest first. It backs the batch stats
	// sweeper's fallback pass over batches that never received an
	// explicit refresh trigger.
	ListActive(ctx context.Context, domain string, limit int) ([]Batch, error)
}

// ProcessRepository is the durable process and process-audit store.
type ProcessRepository interface {
	// Create inserts a process row with StatusPending.
	Create(ctx context.Context, proc Process) error

	// Get returns the process snapshot, or ErrProcessNotFound.
	Get(ctx context.Context, domain string, processID uuid.UUID) (Process, error)

	// Update persists the full process snapshot (status, current step,
	// state, last error, completed_at).
	Update(ctx context.Context, proc Process) error

	// AppendStepAudit inserts a process_audit row recording a step's
	// dispatch (SentAt populated, ReceivedAt nil).
	AppendStepAudit(ctx context.Context, entry ProcessAudit) error

	// RecordReply fills in a process_audit row's reply fields for the
	// given (processID, commandID) pair. RecordReply is a no-op (and
	// returns recorded=false) if ReceivedAt is already set, which is how
	// a redelivered reply is recognized as already handled.
	RecordReply(ctx context.Context, domain string, processID, commandID uuid.UUID, outcome Outcome, replyData []byte, receivedAt time.Time) (recorded bool, err error)

	// StepAudits returns every process_audit row for a process, ordered
	// by SentAt ascending, used to walk completed steps in reverse for
	// saga compensation.
	StepAudits(ctx context.Context, domain string, processID uuid.UUID) ([]ProcessAudit, error)
}
