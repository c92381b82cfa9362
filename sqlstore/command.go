package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/cmdbus/cmdbus"
	"github.com/cmdbus/cmdbus/internal/dbctx"
)

// CommandRepo implements cmdbus.CommandRepository, cmdbus.CommandObserver
// and cmdbus.PayloadCleaner over a *bun.DB, the way the teacher's
// Puller/Observer/Cleaner implement gqs's ports: every state transition
// is one guarded UPDATE (or, for Finish, a SELECT ... FOR UPDATE
// followed by an UPDATE) rather than a round trip through a PL/pgSQL
// stored procedure. This resolves an open question the spec leaves to
// the implementer — see DESIGN.md "Stored procedures as Go methods".
type CommandRepo struct {
	db *bun.DB
}

// NewCommandRepo wraps db.
func NewCommandRepo(db *bun.DB) *CommandRepo {
	return &CommandRepo{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C') == "23505"
	}
	return false
}

// Create implements cmdbus.CommandRepository.Create.
func (r *CommandRepo) Create(ctx context.Context, cmd cmdbus.Command) error {
	ex := dbctx.FromDB(ctx, r.db)
	model := fromCommand(cmd)
	_, err := ex.NewInsert().Model(model).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return cmdbus.ErrDuplicateCommand
		}
		return err
	}
	return nil
}

// SetQueueMessageID implements cmdbus.CommandRepository.SetQueueMessageID.
func (r *CommandRepo) SetQueueMessageID(ctx context.Context, domain string, commandID uuid.UUID, msgID int64) error {
	ex := dbctx.FromDB(ctx, r.db)
	_, err := ex.NewUpdate().
		Model((*commandModel)(nil)).
		Set("queue_msg_id = ?", msgID).
		Set("updated_at = ?", time.Now()).
		Where("domain = ? AND command_id = ?", domain, commandID).
		Exec(ctx)
	return err
}

// AppendAudit implements cmdbus.CommandRepository.AppendAudit.
func (r *CommandRepo) AppendAudit(ctx context.Context, entry cmdbus.AuditEntry) error {
	ex := dbctx.FromDB(ctx, r.db)
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	model := &auditModel{
		Domain:    entry.Domain,
		CommandID: entry.CommandID,
		EventType: string(entry.EventType),
		Timestamp: ts,
		Details:   entry.Details,
	}
	_, err := ex.NewInsert().Model(model).Exec(ctx)
	return err
}

// Receive implements cmdbus.CommandRepository.Receive (sp_receive_command):
// a guarded UPDATE ... RETURNING transitions the row to IN_PROGRESS and
// increments Attempts only if the row is not already COMPLETED or
// CANCELED, exactly as the teacher's Puller.Pull selects eligible rows
// and updates them in one statement.
func (r *CommandRepo) Receive(ctx context.Context, domain string, commandID uuid.UUID, msgID int64) (cmdbus.Command, bool, error) {
	ex := dbctx.FromDB(ctx, r.db)
	var model commandModel
	now := time.Now()
	err := ex.NewUpdate().
		Model(&model).
		Set("status = ?", uint8(cmdbus.StatusInProgress)).
		Set("attempts = attempts + 1").
		Set("queue_msg_id = ?", msgID).
		Set("updated_at = ?", now).
		Where("domain = ? AND command_id = ?", domain, commandID).
		Where("status NOT IN (?, ?)", uint8(cmdbus.StatusCompleted), uint8(cmdbus.StatusCanceled)).
		Returning("*").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cmdbus.Command{}, false, nil
		}
		return cmdbus.Command{}, false, err
	}

	if err := r.AppendAudit(ctx, cmdbus.AuditEntry{
		Domain:    domain,
		CommandID: commandID,
		EventType: cmdbus.EventReceived,
		Timestamp: now,
	}); err != nil {
		return cmdbus.Command{}, false, err
	}

	cmd := model.toCommand()
	if cmd.BatchID != nil {
		started, err := r.maybeStartBatch(ctx, domain, *cmd.BatchID)
		if err != nil {
			return cmdbus.Command{}, false, err
		}
		if started {
			if err := r.AppendAudit(ctx, cmdbus.AuditEntry{
				Domain:    domain,
				CommandID: commandID,
				EventType: cmdbus.EventBatchStarted,
				Timestamp: now,
			}); err != nil {
				return cmdbus.Command{}, false, err
			}
		}
	}
	return cmd, true, nil
}

// maybeStartBatch transitions a PENDING batch to IN_PROGRESS the first
// time any of its commands is received, per spec.md §4.5 ("A batch
// moves to IN_PROGRESS the first time any of its commands is
// received").
func (r *CommandRepo) maybeStartBatch(ctx context.Context, domain string, batchID uuid.UUID) (bool, error) {
	ex := dbctx.FromDB(ctx, r.db)
	res, err := ex.NewUpdate().
		Model((*batchModel)(nil)).
		Set("status = ?", uint8(cmdbus.BatchStatusInProgress)).
		Set("updated_at = ?", time.Now()).
		Where("domain = ? AND batch_id = ?", domain, batchID).
		Where("status = ?", uint8(cmdbus.BatchStatusPending)).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, nil
	}
	return n > 0, nil
}

// Finish implements cmdbus.CommandRepository.Finish (sp_finish_command):
// it locks the row with SELECT ... FOR UPDATE, returns early (no-op,
// per DESIGN.md's resolution of the spec's open question) if the row
// already has the target status, otherwise updates Status/LastError/
// CompletedAt and appends the audit event. The row lock lasts until the
// transaction carried in ctx ends; without one, each statement runs in
// its own transaction and the lock is released when the SELECT returns.
func (r *CommandRepo) Finish(ctx context.Context, domain string, commandID uuid.UUID, status cmdbus.Status, event cmdbus.EventType, lastError cmdbus.ErrorInfo, details map[string]any) error {
	ex := dbctx.FromDB(ctx, r.db)

	var current commandModel
	err := ex.NewSelect().
		Model(&current).
		Where("domain = ? AND command_id = ?", domain, commandID).
		For("UPDATE").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cmdbus.ErrCommandNotFound
		}
		return err
	}
	if cmdbus.Status(current.Status) == status {
		return nil
	}

	now := time.Now()
	q := ex.NewUpdate().
		Model((*commandModel)(nil)).
		Set("status = ?", uint8(status)).
		Set("last_error_kind = ?", lastError.Kind).
		Set("last_error_code = ?", lastError.Code).
		Set("last_error_message = ?", lastError.Message).
		Set("updated_at = ?", now).
		Where("domain = ? AND command_id = ?", domain, commandID)
	if status.IsTerminal() {
		q = q.Set("completed_at = ?", now)
	}
	if _, err := q.Exec(ctx); err != nil {
		return err
	}

	return r.AppendAudit(ctx, cmdbus.AuditEntry{
		Domain:    domain,
		CommandID: commandID,
		EventType: event,
		Timestamp: now,
		Details:   details,
	})
}

// Fail implements cmdbus.CommandRepository.Fail (sp_fail_command): it
// records the FAILED audit event and the last-error fields without
// touching Status, leaving the row IN_PROGRESS to be retried once its
// lease (extended by the caller via Queue.SetVisibility) expires.
func (r *CommandRepo) Fail(ctx context.Context, domain string, commandID uuid.UUID, lastError cmdbus.ErrorInfo, attempt, maxAttempts uint32) error {
	ex := dbctx.FromDB(ctx, r.db)
	now := time.Now()
	_, err := ex.NewUpdate().
		Model((*commandModel)(nil)).
		Set("last_error_kind = ?", lastError.Kind).
		Set("last_error_code = ?", lastError.Code).
		Set("last_error_message = ?", lastError.Message).
		Set("updated_at = ?", now).
		Where("domain = ? AND command_id = ?", domain, commandID).
		Exec(ctx)
	if err != nil {
		return err
	}
	return r.AppendAudit(ctx, cmdbus.AuditEntry{
		Domain:    domain,
		CommandID: commandID,
		EventType: cmdbus.EventFailed,
		Timestamp: now,
		Details: map[string]any{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"error":        lastError,
		},
	})
}

// Retry implements cmdbus.CommandRepository.Retry (sp_tsq_retry): resets
// attempts to 0 per the spec's stated default for operator_retry (see
// DESIGN.md), records the new queue message id, and appends
// OPERATOR_RETRY. Retry returns cmdbus.ErrAlreadyTerminal if the
// command is not currently IN_TROUBLESHOOTING_QUEUE.
func (r *CommandRepo) Retry(ctx context.Context, domain string, commandID uuid.UUID, msgID int64) error {
	ex := dbctx.FromDB(ctx, r.db)
	now := time.Now()
	res, err := ex.NewUpdate().
		Model((*commandModel)(nil)).
		Set("status = ?", uint8(cmdbus.StatusPending)).
		Set("attempts = 0").
		Set("queue_msg_id = ?", msgID).
		Set("updated_at = ?", now).
		Where("domain = ? AND command_id = ?", domain, commandID).
		Where("status = ?", uint8(cmdbus.StatusInTroubleshootingQueue)).
		Exec(ctx)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return cmdbus.ErrAlreadyTerminal
	}
	return r.AppendAudit(ctx, cmdbus.AuditEntry{
		Domain:    domain,
		CommandID: commandID,
		EventType: cmdbus.EventOperatorRetry,
		Timestamp: now,
	})
}

// Get implements cmdbus.CommandRepository.Get.
func (r *CommandRepo) Get(ctx context.Context, domain string, commandID uuid.UUID) (cmdbus.Command, error) {
	ex := dbctx.FromDB(ctx, r.db)
	var model commandModel
	err := ex.NewSelect().
		Model(&model).
		Where("domain = ? AND command_id = ?", domain, commandID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cmdbus.Command{}, cmdbus.ErrCommandNotFound
		}
		return cmdbus.Command{}, err
	}
	return model.toCommand(), nil
}

// ListTSQ implements cmdbus.CommandRepository.ListTSQ.
func (r *CommandRepo) ListTSQ(ctx context.Context, domain string, limit int) ([]cmdbus.Command, error) {
	return r.List(ctx, domain, cmdbus.StatusInTroubleshootingQueue, limit)
}

// List implements cmdbus.CommandObserver.List.
func (r *CommandRepo) List(ctx context.Context, domain string, status cmdbus.Status, limit int) ([]cmdbus.Command, error) {
	ex := dbctx.FromDB(ctx, r.db)
	var models []commandModel
	q := ex.NewSelect().Model(&models).Where("domain = ?", domain)
	if status != cmdbus.StatusUnknown {
		q = q.Where("status = ?", uint8(status))
	}
	q = q.Order("updated_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]cmdbus.Command, len(models))
	for i := range models {
		out[i] = models[i].toCommand()
	}
	return out, nil
}

// ArchivePayload implements cmdbus.CommandRepository.ArchivePayload. It
// upserts so that a redelivered message archived twice (e.g. after a
// crash between the archive write and the queue archive) does not
// fail.
func (r *CommandRepo) ArchivePayload(ctx context.Context, domain string, commandID uuid.UUID, body []byte) error {
	ex := dbctx.FromDB(ctx, r.db)
	model := &payloadArchiveModel{
		Domain:     domain,
		CommandID:  commandID,
		Body:       body,
		ArchivedAt: time.Now(),
	}
	_, err := ex.NewInsert().
		Model(model).
		On("CONFLICT (domain, command_id) DO UPDATE").
		Set("body = EXCLUDED.body").
		Set("archived_at = EXCLUDED.archived_at").
		Exec(ctx)
	return err
}

// LoadArchivedPayload implements cmdbus.CommandRepository.LoadArchivedPayload.
func (r *CommandRepo) LoadArchivedPayload(ctx context.Context, domain string, commandID uuid.UUID) ([]byte, error) {
	ex := dbctx.FromDB(ctx, r.db)
	var model payloadArchiveModel
	err := ex.NewSelect().
		Model(&model).
		Where("domain = ? AND command_id = ?", domain, commandID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, cmdbus.ErrCommandNotFound
		}
		return nil, err
	}
	return model.Body, nil
}

// Clean implements cmdbus.PayloadCleaner.Clean, grounded directly on the
// teacher's Cleaner.Clean: terminal statuses only, optional cutoff,
// returns the number of deleted rows.
func (r *CommandRepo) Clean(ctx context.Context, domain string, status cmdbus.Status, before *time.Time) (int64, error) {
	if status != cmdbus.StatusUnknown && !status.IsTerminal() {
		return 0, cmdbus.ErrBadStatus
	}
	ex := dbctx.FromDB(ctx, r.db)
	q := ex.NewDelete().
		Model((*payloadArchiveModel)(nil)).
		Where("domain = ?", domain)
	if status == cmdbus.StatusUnknown {
		q = q.Where("command_id IN (?)", ex.NewSelect().
			Model((*commandModel)(nil)).
			Column("command_id").
			Where("domain = ? AND status IN (?, ?, ?)", domain,
				uint8(cmdbus.StatusCompleted), uint8(cmdbus.StatusCanceled), uint8(cmdbus.StatusFailed)))
	} else {
		q = q.Where("command_id IN (?)", ex.NewSelect().
			Model((*commandModel)(nil)).
			Column("command_id").
			Where("domain = ? AND status = ?", domain, uint8(status)))
	}
	if before != nil {
		q = q.Where("command_id IN (?)", ex.NewSelect().
			Model((*commandModel)(nil)).
			Column("command_id").
			Where("domain = ? AND updated_at <= ?", domain, *before))
	}
	res, err := q.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
