package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/cmdbus/cmdbus"
	"github.com/cmdbus/cmdbus/internal/dbctx"
)

// ProcessRepo implements cmdbus.ProcessRepository over a *bun.DB.
type ProcessRepo struct {
	db *bun.DB
}

// NewProcessRepo wraps db.
func NewProcessRepo(db *bun.DB) *ProcessRepo {
	return &ProcessRepo{db: db}
}

// Create implements cmdbus.ProcessRepository.Create.
func (r *ProcessRepo) Create(ctx context.Context, proc cmdbus.Process) error {
	ex := dbctx.FromDB(ctx, r.db)
	_, err := ex.NewInsert().Model(fromProcess(proc)).Exec(ctx)
	return err
}

// Get implements cmdbus.ProcessRepository.Get.
func (r *ProcessRepo) Get(ctx context.Context, domain string, processID uuid.UUID) (cmdbus.Process, error) {
	ex := dbctx.FromDB(ctx, r.db)
	var model processModel
	err := ex.NewSelect().
		Model(&model).
		Where("domain = ? AND process_id = ?", domain, processID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cmdbus.Process{}, cmdbus.ErrProcessNotFound
		}
		return cmdbus.Process{}, err
	}
	return model.toProcess(), nil
}

// Update implements cmdbus.ProcessRepository.Update: it persists the
// full snapshot, since a process's Manager already holds the
// authoritative in-memory value after UpdateState/GetNextStep run and
// there is no separate stored procedure guarding this transition the
// way there is for Command (a process has exactly one writer: the
// reply router, serialized by the reply queue's own lease).
func (r *ProcessRepo) Update(ctx context.Context, proc cmdbus.Process) error {
	ex := dbctx.FromDB(ctx, r.db)
	model := fromProcess(proc)
	model.UpdatedAt = time.Now()
	_, err := ex.NewUpdate().
		Model(model).
		WherePK().
		Exec(ctx)
	return err
}

// AppendStepAudit implements cmdbus.ProcessRepository.AppendStepAudit.
func (r *ProcessRepo) AppendStepAudit(ctx context.Context, entry cmdbus.ProcessAudit) error {
	ex := dbctx.FromDB(ctx, r.db)
	sentAt := entry.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	model := &processAuditModel{
		Domain:      entry.Domain,
		ProcessID:   entry.ProcessID,
		StepName:    entry.StepName,
		CommandID:   entry.CommandID,
		CommandType: entry.CommandType,
		CommandData: entry.CommandData,
		SentAt:      sentAt,
	}
	_, err := ex.NewInsert().Model(model).Exec(ctx)
	return err
}

// RecordReply implements cmdbus.ProcessRepository.RecordReply. The
// guarded UPDATE (received_at IS NULL) is what lets a redelivered reply
// for the same command_id be recognized as already handled: a second
// call affects zero rows and returns recorded=false, so the reply
// router's handle_reply can skip re-advancing state for a duplicate
// delivery. See spec.md §4.7 "Delivery contract of the router".
func (r *ProcessRepo) RecordReply(ctx context.Context, domain string, processID, commandID uuid.UUID, outcome cmdbus.Outcome, replyData []byte, receivedAt time.Time) (bool, error) {
	ex := dbctx.FromDB(ctx, r.db)
	res, err := ex.NewUpdate().
		Model((*processAuditModel)(nil)).
		Set("reply_outcome = ?", string(outcome)).
		Set("reply_data = ?", replyData).
		Set("received_at = ?", receivedAt).
		Where("domain = ? AND process_id = ? AND command_id = ?", domain, processID, commandID).
		Where("received_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StepAudits implements cmdbus.ProcessRepository.StepAudits, ordered by
// SentAt ascending so saga compensation can walk completed steps in
// reverse by iterating the returned slice backwards.
func (r *ProcessRepo) StepAudits(ctx context.Context, domain string, processID uuid.UUID) ([]cmdbus.ProcessAudit, error) {
	ex := dbctx.FromDB(ctx, r.db)
	var models []processAuditModel
	err := ex.NewSelect().
		Model(&models).
		Where("domain = ? AND process_id = ?", domain, processID).
		Order("sent_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]cmdbus.ProcessAudit, len(models))
	for i := range models {
		out[i] = models[i].toProcessAudit()
	}
	return out, nil
}
