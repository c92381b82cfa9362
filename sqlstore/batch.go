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

// BatchRepo implements cmdbus.BatchRepository over a *bun.DB.
type BatchRepo struct {
	db *bun.DB
}

// NewBatchRepo wraps db.
func NewBatchRepo(db *bun.DB) *BatchRepo {
	return &BatchRepo{db: db}
}

// Create implements cmdbus.BatchRepository.Create.
func (r *BatchRepo) Create(ctx context.Context, batch cmdbus.Batch) error {
	ex := dbctx.FromDB(ctx, r.db)
	_, err := ex.NewInsert().Model(fromBatch(batch)).Exec(ctx)
	return err
}

// Get implements cmdbus.BatchRepository.Get.
func (r *BatchRepo) Get(ctx context.Context, domain string, batchID uuid.UUID) (cmdbus.Batch, error) {
	ex := dbctx.FromDB(ctx, r.db)
	var model batchModel
	err := ex.NewSelect().
		Model(&model).
		Where("domain = ? AND batch_id = ?", domain, batchID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cmdbus.Batch{}, cmdbus.ErrBatchNotFound
		}
		return cmdbus.Batch{}, err
	}
	return model.toBatch(), nil
}

type statusCount struct {
	Status uint8 `bun:"status"`
	Count  int   `bun:"count"`
}

// RefreshStats implements cmdbus.BatchRepository.RefreshStats
// (sp_refresh_batch_stats): it aggregates terminal counts by status
// over the batch's commands (or, for BatchTypeProcess, its processes)
// and writes them back along with the derived Status, without ever
// locking the batch row on a fast path — per spec.md §4.5 and §5, the
// update is monotonic and tolerant of concurrent callers because
// counters only ever reflect committed terminal states at the time of
// the aggregation query.
func (r *BatchRepo) RefreshStats(ctx context.Context, domain string, batchID uuid.UUID) (cmdbus.Batch, bool, error) {
	ex := dbctx.FromDB(ctx, r.db)

	batch, err := r.Get(ctx, domain, batchID)
	if err != nil {
		return cmdbus.Batch{}, false, err
	}

	var counts []statusCount
	var q *bun.SelectQuery
	switch batch.Type {
	case cmdbus.BatchTypeProcess:
		q = ex.NewSelect().
			Model((*processModel)(nil)).
			ColumnExpr("status").
			ColumnExpr("count(*) AS count").
			Where("domain = ? AND batch_id = ?", domain, batchID).
			GroupExpr("status")
	default:
		q = ex.NewSelect().
			Model((*commandModel)(nil)).
			ColumnExpr("status").
			ColumnExpr("count(*) AS count").
			Where("domain = ? AND batch_id = ?", domain, batchID).
			GroupExpr("status")
	}
	if err := q.Scan(ctx, &counts); err != nil {
		return cmdbus.Batch{}, false, err
	}

	var completed, canceled, failed, inTSQ int
	for _, c := range counts {
		switch batch.Type {
		case cmdbus.BatchTypeProcess:
			switch cmdbus.ProcessStatus(c.Status) {
			case cmdbus.ProcessStatusCompleted:
				completed += c.Count
			case cmdbus.ProcessStatusCanceled:
				canceled += c.Count
			case cmdbus.ProcessStatusFailed, cmdbus.ProcessStatusCompensated:
				failed += c.Count
			case cmdbus.ProcessStatusWaitingForTSQ:
				inTSQ += c.Count
			}
		default:
			switch cmdbus.Status(c.Status) {
			case cmdbus.StatusCompleted:
				completed += c.Count
			case cmdbus.StatusCanceled:
				canceled += c.Count
			case cmdbus.StatusFailed:
				failed += c.Count
			case cmdbus.StatusInTroubleshootingQueue:
				inTSQ += c.Count
			}
		}
	}

	wasComplete := batch.IsComplete()
	batch.Completed, batch.Canceled, batch.Failed, batch.InTroubleshooting = completed, canceled, failed, inTSQ
	isComplete := batch.IsComplete()

	newStatus := batch.Status
	now := time.Now()
	switch {
	case isComplete && (canceled > 0 || failed > 0 || inTSQ > 0):
		newStatus = cmdbus.BatchStatusCompletedWithFailures
	case isComplete:
		newStatus = cmdbus.BatchStatusCompleted
	case batch.Status == cmdbus.BatchStatusPending && (completed+canceled+failed+inTSQ) > 0:
		newStatus = cmdbus.BatchStatusInProgress
	}
	batch.Status = newStatus

	upd := ex.NewUpdate().
		Model((*batchModel)(nil)).
		Set("completed = ?", completed).
		Set("canceled = ?", canceled).
		Set("failed = ?", failed).
		Set("in_troubleshooting = ?", inTSQ).
		Set("status = ?", uint8(newStatus)).
		Set("updated_at = ?", now).
		Where("domain = ? AND batch_id = ?", domain, batchID)
	firstCompletion := isComplete && !wasComplete
	if firstCompletion {
		upd = upd.Set("completed_at = ?", now)
		batch.CompletedAt = &now
	}
	if _, err := upd.Exec(ctx); err != nil {
		return cmdbus.Batch{}, false, err
	}
	return batch, firstCompletion, nil
}

// UpdateCounters implements cmdbus.BatchRepository.UpdateCounters
// (sp_update_batch_counters): applies a signed delta to each counter
// without a full aggregation pass. Used by the TSQ operations, which
// know exactly which counter to move a single command between and
// don't need a fresh scan over every sibling command.
func (r *BatchRepo) UpdateCounters(ctx context.Context, domain string, batchID uuid.UUID, completedDelta, canceledDelta, failedDelta, inTroubleshootingDelta int) error {
	ex := dbctx.FromDB(ctx, r.db)
	_, err := ex.NewUpdate().
		Model((*batchModel)(nil)).
		Set("completed = completed + ?", completedDelta).
		Set("canceled = canceled + ?", canceledDelta).
		Set("failed = failed + ?", failedDelta).
		Set("in_troubleshooting = in_troubleshooting + ?", inTroubleshootingDelta).
		Set("updated_at = ?", time.Now()).
		Where("domain = ? AND batch_id = ?", domain, batchID).
		Exec(ctx)
	return err
}

// ListActive implements cmdbus.BatchRepository.ListActive: batches in
// PENDING or IN_PROGRESS, oldest-updated first so a sweeper's fixed-size
// pass drains the longest-idle batches before newer ones.
func (r *BatchRepo) ListActive(ctx context.Context, domain string, limit int) ([]cmdbus.Batch, error) {
	ex := dbctx.FromDB(ctx, r.db)
	var models []batchModel
	q := ex.NewSelect().
		Model(&models).
		Where("domain = ?", domain).
		Where("status IN (?, ?)", uint8(cmdbus.BatchStatusPending), uint8(cmdbus.BatchStatusInProgress)).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]cmdbus.Batch, len(models))
	for i := range models {
		out[i] = models[i].toBatch()
	}
	return out, nil
}
