package sqlstore

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/cmdbus/cmdbus/internal/dbctx"
)

// TxManager implements cmdbus.TxManager over a *bun.DB, mirroring the
// teacher's own bun.DB.BeginTx / Commit / Rollback sequence in
// initDB. It opens a transaction and stashes it in ctx via
// internal/dbctx so that every CommandRepository, BatchRepository and
// queuepg.Client call made from within fn sees the same connection.
type TxManager struct {
	db *bun.DB
}

// NewTxManager wraps db as a cmdbus.TxManager.
func NewTxManager(db *bun.DB) *TxManager {
	return &TxManager{db: db}
}

// WithinTx runs fn inside a new transaction. fn's returned error rolls
// the transaction back and is returned unchanged; a nil error commits.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	txCtx := dbctx.WithExecutor(ctx, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
