// Package dbctx threads a bun executor (a *bun.DB or a *bun.Tx opened by
// a cmdbus.TxManager) through context.Context, the way bun's own
// bun.IDB interface lets the same query builder calls run against
// either. queuepg and sqlstore both pull their executor from ctx via
// this package so that a Bus.Send transaction, a Worker dispatch, and a
// process step all see one connection for their critical section
// without explicitly plumbing a *bun.Tx argument through every method.
package dbctx

import (
	"context"

	"github.com/uptrace/bun"
)

type executorKey struct{}

// WithExecutor returns a context carrying ex as the executor later
// callers of FromDB retrieve. It is used by a TxManager implementation
// to make the transaction it opened visible to repository and queue
// calls made from inside its callback.
func WithExecutor(ctx context.Context, ex bun.IDB) context.Context {
	return context.WithValue(ctx, executorKey{}, ex)
}

// FromDB returns the bun.IDB to execute against: the executor stashed
// in ctx by WithExecutor if one is present, otherwise root itself. This
// lets every repository and queue method accept a plain *bun.DB at
// construction time and still participate transparently in a caller's
// transaction.
func FromDB(ctx context.Context, root *bun.DB) bun.IDB {
	if ex, ok := ctx.Value(executorKey{}).(bun.IDB); ok {
		return ex
	}
	return root
}
