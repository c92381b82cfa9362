package cmdbus

import "context"

// TxManager runs fn inside a single database transaction, threading the
// transactional executor through ctx the way sqlstore's repositories and
// queuepg's Queue expect to find it (mirroring bun's bun.IDB pattern: the
// same method set works against either a *bun.DB or a *bun.Tx pulled from
// context). If fn returns an error, the transaction is rolled back and
// that error is returned unchanged; otherwise the transaction is
// committed.
//
// Bus uses TxManager to give Send, CreateBatch and the TSQ operations the
// same atomicity a direct SQL caller gets from a single connection: the
// command-metadata insert, the queue-send, and the audit append commit or
// roll back together.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
