package cmdbus

import (
	"context"
	"time"
)

// QueueMessage is a single leased or read message as returned by
// Queue.Read: the PGMQ envelope around a command or reply body.
type QueueMessage struct {
	ID         int64
	ReadCount  int
	EnqueuedAt time.Time
	Body       []byte
}

// Queue is a thin port over the queue extension's SQL surface (send,
// read, delete, archive, set-visibility, create, drop). Implementations
// (queuepg) are expected to accept an existing transaction where the
// caller supplies one, or acquire a connection themselves otherwise.
//
// Queue does not implement ordering or exactly-once guarantees beyond
// what the underlying extension provides: best-effort FIFO, at-least-once
// delivery.
type Queue interface {
	// Send enqueues body and returns the queue-assigned message id.
	Send(ctx context.Context, queue string, body []byte) (int64, error)

	// Read leases up to batchSize messages, making them invisible for
	// visibilityTimeout.
	Read(ctx context.Context, queue string, visibilityTimeout time.Duration, batchSize int) ([]QueueMessage, error)

	// Delete acknowledges success; it permanently removes the message.
	Delete(ctx context.Context, queue string, msgID int64) error

	// Archive acknowledges terminal failure; it moves the message to the
	// queue's archive table instead of deleting it outright.
	Archive(ctx context.Context, queue string, msgID int64) error

	// SetVisibility extends or shortens a message's lease without
	// re-enqueueing it; this is how retry backoff is implemented.
	SetVisibility(ctx context.Context, queue string, msgID int64, delay time.Duration) error

	// Create provisions a queue by name. Create must be idempotent.
	Create(ctx context.Context, queue string) error

	// Drop removes a queue by name, including its archive table.
	Drop(ctx context.Context, queue string) error

	// Notify issues a lightweight NOTIFY on channel, carrying payload (the
	// command id as plain text) so a future targeted-wake optimization is
	// possible without a wire format change; a Notifier today treats the
	// payload as an opaque hint and falls back to unconditional polling
	// regardless of its contents. Producers call this as the last step of
	// a send transaction so the notification is only observable by a
	// Notifier after commit.
	Notify(ctx context.Context, channel, payload string) error
}

// Notifier subscribes to a PostgreSQL LISTEN/NOTIFY channel so a Worker
// can short-circuit its poll_interval wait when a producer's send
// commits. Polling remains the fallback: correctness never depends on a
// notification arriving.
type Notifier interface {
	// Listen blocks until either a notification is observed on channel,
	// ctx is canceled, or timeout elapses, whichever comes first. It
	// returns (true, nil) only on an observed notification.
	Listen(ctx context.Context, channel string, timeout time.Duration) (bool, error)
}
