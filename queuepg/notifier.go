package queuepg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"
)

// Notifier implements cmdbus.Notifier over bun's pgdriver.Listener. It
// keeps one LISTEN connection open per channel and redials on error, the
// way evalgo's pgx-based Listener reconnects its own state-event
// channel — adapted here to pgdriver since that is this module's actual
// driver, and to the synchronous Listen(ctx, channel, timeout) shape
// cmdbus.Notifier asks for rather than a handler-registration API.
type Notifier struct {
	db  *bun.DB
	log *slog.Logger

	mu        sync.Mutex
	listeners map[string]*pgdriver.Listener
}

// NewNotifier builds a Notifier over db, dialing one dedicated LISTEN
// connection per distinct channel name on first use.
func NewNotifier(db *bun.DB, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		db:        db,
		log:       log.With("component", "queuepg.notifier"),
		listeners: make(map[string]*pgdriver.Listener),
	}
}

func (n *Notifier) listenerFor(ctx context.Context, channel string) (*pgdriver.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.listeners[channel]; ok {
		return l, nil
	}
	l := pgdriver.NewListener(n.db)
	if err := l.Listen(ctx, channel); err != nil {
		_ = l.Close()
		return nil, err
	}
	n.listeners[channel] = l
	return l, nil
}

// Listen implements cmdbus.Notifier.Listen: it blocks on the channel's
// dedicated connection for a notification until timeout elapses or ctx
// is canceled. A connection error drops the cached listener so the next
// call redials, mirroring evalgo's listenLoop reconnect-and-retry
// behavior without that implementation's background goroutine, since
// cmdbus.Worker already owns its own poll loop and calls Listen
// synchronously from it.
func (n *Notifier) Listen(ctx context.Context, channel string, timeout time.Duration) (bool, error) {
	l, err := n.listenerFor(ctx, channel)
	if err != nil {
		return false, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	gotChannel, _, err := l.Receive(waitCtx)
	if err != nil {
		n.mu.Lock()
		delete(n.listeners, channel)
		n.mu.Unlock()
		_ = l.Close()
		if waitCtx.Err() != nil {
			return false, nil
		}
		n.log.Warn("listener connection lost, will redial on next Listen", "channel", channel, "error", err)
		return false, nil
	}
	return gotChannel == channel, nil
}

// Close tears down every cached LISTEN connection. Intended for use
// during Worker.Stop once its read loop has exited.
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var firstErr error
	for channel, l := range n.listeners {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(n.listeners, channel)
	}
	return firstErr
}
