package cmdbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerContext carries per-dispatch metadata a handler may need beyond
// the command payload itself.
type HandlerContext struct {
	Command      Command
	Attempt      uint32
	MaxAttempts  uint32
	MessageID    int64
}

// HandlerFunc processes a command pulled from the queue.
//
// The provided context is canceled when the worker is shutting down or
// the command's lease is close to expiring. The handler must be
// idempotent: cmdbus provides at-least-once delivery, and a command may
// be invoked more than once if a worker crashes or fails to finish it
// before the lease expires.
//
// A nil return marks the command COMPLETED. A *TransientError,
// *PermanentError or *BusinessRuleError return selects the corresponding
// dispatch path (see the package doc); any other non-nil error is
// treated as transient.
type HandlerFunc func(ctx context.Context, hc HandlerContext, data json.RawMessage) (result json.RawMessage, err error)

// Registry maps (domain, command_type) to a HandlerFunc, replacing the
// source's reflective decorator-based binding with an explicit table
// populated by registration calls at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func registryKey(domain, commandType string) string {
	return domain + "\x00" + commandType
}

// Register binds h to (domain, commandType). Registering the same pair
// twice replaces the previous handler.
func (r *Registry) Register(domain, commandType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[registryKey(domain, commandType)] = h
}

// Resolve looks up the handler bound to (domain, commandType). The
// second return value is false if no handler is registered.
func (r *Registry) Resolve(domain, commandType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[registryKey(domain, commandType)]
	return h, ok
}

// MustRegister is Register followed by a panic if h is nil; intended for
// startup wiring where a missing handler is a programming error.
func (r *Registry) MustRegister(domain, commandType string, h HandlerFunc) {
	if h == nil {
		panic(fmt.Sprintf("cmdbus: nil handler for %s/%s", domain, commandType))
	}
	r.Register(domain, commandType, h)
}
