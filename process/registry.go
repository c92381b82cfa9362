// Package process implements the multi-step orchestration manager
// described in spec.md §4.7: a process type is a named, typed state
// machine (cmdbus.Type) whose steps are commands and whose progression
// is driven by replies landing on a dedicated per-domain reply queue.
//
// Manager plays the same role for process types that cmdbus.Worker plays
// for command handlers — a Registry resolves (ProcessType) to a
// definition instead of the decorator-based binding the source uses.
package process

import (
	"fmt"
	"sync"

	"github.com/cmdbus/cmdbus"
)

// Registry maps a process type name to its cmdbus.Type definition,
// replacing reflective binding with an explicit table populated at
// startup — the same shape as cmdbus.Registry for command handlers.
type Registry struct {
	mu    sync.RWMutex
	types map[string]cmdbus.Type
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]cmdbus.Type)}
}

// Register binds t under its own ProcessType(). Registering the same
// type name twice replaces the previous definition.
func (r *Registry) Register(t cmdbus.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t.ProcessType()] = t
}

// Resolve looks up the Type bound to processType. The second return
// value is false if none is registered.
func (r *Registry) Resolve(processType string) (cmdbus.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[processType]
	return t, ok
}

// MustRegister is Register followed by a panic if t is nil; intended for
// startup wiring where a missing process type is a programming error.
func (r *Registry) MustRegister(t cmdbus.Type) {
	if t == nil {
		panic(fmt.Sprintf("cmdbus/process: nil Type"))
	}
	r.Register(t)
}
