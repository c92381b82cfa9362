package cmdbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Process is the durable metadata row backing a multi-step orchestration.
// Its identity is (Domain, ProcessID). State is an opaque JSON object
// owned entirely by the process Type that produced it; the core never
// interprets its contents.
type Process struct {
	Domain      string
	ProcessID   uuid.UUID
	ProcessType string
	Status      ProcessStatus
	CurrentStep string
	State       json.RawMessage
	BatchID     *uuid.UUID
	LastError   ErrorInfo
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// ProcessAudit is an append-only per-step record used to reconstruct the
// sequence of commands a process has issued and the replies it has
// received. A redelivered reply is recognized as already handled by
// checking whether ReceivedAt is already set for the matching row.
type ProcessAudit struct {
	Domain       string
	ProcessID    uuid.UUID
	StepName     string
	CommandID    uuid.UUID
	CommandType  string
	CommandData  json.RawMessage
	SentAt       time.Time
	ReplyOutcome Outcome
	ReplyData    json.RawMessage
	ReceivedAt   *time.Time
}

// DoneStep is the sentinel TStep value returned by a Type's GetNextStep
// to signal that a process has no further steps to execute.
const DoneStep = ""

// Type is the contract a process definition must satisfy. TState is
// represented as json.RawMessage rather than a generic type parameter:
// the core traffics only in opaque JSON, per the typed-request/opaque-core
// boundary described for command payloads; individual Type
// implementations are expected to marshal/unmarshal their own concrete
// state struct at their own boundary.
type Type interface {
	// ProcessType names this process definition; it is stored on Process
	// and used by the reply router to resolve a Type for a reply.
	ProcessType() string

	// Domain is the command domain this process type issues its step
	// commands into.
	Domain() string

	// CreateInitialState builds the starting state from caller-supplied
	// initial data.
	CreateInitialState(initialData json.RawMessage) (json.RawMessage, error)

	// GetFirstStep returns the step to execute immediately after Start.
	GetFirstStep(state json.RawMessage) (string, error)

	// BuildCommand returns the command type and payload to send for the
	// given step and current state.
	BuildCommand(step string, state json.RawMessage) (commandType string, data json.RawMessage, err error)

	// UpdateState mutates state in place (returning the updated value)
	// from a step's reply payload.
	UpdateState(state json.RawMessage, step string, reply json.RawMessage) (json.RawMessage, error)

	// GetNextStep returns the step to execute after the given step's
	// reply, or DoneStep if the process has finished.
	GetNextStep(step string, reply json.RawMessage, state json.RawMessage) (string, error)

	// GetCompensationStep returns the compensating step for a completed
	// step during saga rollback, or ("", false) if the step has no
	// compensation.
	GetCompensationStep(step string) (string, bool)
}
