package process

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cmdbus/cmdbus"
)

// compensationPrefix marks a process_audit row as recording a
// compensation command rather than a forward step, so continueCompensation
// can tell apart "step1 completed" from "step1 was compensated" while
// both rows are read back from the same StepAudits call. The step name a
// compensation command is actually dispatched under (the domain type's
// own GetCompensationStep result) still goes to BuildCommand unchanged;
// only the audit row's StepName carries the marker.
const compensationPrefix = "compensate:"

func compensationAuditName(originalStep string) string {
	return compensationPrefix + originalStep
}

// Manager drives process.Type definitions through Start, step dispatch,
// and reply-triggered advancement, the way cmdbus.Worker drives
// HandlerFunc through the command lifecycle. It owns no queue reading
// itself — that is ReplyRouter's job — but every write to a Process row
// and every command it sends goes through Manager so the two stay
// consistent.
type Manager struct {
	tx        cmdbus.TxManager
	bus       *cmdbus.Bus
	processes cmdbus.ProcessRepository
	registry  *Registry
	log       *slog.Logger
}

// NewManager builds a Manager. tx must open the same kind of transaction
// bus and processes participate in (see cmdbus.TxManager), so that
// creating a process row, sending its first step's command, and
// recording the step audit commit atomically.
func NewManager(tx cmdbus.TxManager, bus *cmdbus.Bus, processes cmdbus.ProcessRepository, registry *Registry, log *slog.Logger) *Manager {
	return &Manager{tx: tx, bus: bus, processes: processes, registry: registry, log: log}
}

// Start begins a new process instance: it resolves processType in the
// Manager's Registry, builds the initial state, computes the first
// step, and persists the process row and (if the type has a first step)
// dispatches its command — all inside one transaction. If GetFirstStep
// returns cmdbus.DoneStep immediately, Start leaves the process
// COMPLETED with no command ever sent.
func (m *Manager) Start(ctx context.Context, processType string, initialData json.RawMessage, batchID *uuid.UUID) (uuid.UUID, error) {
	typ, ok := m.registry.Resolve(processType)
	if !ok {
		return uuid.Nil, fmt.Errorf("process: unknown process type %q", processType)
	}
	state, err := typ.CreateInitialState(initialData)
	if err != nil {
		return uuid.Nil, fmt.Errorf("process: create initial state: %w", err)
	}
	first, err := typ.GetFirstStep(state)
	if err != nil {
		return uuid.Nil, fmt.Errorf("process: get first step: %w", err)
	}

	now := time.Now()
	processID := uuid.New()
	proc := cmdbus.Process{
		Domain:      typ.Domain(),
		ProcessID:   processID,
		ProcessType: processType,
		Status:      cmdbus.ProcessStatusPending,
		State:       state,
		BatchID:     batchID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = m.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := m.processes.Create(ctx, proc); err != nil {
			return err
		}
		if first == cmdbus.DoneStep {
			completedAt := time.Now()
			proc.Status = cmdbus.ProcessStatusCompleted
			proc.CompletedAt = &completedAt
			proc.UpdatedAt = completedAt
			return m.processes.Update(ctx, proc)
		}
		proc.Status = cmdbus.ProcessStatusInProgress
		return m.executeStepAudit(ctx, &proc, typ, first, first)
	})
	if err != nil {
		return uuid.Nil, err
	}
	return processID, nil
}

// executeStepAudit sends the command for domainStep, records a
// process_audit row under auditName (distinct from domainStep only for
// compensation commands, see compensationAuditName), and leaves the
// process WAITING_FOR_REPLY.
func (m *Manager) executeStepAudit(ctx context.Context, proc *cmdbus.Process, typ cmdbus.Type, domainStep, auditName string) error {
	commandType, data, err := typ.BuildCommand(domainStep, proc.State)
	if err != nil {
		return fmt.Errorf("process: build command for step %q: %w", domainStep, err)
	}
	commandID := uuid.New()
	correlation := proc.ProcessID
	replyTo := cmdbus.ProcessReplyQueueName(proc.Domain)

	if _, err := m.bus.SendInTx(ctx, cmdbus.SendRequest{
		Domain:        proc.Domain,
		CommandType:   commandType,
		CommandID:     commandID,
		Data:          data,
		CorrelationID: &correlation,
		ReplyTo:       replyTo,
	}); err != nil {
		return fmt.Errorf("process: send step %q command: %w", domainStep, err)
	}

	now := time.Now()
	if err := m.processes.AppendStepAudit(ctx, cmdbus.ProcessAudit{
		Domain:      proc.Domain,
		ProcessID:   proc.ProcessID,
		StepName:    auditName,
		CommandID:   commandID,
		CommandType: commandType,
		CommandData: data,
		SentAt:      now,
	}); err != nil {
		return err
	}

	proc.CurrentStep = domainStep
	proc.Status = cmdbus.ProcessStatusWaitingForReply
	proc.UpdatedAt = now
	return m.processes.Update(ctx, *proc)
}

// HandleReply is ReplyRouter's sole entry point: it loads the process
// named by reply.CorrelationID, resolves its Type, and — guarded by
// ProcessRepository.RecordReply's received_at check — advances state
// exactly once per distinct reply, even if the same reply is delivered
// more than once. A nil return means the reply was either applied or
// recognized as an already-handled redelivery; both are safe for the
// caller to ack.
func (m *Manager) HandleReply(ctx context.Context, reply cmdbus.ReplyMessage) error {
	if reply.CorrelationID == nil {
		return fmt.Errorf("process: reply for command %s has no correlation id", reply.CommandID)
	}
	processID := *reply.CorrelationID
	return m.tx.WithinTx(ctx, func(ctx context.Context) error {
		proc, err := m.processes.Get(ctx, reply.Domain, processID)
		if err != nil {
			return err
		}
		typ, ok := m.registry.Resolve(proc.ProcessType)
		if !ok {
			return fmt.Errorf("process: unknown process type %q", proc.ProcessType)
		}
		recorded, err := m.processes.RecordReply(ctx, reply.Domain, processID, reply.CommandID, reply.Outcome, reply.Data, time.Now())
		if err != nil {
			return err
		}
		if !recorded {
			m.log.Debug("reply already recorded, skipping redelivered reply", "process_id", processID, "command_id", reply.CommandID)
			return nil
		}
		switch reply.Outcome {
		case cmdbus.OutcomeSuccess:
			return m.onSuccess(ctx, &proc, typ, reply)
		case cmdbus.OutcomeFailed:
			return m.onFailed(ctx, &proc, reply)
		case cmdbus.OutcomeCanceled:
			return m.onCanceled(ctx, &proc, typ)
		default:
			return fmt.Errorf("process: unrecognized reply outcome %q", reply.Outcome)
		}
	})
}

func (m *Manager) onSuccess(ctx context.Context, proc *cmdbus.Process, typ cmdbus.Type, reply cmdbus.ReplyMessage) error {
	if proc.Status == cmdbus.ProcessStatusCompensating {
		return m.continueCompensation(ctx, proc, typ)
	}

	newState, err := typ.UpdateState(proc.State, proc.CurrentStep, reply.Data)
	if err != nil {
		return fmt.Errorf("process: update state after step %q: %w", proc.CurrentStep, err)
	}
	proc.State = newState

	next, err := typ.GetNextStep(proc.CurrentStep, reply.Data, proc.State)
	if err != nil {
		return fmt.Errorf("process: get next step after %q: %w", proc.CurrentStep, err)
	}
	if next == cmdbus.DoneStep {
		now := time.Now()
		proc.Status = cmdbus.ProcessStatusCompleted
		proc.CompletedAt = &now
		proc.UpdatedAt = now
		return m.processes.Update(ctx, *proc)
	}
	return m.executeStepAudit(ctx, proc, typ, next, next)
}

// onFailed pauses the process pending operator action on the failing
// command, per spec.md §4.7: "the process is paused pending operator
// action in the Troubleshooting Queue on the failing command." This
// applies identically whether the failing command was a forward step or
// a compensation command — the operator's eventual operator_complete or
// operator_cancel call publishes a reply that re-enters HandleReply and
// resumes whichever flow (forward or compensating) the process was in.
func (m *Manager) onFailed(ctx context.Context, proc *cmdbus.Process, reply cmdbus.ReplyMessage) error {
	proc.Status = cmdbus.ProcessStatusWaitingForTSQ
	if reply.Error != nil {
		proc.LastError = *reply.Error
	}
	proc.UpdatedAt = time.Now()
	return m.processes.Update(ctx, *proc)
}

func (m *Manager) onCanceled(ctx context.Context, proc *cmdbus.Process, typ cmdbus.Type) error {
	proc.Status = cmdbus.ProcessStatusCompensating
	proc.UpdatedAt = time.Now()
	if err := m.processes.Update(ctx, *proc); err != nil {
		return err
	}
	return m.continueCompensation(ctx, proc, typ)
}

// continueCompensation walks the process's step audits in reverse
// chronological order and issues the next completed forward step's
// compensation command that hasn't already been issued. A step with no
// GetCompensationStep is treated as already handled and skipped. When no
// forward step remains to compensate, the process reaches COMPENSATED.
func (m *Manager) continueCompensation(ctx context.Context, proc *cmdbus.Process, typ cmdbus.Type) error {
	audits, err := m.processes.StepAudits(ctx, proc.Domain, proc.ProcessID)
	if err != nil {
		return err
	}

	compensated := make(map[string]bool, len(audits))
	for _, a := range audits {
		if strings.HasPrefix(a.StepName, compensationPrefix) {
			compensated[strings.TrimPrefix(a.StepName, compensationPrefix)] = true
		}
	}

	for i := len(audits) - 1; i >= 0; i-- {
		a := audits[i]
		if strings.HasPrefix(a.StepName, compensationPrefix) {
			continue
		}
		if a.ReplyOutcome != cmdbus.OutcomeSuccess {
			continue
		}
		if compensated[a.StepName] {
			continue
		}
		compStep, ok := typ.GetCompensationStep(a.StepName)
		if !ok {
			compensated[a.StepName] = true
			continue
		}
		return m.executeStepAudit(ctx, proc, typ, compStep, compensationAuditName(a.StepName))
	}

	now := time.Now()
	proc.Status = cmdbus.ProcessStatusCompensated
	proc.CompletedAt = &now
	proc.UpdatedAt = now
	return m.processes.Update(ctx, *proc)
}
