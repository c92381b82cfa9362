// Package sqlstore is the PostgreSQL-backed implementation of
// cmdbus.CommandRepository, cmdbus.BatchRepository, cmdbus.ProcessRepository,
// cmdbus.CommandObserver and cmdbus.PayloadCleaner, built on
// github.com/uptrace/bun against the "commandbus" schema. It also embeds
// the schema SQL and applies it idempotently via Migrate; the stored
// procedures' logic lives in the repository methods as Go code.
//
// Every repository method accepts the executor it should run against by
// pulling it from ctx (see internal/dbctx); callers that want
// several calls to share one transaction wrap them in a TxManager's
// WithinTx rather than passing a *bun.Tx explicitly, mirroring bun's own
// bun.IDB abstraction over *bun.DB and *bun.Tx.
package sqlstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/cmdbus/cmdbus"
)

type commandModel struct {
	bun.BaseModel `bun:"table:commandbus.command"`

	Domain        string     `bun:"domain,pk"`
	CommandID     uuid.UUID  `bun:"command_id,pk,type:uuid"`
	CommandType   string     `bun:"command_type,notnull"`
	Status        uint8      `bun:"status,notnull,default:1"`
	Attempts      uint32     `bun:"attempts,notnull,default:0"`
	MaxAttempts   uint32     `bun:"max_attempts,notnull"`
	QueueMsgID    *int64     `bun:"queue_msg_id"`
	CorrelationID uuid.UUID  `bun:"correlation_id,type:uuid,nullzero"`
	ReplyQueue    string     `bun:"reply_queue"`
	BatchID       *uuid.UUID `bun:"batch_id,type:uuid"`
	ErrorKind     string     `bun:"last_error_kind"`
	ErrorCode     string     `bun:"last_error_code"`
	ErrorMessage  string     `bun:"last_error_message"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	CompletedAt   *time.Time `bun:"completed_at"`
}

func (m *commandModel) toCommand() cmdbus.Command {
	return cmdbus.Command{
		Domain:         m.Domain,
		CommandID:      m.CommandID,
		CommandType:    m.CommandType,
		Status:         cmdbus.Status(m.Status),
		Attempts:       m.Attempts,
		MaxAttempts:    m.MaxAttempts,
		QueueMessageID: m.QueueMsgID,
		CorrelationID:  m.CorrelationID,
		ReplyQueue:     m.ReplyQueue,
		BatchID:        m.BatchID,
		LastError: cmdbus.ErrorInfo{
			Kind:    m.ErrorKind,
			Code:    m.ErrorCode,
			Message: m.ErrorMessage,
		},
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CompletedAt: m.CompletedAt,
	}
}

func fromCommand(cmd cmdbus.Command) *commandModel {
	return &commandModel{
		Domain:        cmd.Domain,
		CommandID:     cmd.CommandID,
		CommandType:   cmd.CommandType,
		Status:        uint8(cmd.Status),
		Attempts:      cmd.Attempts,
		MaxAttempts:   cmd.MaxAttempts,
		QueueMsgID:    cmd.QueueMessageID,
		CorrelationID: cmd.CorrelationID,
		ReplyQueue:    cmd.ReplyQueue,
		BatchID:       cmd.BatchID,
		ErrorKind:     cmd.LastError.Kind,
		ErrorCode:     cmd.LastError.Code,
		ErrorMessage:  cmd.LastError.Message,
		CreatedAt:     cmd.CreatedAt,
		UpdatedAt:     cmd.UpdatedAt,
		CompletedAt:   cmd.CompletedAt,
	}
}

type auditModel struct {
	bun.BaseModel `bun:"table:commandbus.audit"`

	ID        int64          `bun:"id,pk,autoincrement"`
	Domain    string         `bun:"domain,notnull"`
	CommandID uuid.UUID      `bun:"command_id,type:uuid,notnull"`
	EventType string         `bun:"event_type,notnull"`
	Timestamp time.Time      `bun:"ts,nullzero,notnull,default:current_timestamp"`
	Details   map[string]any `bun:"details,type:jsonb"`
}

type batchModel struct {
	bun.BaseModel `bun:"table:commandbus.batch"`

	Domain            string     `bun:"domain,pk"`
	BatchID           uuid.UUID  `bun:"batch_id,pk,type:uuid"`
	Name              string     `bun:"name"`
	Type              uint8      `bun:"batch_type,notnull,default:1"`
	Status            uint8      `bun:"status,notnull,default:1"`
	TotalCount        int        `bun:"total_count,notnull"`
	Completed         int        `bun:"completed,notnull,default:0"`
	Canceled          int        `bun:"canceled,notnull,default:0"`
	Failed            int        `bun:"failed,notnull,default:0"`
	InTroubleshooting int        `bun:"in_troubleshooting,notnull,default:0"`
	CreatedAt         time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt         time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	CompletedAt       *time.Time `bun:"completed_at"`
}

func (m *batchModel) toBatch() cmdbus.Batch {
	return cmdbus.Batch{
		Domain:            m.Domain,
		BatchID:           m.BatchID,
		Name:              m.Name,
		Type:              cmdbus.BatchType(m.Type),
		Status:            cmdbus.BatchStatus(m.Status),
		TotalCount:        m.TotalCount,
		Completed:         m.Completed,
		Canceled:          m.Canceled,
		Failed:            m.Failed,
		InTroubleshooting: m.InTroubleshooting,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		CompletedAt:       m.CompletedAt,
	}
}

func fromBatch(b cmdbus.Batch) *batchModel {
	return &batchModel{
		Domain:            b.Domain,
		BatchID:           b.BatchID,
		Name:              b.Name,
		Type:              uint8(b.Type),
		Status:            uint8(b.Status),
		TotalCount:        b.TotalCount,
		Completed:         b.Completed,
		Canceled:          b.Canceled,
		Failed:            b.Failed,
		InTroubleshooting: b.InTroubleshooting,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
		CompletedAt:       b.CompletedAt,
	}
}

type processModel struct {
	bun.BaseModel `bun:"table:commandbus.process"`

	Domain       string     `bun:"domain,pk"`
	ProcessID    uuid.UUID  `bun:"process_id,pk,type:uuid"`
	ProcessType  string     `bun:"process_type,notnull"`
	Status       uint8      `bun:"status,notnull,default:1"`
	CurrentStep  string     `bun:"current_step"`
	State        []byte     `bun:"state,type:jsonb"`
	BatchID      *uuid.UUID `bun:"batch_id,type:uuid"`
	ErrorKind    string     `bun:"last_error_kind"`
	ErrorCode    string     `bun:"last_error_code"`
	ErrorMessage string     `bun:"last_error_message"`
	CreatedAt    time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	CompletedAt  *time.Time `bun:"completed_at"`
}

func (m *processModel) toProcess() cmdbus.Process {
	return cmdbus.Process{
		Domain:      m.Domain,
		ProcessID:   m.ProcessID,
		ProcessType: m.ProcessType,
		Status:      cmdbus.ProcessStatus(m.Status),
		CurrentStep: m.CurrentStep,
		State:       m.State,
		BatchID:     m.BatchID,
		LastError: cmdbus.ErrorInfo{
			Kind:    m.ErrorKind,
			Code:    m.ErrorCode,
			Message: m.ErrorMessage,
		},
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CompletedAt: m.CompletedAt,
	}
}

func fromProcess(p cmdbus.Process) *processModel {
	return &processModel{
		Domain:       p.Domain,
		ProcessID:    p.ProcessID,
		ProcessType:  p.ProcessType,
		Status:       uint8(p.Status),
		CurrentStep:  p.CurrentStep,
		State:        p.State,
		BatchID:      p.BatchID,
		ErrorKind:    p.LastError.Kind,
		ErrorCode:    p.LastError.Code,
		ErrorMessage: p.LastError.Message,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
		CompletedAt:  p.CompletedAt,
	}
}

type processAuditModel struct {
	bun.BaseModel `bun:"table:commandbus.process_audit"`

	ID           int64      `bun:"id,pk,autoincrement"`
	Domain       string     `bun:"domain,notnull"`
	ProcessID    uuid.UUID  `bun:"process_id,type:uuid,notnull"`
	StepName     string     `bun:"step_name,notnull"`
	CommandID    uuid.UUID  `bun:"command_id,type:uuid,notnull"`
	CommandType  string     `bun:"command_type,notnull"`
	CommandData  []byte     `bun:"command_data,type:jsonb"`
	SentAt       time.Time  `bun:"sent_at,nullzero,notnull,default:current_timestamp"`
	ReplyOutcome string     `bun:"reply_outcome"`
	ReplyData    []byte     `bun:"reply_data,type:jsonb"`
	ReceivedAt   *time.Time `bun:"received_at"`
}

func (m *processAuditModel) toProcessAudit() cmdbus.ProcessAudit {
	return cmdbus.ProcessAudit{
		Domain:       m.Domain,
		ProcessID:    m.ProcessID,
		StepName:     m.StepName,
		CommandID:    m.CommandID,
		CommandType:  m.CommandType,
		CommandData:  m.CommandData,
		SentAt:       m.SentAt,
		ReplyOutcome: cmdbus.Outcome(m.ReplyOutcome),
		ReplyData:    m.ReplyData,
		ReceivedAt:   m.ReceivedAt,
	}
}

type payloadArchiveModel struct {
	bun.BaseModel `bun:"table:commandbus.payload_archive"`

	Domain    string    `bun:"domain,pk"`
	CommandID uuid.UUID `bun:"command_id,pk,type:uuid"`
	Body      []byte    `bun:"body,type:bytea,notnull"`
	ArchivedAt time.Time `bun:"archived_at,nullzero,notnull,default:current_timestamp"`
}
