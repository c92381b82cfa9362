package cmdbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ErrorInfo is the last-error triplet stored on a Command and echoed into
// audit details and reply bodies.
type ErrorInfo struct {
	Kind    string `json:"kind,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Command is the durable metadata row backing a unit of work. Its
// identity is (Domain, CommandID); CommandID is a client-supplied
// idempotency key. The command's payload never lives on this row — it
// lives in the queue body, or in a PayloadArchive row once the command
// reaches the Troubleshooting Queue.
//
// Command values returned by a CommandRepository are snapshots; state
// transitions must go through the repository's stored-procedure-backed
// methods, never by mutating a Command in place and writing it back.
type Command struct {
	Domain         string
	CommandID      uuid.UUID
	CommandType    string
	Status         Status
	Attempts       uint32
	MaxAttempts    uint32
	QueueMessageID *int64
	CorrelationID  uuid.UUID
	ReplyQueue     string
	BatchID        *uuid.UUID
	LastError      ErrorInfo
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// AuditEntry is an append-only record of a status transition or operator
// action taken against a Command. The audit log is never garbage
// collected by the core.
type AuditEntry struct {
	Domain    string
	CommandID uuid.UUID
	EventType EventType
	Timestamp time.Time
	Details   map[string]any
}

// CommandMessage is the JSON wire format of a queued command body, per
// the external interface contract: the queue body carries everything a
// worker needs to resolve and dispatch a handler without a prior lookup.
type CommandMessage struct {
	CommandID     uuid.UUID `json:"command_id"`
	Type          string    `json:"type"`
	Domain        string    `json:"domain"`
	CorrelationID *uuid.UUID `json:"correlation_id,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Data          json.RawMessage `json:"data"`
}

// ReplyMessage is the JSON wire format published to a reply queue when a
// command carrying a non-empty ReplyQueue reaches a terminal outcome.
type ReplyMessage struct {
	CommandID     uuid.UUID  `json:"command_id"`
	CorrelationID *uuid.UUID `json:"correlation_id,omitempty"`
	Domain        string     `json:"domain"`
	Type          string     `json:"type"`
	Outcome       Outcome    `json:"outcome"`
	CompletedAt   time.Time       `json:"completed_at"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         *ErrorInfo      `json:"error,omitempty"`
}

// QueueName returns the canonical command-queue name for a domain:
// "<domain>__commands". Double underscore is the canonical separator;
// dots are never used.
func QueueName(domain string) string {
	return domain + "__commands"
}

// ReplyQueueName returns the canonical shared reply-queue name for a
// domain: "<domain>__replies".
func ReplyQueueName(domain string) string {
	return domain + "__replies"
}

// ProcessReplyQueueName returns the canonical process-reply queue name
// for a domain: "<domain>__process_replies".
func ProcessReplyQueueName(domain string) string {
	return domain + "__process_replies"
}

// NotifyChannel returns the LISTEN/NOTIFY channel name associated with a
// queue: "<queue_name>_notify".
func NotifyChannel(queueName string) string {
	return queueName + "_notify"
}
