package cmdbus

import "fmt"

// Status represents the current lifecycle state of a Command.
//
// The state machine is:
//
//	PENDING                  -> IN_PROGRESS
//	IN_PROGRESS              -> COMPLETED
//	IN_PROGRESS              -> IN_PROGRESS (transient retry)
//	IN_PROGRESS              -> IN_TROUBLESHOOTING_QUEUE
//	IN_PROGRESS              -> FAILED
//	IN_TROUBLESHOOTING_QUEUE -> PENDING   (operator retry)
//	IN_TROUBLESHOOTING_QUEUE -> COMPLETED (operator complete)
//	IN_TROUBLESHOOTING_QUEUE -> CANCELED  (operator cancel)
//
// Unknown is reserved as the zero value and may be used to indicate an
// unspecified status in filtering contexts.
type Status uint8

const (
	// StatusUnknown represents an unspecified or invalid status. It is
	// the zero value of Status.
	StatusUnknown Status = iota

	// StatusPending indicates the command is queued and has not yet been
	// leased by a worker.
	StatusPending

	// StatusInProgress indicates the command has been leased and is
	// either being handled or awaiting its next retry attempt.
	StatusInProgress

	// StatusCompleted is terminal: the handler succeeded.
	StatusCompleted

	// StatusCanceled is terminal: an operator canceled the command from
	// the Troubleshooting Queue.
	StatusCanceled

	// StatusInTroubleshootingQueue indicates the command's handler
	// raised a PermanentError, or a TransientError with no attempts
	// remaining, and now awaits operator action.
	StatusInTroubleshootingQueue

	// StatusFailed is terminal: the handler raised a BusinessRuleError.
	// No operator action is available.
	StatusFailed
)

// IsTerminal reports whether s admits no further transitions except
// operator-retry out of the Troubleshooting Queue.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFailed:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCanceled:
		return "CANCELED"
	case StatusInTroubleshootingQueue:
		return "IN_TROUBLESHOOTING_QUEUE"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus converts a canonical status name into a Status value.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "PENDING":
		return StatusPending, nil
	case "IN_PROGRESS":
		return StatusInProgress, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "CANCELED":
		return StatusCanceled, nil
	case "IN_TROUBLESHOOTING_QUEUE":
		return StatusInTroubleshootingQueue, nil
	case "FAILED":
		return StatusFailed, nil
	case "UNKNOWN":
		return StatusUnknown, nil
	default:
		return 0, fmt.Errorf("cmdbus: unknown status: %s", s)
	}
}

// MarshalText implements encoding.TextMarshaler using the canonical name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	v, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// BatchStatus represents the aggregate lifecycle of a Batch.
type BatchStatus uint8

const (
	BatchStatusUnknown BatchStatus = iota
	BatchStatusPending
	BatchStatusInProgress
	BatchStatusCompleted
	BatchStatusCompletedWithFailures
)

func (s BatchStatus) String() string {
	switch s {
	case BatchStatusPending:
		return "PENDING"
	case BatchStatusInProgress:
		return "IN_PROGRESS"
	case BatchStatusCompleted:
		return "COMPLETED"
	case BatchStatusCompletedWithFailures:
		return "COMPLETED_WITH_FAILURES"
	default:
		return "UNKNOWN"
	}
}

// BatchType distinguishes a batch of independent commands from a batch of
// processes, whose stats are counted from the processes' own statuses.
type BatchType uint8

const (
	BatchTypeUnknown BatchType = iota
	BatchTypeCommand
	BatchTypeProcess
)

func (t BatchType) String() string {
	switch t {
	case BatchTypeCommand:
		return "COMMAND"
	case BatchTypeProcess:
		return "PROCESS"
	default:
		return "UNKNOWN"
	}
}

// ProcessStatus represents the lifecycle of a multi-step Process.
type ProcessStatus uint8

const (
	ProcessStatusUnknown ProcessStatus = iota
	ProcessStatusPending
	ProcessStatusInProgress
	ProcessStatusWaitingForReply
	ProcessStatusWaitingForTSQ
	ProcessStatusCompensating
	ProcessStatusCompleted
	ProcessStatusCompensated
	ProcessStatusFailed
	ProcessStatusCanceled
)

func (s ProcessStatus) String() string {
	switch s {
	case ProcessStatusPending:
		return "PENDING"
	case ProcessStatusInProgress:
		return "IN_PROGRESS"
	case ProcessStatusWaitingForReply:
		return "WAITING_FOR_REPLY"
	case ProcessStatusWaitingForTSQ:
		return "WAITING_FOR_TSQ"
	case ProcessStatusCompensating:
		return "COMPENSATING"
	case ProcessStatusCompleted:
		return "COMPLETED"
	case ProcessStatusCompensated:
		return "COMPENSATED"
	case ProcessStatusFailed:
		return "FAILED"
	case ProcessStatusCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s admits no further process transitions.
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case ProcessStatusCompleted, ProcessStatusCompensated, ProcessStatusFailed, ProcessStatusCanceled:
		return true
	default:
		return false
	}
}

// EventType enumerates the audit events appended to a command's history.
type EventType string

const (
	EventSent                  EventType = "SENT"
	EventReceived               EventType = "RECEIVED"
	EventCompleted              EventType = "COMPLETED"
	EventCanceled               EventType = "CANCELED"
	EventFailed                 EventType = "FAILED"
	EventMovedToTroubleshooting EventType = "MOVED_TO_TROUBLESHOOTING"
	EventOperatorRetry          EventType = "OPERATOR_RETRY"
	EventOperatorCancel         EventType = "OPERATOR_CANCEL"
	EventOperatorComplete       EventType = "OPERATOR_COMPLETE"
	EventBatchStarted           EventType = "BATCH_STARTED"
	EventBatchCompleted         EventType = "BATCH_COMPLETED"
)

// Outcome is the terminal result carried by a reply message.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeCanceled Outcome = "CANCELED"
	OutcomeFailed   Outcome = "FAILED"
)
