package cmdbus

import (
	"errors"
	"fmt"
)

var (
	// ErrDoubleStarted is returned when Start is called on a Worker or
	// PayloadSweeper that has already been started.
	ErrDoubleStarted = errors.New("cmdbus: double start")

	// ErrDoubleStopped is returned when Stop is called on a component that
	// is not currently running.
	ErrDoubleStopped = errors.New("cmdbus: double stop")

	// ErrStopTimeout is returned when a component fails to shut down within
	// the provided grace period during Stop. The component may still be
	// terminating in the background.
	ErrStopTimeout = errors.New("cmdbus: stop timeout")

	// ErrDuplicateCommand is returned by Bus.Send when a command with the
	// same (domain, command_id) already exists. No queue message is
	// produced and the caller's transaction, if any, must roll back.
	ErrDuplicateCommand = errors.New("cmdbus: duplicate command")

	// ErrCommandNotFound indicates that no command matches the requested
	// (domain, command_id).
	ErrCommandNotFound = errors.New("cmdbus: command not found")

	// ErrBatchNotFound indicates that no batch matches the requested
	// (domain, batch_id).
	ErrBatchNotFound = errors.New("cmdbus: batch not found")

	// ErrProcessNotFound indicates that no process matches the requested
	// (domain, process_id).
	ErrProcessNotFound = errors.New("cmdbus: process not found")

	// ErrQueueUnavailable names an unreachable queue extension. Bus and
	// Worker do not return it: a failed queue call surfaces the Queue
	// implementation's own error unchanged.
	ErrQueueUnavailable = errors.New("cmdbus: queue unavailable")

	// ErrAlreadyTerminal is returned by TSQ operations when the targeted
	// command is not in IN_TROUBLESHOOTING_QUEUE.
	ErrAlreadyTerminal = errors.New("cmdbus: command already terminal")

	// ErrNoHandler names the case where a worker cannot resolve a handler
	// for a command's (domain, command_type). Worker does not return it;
	// it moves such a command to the Troubleshooting Queue as a
	// PermanentError with code NO_HANDLER.
	ErrNoHandler = errors.New("cmdbus: no handler registered")

	// ErrMessageNotFound is returned by Queue.Delete, Queue.Archive and
	// Queue.SetVisibility when the targeted message id is no longer
	// present on the queue, e.g. it was already acknowledged by a prior,
	// now-redelivered attempt.
	ErrMessageNotFound = errors.New("cmdbus: queue message not found")
)

// TransientError signals that a handler invocation failed but a further
// attempt may succeed. The worker retries up to the command's
// max_attempts using the configured BackoffSchedule.
type TransientError struct {
	Code    string
	Message string
	Details any
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error %s: %s", e.Code, e.Message)
}

// NewTransientError builds a TransientError with optional details.
func NewTransientError(code, message string, details any) *TransientError {
	return &TransientError{Code: code, Message: message, Details: details}
}

// PermanentError signals that a handler invocation cannot succeed without
// human intervention. The worker moves the command to
// IN_TROUBLESHOOTING_QUEUE on first occurrence, regardless of remaining
// attempts.
type PermanentError struct {
	Code    string
	Message string
	Details any
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error %s: %s", e.Code, e.Message)
}

// NewPermanentError builds a PermanentError with optional details.
func NewPermanentError(code, message string, details any) *PermanentError {
	return &PermanentError{Code: code, Message: message, Details: details}
}

// BusinessRuleError signals a domain invariant violation that is neither
// retryable nor operable. The command moves straight to terminal FAILED;
// it never reaches the Troubleshooting Queue.
type BusinessRuleError struct {
	Code    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("business rule violation %s: %s", e.Code, e.Message)
}

// NewBusinessRuleError builds a BusinessRuleError.
func NewBusinessRuleError(code, message string) *BusinessRuleError {
	return &BusinessRuleError{Code: code, Message: message}
}

// classify maps a handler error to the three dispatch paths the worker
// understands. An error that matches none of the known kinds is treated
// as transient, per the default in the error handling contract.
func classify(err error) (transient *TransientError, permanent *PermanentError, business *BusinessRuleError) {
	var t *TransientError
	var p *PermanentError
	var b *BusinessRuleError
	switch {
	case errors.As(err, &t):
		return t, nil, nil
	case errors.As(err, &p):
		return nil, p, nil
	case errors.As(err, &b):
		return nil, nil, b
	default:
		return NewTransientError("UNCLASSIFIED", err.Error(), nil), nil, nil
	}
}
