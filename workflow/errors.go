package workflow

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType names a class in the execution error taxonomy.
type ErrorType string

const (
	// ErrorTypeValidation is bad input. Never retried; fails the execution.
	ErrorTypeValidation ErrorType = "ValidationError"
	// ErrorTypeTransient is retried and downgraded to a failed action on exhaustion.
	ErrorTypeTransient ErrorType = "TransientError"
	// ErrorTypePermanent is a generation rejection. Not retried.
	ErrorTypePermanent ErrorType = "PermanentError"
	// ErrorTypeGetActions is a context read failure. Fails the execution.
	ErrorTypeGetActions ErrorType = "GetActionsError"
	// ErrorTypePersistenceWrite is a task save failure for one action.
	ErrorTypePersistenceWrite ErrorType = "PersistenceWriteError"
	// ErrorTypeTimeout is the wall-clock budget being exceeded.
	ErrorTypeTimeout ErrorType = "TimeoutError"
	// ErrorTypeCancelled is an abort requested by the caller.
	ErrorTypeCancelled ErrorType = "CancelledError"
	// ErrorTypeInternal covers anything unclassified.
	ErrorTypeInternal ErrorType = "InternalError"
)

// Action-level error codes recorded in ActionError.Code.
const (
	CodeTransientExhausted = "TRANSIENT_EXHAUSTED"
	CodePermanent          = "PERMANENT_ERROR"
	CodePersistenceWrite   = "PERSISTENCE_WRITE_ERROR"
	CodeContextMissing     = "CONTEXT_MISSING"
	CodeAborted            = "ABORTED"
	CodeInternal           = "INTERNAL_ERROR"
)

// Error is a typed execution error. Every class in the taxonomy is an *Error
// carrying its ErrorType so callers can branch with errors.As.
type Error struct {
	kind ErrorType
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Type returns the taxonomy class.
func (e *Error) Type() ErrorType {
	return e.kind
}

func newError(kind ErrorType, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{kind: kind, err: err}
}

// NewValidationError wraps err as a ValidationError.
func NewValidationError(err error) error { return newError(ErrorTypeValidation, err) }

// NewTransientError wraps err as a TransientError.
func NewTransientError(err error) error { return newError(ErrorTypeTransient, err) }

// NewPermanentError wraps err as a PermanentError.
func NewPermanentError(err error) error { return newError(ErrorTypePermanent, err) }

// NewGetActionsError wraps err as a GetActionsError.
func NewGetActionsError(err error) error { return newError(ErrorTypeGetActions, err) }

// NewPersistenceWriteError wraps err as a PersistenceWriteError.
func NewPersistenceWriteError(err error) error { return newError(ErrorTypePersistenceWrite, err) }

// NewTimeoutError wraps err as a TimeoutError.
func NewTimeoutError(err error) error { return newError(ErrorTypeTimeout, err) }

// Validationf formats a ValidationError.
func Validationf(format string, args ...any) error {
	return NewValidationError(fmt.Errorf(format, args...))
}

// ClassifyError returns the taxonomy class of err. Deadline expiry is a
// timeout and cancellation an abort wherever they surface; anything else
// untyped is internal.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCancelled
	}
	return ErrorTypeInternal
}

// IsType reports whether err belongs to the given class.
func IsType(err error, kind ErrorType) bool {
	return err != nil && ClassifyError(err) == kind
}

// ErrorInfo is the serializable error record handed to HandleError.
type ErrorInfo struct {
	ErrorType   ErrorType `json:"error_type"`
	Error       string    `json:"error"`
	GoalID      string    `json:"goal_id"`
	ExecutionID string    `json:"execution_id"`
	State       StateName `json:"state,omitempty"`
}
