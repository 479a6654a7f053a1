package pgguard

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds reported by ErrorKind and QueryOutput.ErrorKind.
const (
	KindValidation   = "validation"
	KindSafety       = "safety"
	KindExecution    = "execution"
	KindConfirmation = "confirmation"
	KindInternal     = "internal"
)

// ValidationError means the SQL text could not be turned into a valid batch:
// blank or oversized input, lexer failures, unbalanced transaction control,
// or statements that cannot be combined. Nothing was executed.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return e.Err }

// SafetyError means the batch was valid but refused by the safety policy or
// a review hook. Nothing was executed.
type SafetyError struct {
	Message string
	Risk    RiskLevel
	Mode    Mode
	Err     error
}

func (e *SafetyError) Error() string { return e.Message }
func (e *SafetyError) Unwrap() error { return e.Err }

// ExecutionError carries the database error of an accepted batch unchanged.
type ExecutionError struct {
	Message string
	Err     error
}

func (e *ExecutionError) Error() string { return e.Message }
func (e *ExecutionError) Unwrap() error { return e.Err }

// ConfirmationRequiredError means the batch passed the safety policy but its
// risk needs a user's approval first. Nothing was executed; the batch runs
// when ID is passed to ConfirmOperation before ExpiresAt.
type ConfirmationRequiredError struct {
	ID        string
	Risk      RiskLevel
	ExpiresAt time.Time
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("%s risk operation requires explicit user confirmation. "+
		"Explain the risk to the user; once they approve, call confirm_destructive_operation "+
		"with confirmation_id %q and user_confirmation true before %s.",
		e.Risk, e.ID, e.ExpiresAt.UTC().Format(time.RFC3339))
}

func newValidationError(err error) *ValidationError {
	return &ValidationError{Message: err.Error(), Err: err}
}

func newExecutionError(err error) *ExecutionError {
	return &ExecutionError{Message: err.Error(), Err: err}
}

// ErrorKind classifies err as one of the Kind constants. Nil returns "".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	var se *SafetyError
	var ee *ExecutionError
	var ce *ConfirmationRequiredError
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &se):
		return KindSafety
	case errors.As(err, &ee):
		return KindExecution
	case errors.As(err, &ce):
		return KindConfirmation
	default:
		return KindInternal
	}
}
