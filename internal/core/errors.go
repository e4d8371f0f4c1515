package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatExecution  ErrorCategory = "execution"  // Runtime failure
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatRateLimit  ErrorCategory = "rate_limit" // Submission throttled
	ErrCatState      ErrorCategory = "state"      // State corruption/conflict
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatConflict   ErrorCategory = "conflict"   // Concurrent modification
	ErrCatCancelled  ErrorCategory = "cancelled"  // Cooperative cancellation
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// Storage sentinels. Backends translate their native "missing" and
// "precondition" conditions into these so callers can use errors.Is.
var (
	ErrObjectNotFound     = errors.New("object not found")
	ErrObjectExists       = errors.New("object already exists")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrVersioningRequired = errors.New("store does not support conditional writes")
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrExecution creates an execution error.
func ErrExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeTimeout,
		Message:   message,
		Retryable: true,
	}
}

// ErrRateLimit creates a submission throttling error.
func ErrRateLimit(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatRateLimit,
		Code:      CodeSessionRateLimited,
		Message:   message,
		Retryable: false,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatState,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrConflict creates a concurrent modification error.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatConflict,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrCancelled creates a cancellation error.
func ErrCancelled(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatCancelled,
		Code:      CodeCancelled,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      CodeNotFound,
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrToolExit creates the error surfaced when a diagnostic tool exits non-zero.
func ErrToolExit(command string, exitCode int, stderr string) *DomainError {
	msg := fmt.Sprintf("%s exited with code %d", command, exitCode)
	if stderr != "" {
		msg += ": " + stderr
	}
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      CodeToolExitCode,
		Message:   msg,
		Retryable: false,
		Details: map[string]interface{}{
			"exit_code": exitCode,
		},
	}
}

// ErrNoOutput creates the error surfaced when a tool produced only sentinel files.
func ErrNoOutput(tool, payload string) *DomainError {
	msg := fmt.Sprintf("%s did not produce any diagnostic output", tool)
	if payload != "" {
		msg += ": " + payload
	}
	return &DomainError{
		Category:  ErrCatExecution,
		Code:      CodeToolNoOutput,
		Message:   msg,
		Retryable: false,
		Details: map[string]interface{}{
			"payload": payload,
		},
	}
}

// ErrLockTimeout is returned when a session lock could not be taken within
// the retry budget. The pending mutation was not applied.
func ErrLockTimeout(sessionID string, attempts int) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      CodeLockTimeout,
		Message:   fmt.Sprintf("session %s lock not acquired after %d attempts", sessionID, attempts),
		Retryable: true,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// HasCode reports whether err is a DomainError carrying code.
func HasCode(err error, code string) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code == code
	}
	return false
}

// Predefined error codes
const (
	CodeNotFound             = "NOT_FOUND"
	CodeTimeout              = "TIMEOUT"
	CodeCancelled            = "CANCELLED"
	CodeInvalidSession       = "INVALID_SESSION"
	CodeNoInstances          = "NO_INSTANCES"
	CodeUnknownDiagnoser     = "UNKNOWN_DIAGNOSER"
	CodeInvalidMode          = "INVALID_MODE"
	CodeSessionRateLimited   = "SESSION_RATE_LIMITED"
	CodeSessionAlreadyActive = "SESSION_ALREADY_ACTIVE"
	CodeSessionNotActive     = "SESSION_NOT_ACTIVE"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeLockTimeout          = "LOCK_TIMEOUT"
	CodeLeaseHeld            = "LEASE_HELD"
	CodeLeaseLost            = "LEASE_LOST"
	CodePreValidationFailed  = "PREVALIDATION_FAILED"
	CodeToolNoOutput         = "TOOL_NO_OUTPUT"
	CodeToolExitCode         = "TOOL_EXIT_CODE"
	CodeToolStartFailed      = "TOOL_START_FAILED"
	CodeInvalidConfig        = "INVALID_CONFIG"
)
