package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation  ErrorCategory = "validation"     // Malformed input, rejected before any side effect
	ErrCatLockTimeout ErrorCategory = "lock_timeout"   // Resource held past the wait budget
	ErrCatConflict    ErrorCategory = "conflict"       // Resource already exists or is held
	ErrCatNotFound    ErrorCategory = "not_found"      // Expected state or entity missing
	ErrCatSecurity    ErrorCategory = "security"       // Path traversal or disallowed directory
	ErrCatHook        ErrorCategory = "hook_execution" // Hook script failed or timed out
	ErrCatState       ErrorCategory = "state"          // Invalid transition or corrupt document
	ErrCatEscalation  ErrorCategory = "escalation"     // Needs a human decision (retry budget exhausted)
	ErrCatInternal    ErrorCategory = "internal"       // Unexpected internal error
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
		Category: ErrCatValidation,
		Code:     code,
		Message:  message,
	}
}

// ErrLockTimeout creates an error for a lock that could not be obtained in time.
// The orchestrator may retry; the engine never does.
func ErrLockTimeout(path string, waited time.Duration) *DomainError {
	return &DomainError{
		Category:  ErrCatLockTimeout,
		Code:      CodeLockTimeout,
		Message:   fmt.Sprintf("could not acquire lock on %s within %s", path, waited),
		Retryable: true,
		Details: map[string]interface{}{
			"lock_path": path,
			"waited":    waited.String(),
		},
	}
}

// ErrConflict creates a conflict error.
func ErrConflict(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatConflict,
		Code:     code,
		Message:  message,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// ErrSecurity creates a security violation. These are always fatal.
func ErrSecurity(code, message, path string) *DomainError {
	return &DomainError{
		Category: ErrCatSecurity,
		Code:     code,
		Message:  message,
		Details: map[string]interface{}{
			"path": path,
		},
	}
}

// ErrHookExecution creates a hook execution error.
func ErrHookExecution(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatHook,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrState creates a state error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     code,
		Message:  message,
	}
}

// ErrEscalation creates an error that must be resolved by a human approval gate.
func ErrEscalation(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatEscalation,
		Code:     code,
		Message:  message,
	}
}

// IsRetryable checks if an error is retryable by the external orchestrator.
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

// Process exit codes shared by every CLI entry point.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitUsage    = 2
	ExitConflict = 3
)

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch GetCategory(err) {
	case ErrCatLockTimeout, ErrCatConflict:
		return ExitConflict
	default:
		return ExitError
	}
}

// Predefined error codes
const (
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidJSON       = "INVALID_JSON"
	CodeInvalidID         = "INVALID_ID"
	CodeInvalidPhase      = "INVALID_PHASE"
	CodeInvalidStatus     = "INVALID_STATUS"
	CodeInvalidEvent      = "INVALID_EVENT"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodePhaseOutOfOrder   = "PHASE_OUT_OF_ORDER"
	CodeRunTerminal       = "RUN_TERMINAL"
	CodeRunExists         = "RUN_EXISTS"
	CodeEntityExists      = "ENTITY_EXISTS"
	CodeRetryLimit        = "RETRY_LIMIT_EXCEEDED"
	CodeStateCorrupted    = "STATE_CORRUPTED"
	CodeProjection        = "PROJECTION_NOT_FOUND"
	CodeInvalidLimit      = "INVALID_LIMIT"

	// Lock codes
	CodeLockTimeout     = "LOCK_TIMEOUT"
	CodeLockHeld        = "LOCK_HELD"
	CodeLockNotOwned    = "LOCK_NOT_OWNED"
	CodeLockStateFailed = "LOCK_IO_FAILED"

	// Hook codes
	CodeInvalidHook     = "INVALID_HOOK"
	CodePathTraversal   = "PATH_TRAVERSAL"
	CodePathNotAllowed  = "PATH_NOT_ALLOWED"
	CodeHookTimeout     = "HOOK_TIMEOUT"
	CodeHookFailed      = "HOOK_FAILED"
	CodeHookStartFailed = "HOOK_START_FAILED"
)
