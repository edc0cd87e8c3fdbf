// Package errors provides error code definitions for the fieldsync engine.
package errors

import "fmt"

// ErrorCode represents a unique error code surfaced to the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Network errors
	ErrNetwork ErrorCode = "NETWORK_ERROR"
	ErrTimeout ErrorCode = "NETWORK_TIMEOUT"
	ErrOffline ErrorCode = "DEVICE_OFFLINE"
	ErrRemote  ErrorCode = "REMOTE_ERROR"

	// Sync errors
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrQueueFull      ErrorCode = "QUEUE_FULL"
	ErrOpNotFound     ErrorCode = "OPERATION_NOT_FOUND"
	ErrRetryExhausted ErrorCode = "RETRY_EXHAUSTED"

	// Cache errors
	ErrCacheWrite ErrorCode = "CACHE_WRITE_FAILED"
	ErrCachePatch ErrorCode = "CACHE_PATCH_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error is of a specific code.
func Is(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}

// Transient reports whether the error is worth retrying during a later
// drain pass. Semantic failures (validation, conflict, not found) need
// user action and retrying them would never succeed.
func Transient(err error) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return true
	}
	switch appErr.Code {
	case ErrValidation, ErrSyncConflict, ErrNotFound, ErrInvalid:
		return false
	default:
		return true
	}
}
