// Package errors provides error codes shared by the queue, scheduler and
// presentation layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a stable error code exposed to the presentation layer.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage        ErrorCode = "STORAGE_ERROR"
	ErrMigration      ErrorCode = "MIGRATION_FAILED"
	ErrQueuePersist   ErrorCode = "QUEUE_PERSIST_FAILED"
	ErrQueueCorrupted ErrorCode = "QUEUE_CORRUPTED"

	// Queue item errors
	ErrRecordNotFound   ErrorCode = "RECORD_NOT_FOUND"
	ErrPhotoNotFound    ErrorCode = "PHOTO_NOT_FOUND"
	ErrPhotoFileMissing ErrorCode = "PHOTO_FILE_MISSING"
	ErrInvalidState     ErrorCode = "INVALID_STATE"

	// Sync errors
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncOffline    ErrorCode = "SYNC_OFFLINE"
	ErrSyncFailed     ErrorCode = "SYNC_FAILED"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"

	// Backend errors
	ErrBackendRejected    ErrorCode = "BACKEND_REJECTED"
	ErrBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"

	// Configuration errors
	ErrConfig ErrorCode = "CONFIG_INVALID"
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

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
