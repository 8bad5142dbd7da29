// Package errors provides coded application errors for the sync core.
package errors

import "fmt"

// ErrorCode identifies an error class across package boundaries.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrDuplicate  ErrorCode = "DUPLICATE"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase     ErrorCode = "DATABASE_ERROR"
	ErrMigration    ErrorCode = "MIGRATION_FAILED"
	ErrMigrationGap ErrorCode = "MIGRATION_GAP"
	ErrConstraint   ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrSyncInProgress ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncTransport  ErrorCode = "SYNC_TRANSPORT"
	ErrSyncDecode     ErrorCode = "SYNC_DECODE"
	ErrSyncRejected   ErrorCode = "SYNC_REJECTED"
	ErrSyncConflict   ErrorCode = "SYNC_CONFLICT"
	ErrSyncTimeout    ErrorCode = "SYNC_TIMEOUT"
	ErrSyncCancelled  ErrorCode = "SYNC_CANCELLED"

	// Trip errors
	ErrTripInvalid   ErrorCode = "TRIP_INVALID"
	ErrTripTooShort  ErrorCode = "TRIP_TOO_SHORT"
	ErrVehicleNotSet ErrorCode = "VEHICLE_NOT_SET"

	// Export errors
	ErrExportFailed ErrorCode = "EXPORT_FAILED"
)

// AppError is an error with a code and optional wrapped cause.
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
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is checks whether err carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsTransport reports whether err is a retryable transport-level
// failure (network, timeout, decode) that left no state mutated.
func IsTransport(err error) bool {
	return Is(err, ErrSyncTransport) || Is(err, ErrSyncDecode) || Is(err, ErrSyncTimeout)
}
