package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Transport errors
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"
	ErrCodeTimeout   ErrorCode = "TIMEOUT"

	// Lookup errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Call errors
	ErrCodeTargetUnreachable ErrorCode = "TARGET_UNREACHABLE"
	ErrCodeMediaAccessDenied ErrorCode = "MEDIA_ACCESS_DENIED"
	ErrCodeBusy              ErrorCode = "BUSY"

	// Conflict errors (duplicate operations, resolved as no-ops upstream)
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Validation errors
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error with code and message
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Transport errors
func TransportError(message string, err error) *AppError {
	return Wrap(ErrCodeTransport, message, err)
}

func TimeoutError(message string) *AppError {
	return New(ErrCodeTimeout, message)
}

// Lookup errors
func NotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

// Call errors
func TargetUnreachableError(userID string) *AppError {
	return New(ErrCodeTargetUnreachable, fmt.Sprintf("user %s is not reachable", userID))
}

func MediaAccessDeniedError(err error) *AppError {
	return Wrap(ErrCodeMediaAccessDenied, "media device access was refused", err)
}

func BusyError(message string) *AppError {
	return New(ErrCodeBusy, message)
}

// Conflict errors
func ConflictError(message string) *AppError {
	return New(ErrCodeConflict, message)
}

// Validation errors
func InvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

// Internal errors
func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}

// CodeOf returns the error code of an error, or ErrCodeInternal for plain errors
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return GetAppError(err).Code
}

// HasCode reports whether err carries the given error code
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
