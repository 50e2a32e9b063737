package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	// Field names the form field a validation error is keyed to.
	Field string `json:"field,omitempty"`
	Err   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// StatusCode maps the error code to an HTTP status.
func (e *AppError) StatusCode() int {
	switch e.Code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrBadRequest:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrValidation:
		return http.StatusUnprocessableEntity
	case ErrRemote:
		return http.StatusBadGateway
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrConflict:
		return http.StatusConflict
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrInternal
	ErrValidation
	ErrRemote
	ErrUnavailable
	ErrConflict
	ErrTimeout
	ErrTooLarge
)

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

// NewValidation reports a locally detected problem with a form field.
func NewValidation(field, message string) *AppError {
	return &AppError{
		Code:    ErrValidation,
		Message: message,
		Field:   field,
	}
}

// NewRemote carries a message reported by an upstream server.
func NewRemote(message string, err error) *AppError {
	return &AppError{
		Code:    ErrRemote,
		Message: message,
		Err:     err,
	}
}

// NewUnavailable reports that an upstream server could not be reached.
func NewUnavailable(message string, err error) *AppError {
	return &AppError{
		Code:    ErrUnavailable,
		Message: message,
		Err:     err,
	}
}

// NewUnauthorized reports a missing or rejected credential with a user facing message.
func NewUnauthorized(message string, err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: message,
		Err:     err,
	}
}

func NewConflict(message string, err error) *AppError {
	return &AppError{
		Code:    ErrConflict,
		Message: message,
		Err:     err,
	}
}

// NewTimeout reports a request that ran past its deadline.
func NewTimeout(err error) *AppError {
	return &AppError{
		Code:    ErrTimeout,
		Message: "Request timeout",
		Err:     err,
	}
}

// NewTooLarge reports a request body over limit bytes.
func NewTooLarge(limit int64, err error) *AppError {
	return &AppError{
		Code:    ErrTooLarge,
		Message: fmt.Sprintf("Request size exceeds limit of %d bytes", limit),
		Err:     err,
	}
}

// As returns the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}
