package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode int

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrForbidden
	ErrInternal
)

// Consultation error codes
const (
	ErrAuthorizationDenied ErrorCode = iota + 2000
	ErrTransportUnavailable
	ErrMediaPermissionDenied
	ErrNegotiation
	ErrRoomConflict
)

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
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

// StatusCode maps the error code to an HTTP status for the error handler
// middleware.
func (e *AppError) StatusCode() int {
	switch e.Code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrBadRequest:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden, ErrAuthorizationDenied:
		return http.StatusForbidden
	case ErrRoomConflict:
		return http.StatusConflict
	case ErrTransportUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error constructors
func NotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func BadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func Internal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Code:    ErrForbidden,
		Message: message,
	}
}

// AuthorizationDenied is returned when no qualifying appointment exists or
// the access window has expired. The message distinguishes the two cases
// and is user-facing.
func AuthorizationDenied(message string) *AppError {
	return &AppError{
		Code:    ErrAuthorizationDenied,
		Message: message,
	}
}

// TransportUnavailable is returned when the signaling channel is
// unreachable or timed out. Retryable via explicit user action.
func TransportUnavailable(err error) *AppError {
	return &AppError{
		Code:    ErrTransportUnavailable,
		Message: "connection failed, please try again",
		Err:     err,
	}
}

// MediaPermissionDenied is returned when camera or microphone access was
// denied. Terminal until the user grants permission and retries.
func MediaPermissionDenied(err error) *AppError {
	return &AppError{
		Code:    ErrMediaPermissionDenied,
		Message: "camera or microphone access denied, please grant permission and retry",
		Err:     err,
	}
}

// Negotiation is returned for a malformed or out-of-sequence
// offer/answer/candidate exchange.
func Negotiation(message string, err error) *AppError {
	return &AppError{
		Code:    ErrNegotiation,
		Message: message,
		Err:     err,
	}
}

// RoomConflict marks a duplicate role join. It is resolved internally by
// eviction and never surfaced to the new joiner.
func RoomConflict(message string) *AppError {
	return &AppError{
		Code:    ErrRoomConflict,
		Message: message,
	}
}

// CodeOf returns the error code of err if it is (or wraps) an AppError,
// or ErrInternal otherwise.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
