// Package apperrors carries coded errors across service boundaries so
// handlers can map failures to transport status codes without string
// matching.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for propagation policy.
type Code string

const (
	// ErrCodeValidation marks caller input that must be corrected.
	ErrCodeValidation Code = "VALIDATION"
	// ErrCodeNoMatchingRule marks a transaction no active rule covers; the
	// submission is blocked pending catalog configuration.
	ErrCodeNoMatchingRule Code = "NO_MATCHING_RULE"
	// ErrCodeInvalidState marks a decision attempted on a terminal or
	// out-of-sequence workflow or action.
	ErrCodeInvalidState Code = "INVALID_STATE"
	// ErrCodeNotFound marks an unknown workflow/action/rule/override id.
	ErrCodeNotFound Code = "NOT_FOUND"
	// ErrCodeConcurrentModification marks an optimistic-lock conflict; the
	// orchestration layer retries once before surfacing it.
	ErrCodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	// ErrCodeUnauthorized marks an actor not allowed to act on a step.
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	// ErrCodeInternal marks unexpected infrastructure failures.
	ErrCodeInternal Code = "INTERNAL"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound creates a NOT_FOUND error for a resource id.
func NotFound(resource, id string) error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput creates a VALIDATION error for a named field.
func InvalidInput(field, message string) error {
	return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf("%s: %s", field, message)}
}

// CodeOf extracts the code from err, or ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to its HTTP status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeNoMatchingRule:
		return http.StatusUnprocessableEntity
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState, ErrCodeConcurrentModification:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
