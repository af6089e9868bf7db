// Package errors provides the typed error taxonomy shared by the store adapters,
// the mutation services and the HTTP layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an error.
type ErrorType string

const (
	// TypeValidation indicates missing or invalid input, rejected before touching the store (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeConflict indicates a uniqueness violation on insert (HTTP 409)
	TypeConflict ErrorType = "conflict"
	// TypeNotFound indicates a lookup or update of a nonexistent identity (HTTP 404)
	TypeNotFound ErrorType = "not_found"
	// TypeStoreUnavailable indicates the store could not be reached (HTTP 503)
	TypeStoreUnavailable ErrorType = "store_unavailable"
	// TypeDelivery indicates a single client write failed. Never surfaced to mutation callers.
	TypeDelivery ErrorType = "delivery"
	// TypeInternal indicates any other server-side failure (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeConflict:
		return http.StatusConflict
	case TypeNotFound:
		return http.StatusNotFound
	case TypeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WithContext adds a context field to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

// Validation creates a validation error.
func Validation(message string) *Error {
	return newError(TypeValidation, message, nil)
}

// Conflict creates a conflict error.
func Conflict(message string) *Error {
	return newError(TypeConflict, message, nil)
}

// NotFound creates a not-found error.
func NotFound(message string) *Error {
	return newError(TypeNotFound, message, nil)
}

// StoreUnavailable wraps a failure to reach the record store.
func StoreUnavailable(message string, cause error) *Error {
	return newError(TypeStoreUnavailable, message, cause)
}

// Delivery wraps a failed write to one client connection.
func Delivery(message string, cause error) *Error {
	return newError(TypeDelivery, message, cause)
}

// Internal wraps an unexpected server-side failure.
func Internal(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// TypeOf returns the ErrorType of the first *Error in err's chain, or TypeInternal.
func TypeOf(err error) ErrorType {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return TypeInternal
}

// HTTPStatus maps any error to a status code. Untyped errors are 500s.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func IsValidation(err error) bool       { return TypeOf(err) == TypeValidation }
func IsConflict(err error) bool         { return TypeOf(err) == TypeConflict }
func IsNotFound(err error) bool         { return TypeOf(err) == TypeNotFound }
func IsStoreUnavailable(err error) bool { return TypeOf(err) == TypeStoreUnavailable }
func IsDelivery(err error) bool         { return TypeOf(err) == TypeDelivery }
