// Package errors provides the error envelope returned by HTTP handlers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error carrying an HTTP status. It marshals
// directly as a JSON response body.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	HTTPStatus int    `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// Unwrap returns the wrapped cause, if any.
func (e *AppError) Unwrap() error {
	return e.cause
}

// BadRequest returns a 400 error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       "bad_request",
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound returns a 404 error.
func NotFound(message string) *AppError {
	return &AppError{
		Code:       "not_found",
		Message:    message,
		HTTPStatus: http.StatusNotFound,
	}
}

// ValidationError returns a 422 error for a specific field.
func ValidationError(field, message string) *AppError {
	return &AppError{
		Code:       "validation_error",
		Message:    fmt.Sprintf("invalid %s", field),
		Details:    message,
		HTTPStatus: http.StatusUnprocessableEntity,
	}
}

// Capacity returns a 429 error for queue-full and concurrency-cap
// conditions. Callers should retry after a backoff rather than treat
// this as permanent.
func Capacity(message string) *AppError {
	return &AppError{
		Code:       "capacity",
		Message:    message,
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// Wrap converts an arbitrary error into an AppError. If err already is an
// AppError its status is preserved; otherwise the result is a 500.
func Wrap(err error, message string) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    message,
			Details:    appErr.Error(),
			HTTPStatus: appErr.HTTPStatus,
			cause:      err,
		}
	}
	return &AppError{
		Code:       "internal",
		Message:    message,
		Details:    err.Error(),
		HTTPStatus: http.StatusInternalServerError,
		cause:      err,
	}
}
