// Package domainerrors is the error taxonomy shared by services and transports.
//
// Services return *Error values carrying a Code; transports translate codes to
// status codes without inspecting messages. Messages are safe to show to
// callers and never carry store or driver details: those stay in the wrapped
// cause, which is only logged.
package domainerrors

import (
	"errors"
	"net/http"
)

// Code classifies a failure.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeForbidden          Code = "forbidden"
	CodeUnauthorized       Code = "unauthorized"
	CodeInvalidOperation   Code = "invalid_operation"
	CodeConflict           Code = "conflict"
	CodeInternal           Code = "internal_error"
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeInvariantViolation Code = "invariant_violation"
	CodeTimeout            Code = "timeout"
)

// Error is a coded domain error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error with a caller-safe message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and caller-safe message to an underlying cause.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// GetCode returns the outermost code in the chain, or CodeInternal when the
// chain carries none.
func GetCode(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether the outermost domain error in the chain has code.
func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Code == code
}

// IsRetryable reports whether the caller may safely retry the operation.
// Only store contention qualifies; every other code is deterministic.
func IsRetryable(err error) bool {
	return HasCode(err, CodeConflict) || HasCode(err, CodeTimeout)
}

// ToHTTPStatus maps a code to the status the transport layer returns.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInvalidOperation, CodeInvariantViolation:
		return http.StatusUnprocessableEntity
	case CodeConflict:
		return http.StatusConflict
	case CodeBadRequest, CodeValidation, CodeInvalidInput:
		return http.StatusBadRequest
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
