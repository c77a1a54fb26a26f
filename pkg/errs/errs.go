// Package errs defines the coded errors shared across the tollgate core.
// Every rejection surfaced to a caller carries a stable machine-readable
// code; handlers map codes to HTTP statuses at the boundary.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class. Codes are part of the API contract.
type Code string

const (
	CodeAuthMissing   Code = "AUTH_MISSING"
	CodeAuthInvalid   Code = "AUTH_INVALID"
	CodeAgentDisabled Code = "AGENT_DISABLED"
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeTransition    Code = "TRANSITION_ERROR"
	CodeConcurrency   Code = "CONCURRENCY_CONFLICT"
	CodePolicyEval    Code = "POLICY_EVALUATION_ERROR"
	CodeRetryable     Code = "SERVICE_RETRYABLE"
	CodeNotFound      Code = "NOT_FOUND"
	CodeInternal      Code = "INTERNAL"
)

// Error is a coded domain error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from err, or CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code to the HTTP status the boundary should emit.
func HTTPStatus(code Code) int {
	switch code {
	case CodeAuthMissing, CodeAuthInvalid:
		return http.StatusUnauthorized
	case CodeAgentDisabled:
		return http.StatusForbidden
	case CodeValidation:
		return http.StatusBadRequest
	case CodeTransition, CodeConcurrency:
		return http.StatusConflict
	case CodePolicyEval:
		return http.StatusUnprocessableEntity
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
