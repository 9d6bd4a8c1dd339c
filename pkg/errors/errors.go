package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for common scenarios.
var (
	ErrInvalidCredentials = New("INVALID_CREDENTIALS", http.StatusUnauthorized, "invalid email or password")
	ErrInactiveAccount    = New("ACCOUNT_INACTIVE", http.StatusForbidden, "account is inactive")
	ErrNotFound           = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrForbidden          = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUnauthorized       = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrConflict           = New("CONFLICT", http.StatusConflict, "conflict")
	ErrValidation         = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrInternal           = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)

// Approval workflow errors. Every rejected operation maps to a specific
// code so callers can render precise guidance instead of a generic failure.
var (
	ErrPolicyNotFound    = New("POLICY_NOT_FOUND", http.StatusUnprocessableEntity, "no approval policy registered for this action kind")
	ErrNotAuthorized     = New("NOT_AUTHORIZED", http.StatusForbidden, "only the original submitter may perform this operation")
	ErrNotEligible       = New("NOT_ELIGIBLE", http.StatusForbidden, "identity is not eligible to decide on this request")
	ErrSelfApproval      = New("SELF_APPROVAL", http.StatusForbidden, "submitter may not decide on their own request")
	ErrDuplicateDecision = New("DUPLICATE_DECISION", http.StatusConflict, "approver has already decided on this request")
	ErrInvalidTransition = New("INVALID_TRANSITION", http.StatusConflict, "request is in a terminal state")
	ErrRequestExpired    = New("REQUEST_EXPIRED", http.StatusGone, "request has expired")
	ErrExecution         = New("EXECUTION_FAILED", http.StatusInternalServerError, "approved action failed to execute")
	ErrVersionConflict   = New("VERSION_CONFLICT", http.StatusConflict, "request was modified concurrently")
	ErrExecutorNotFound  = New("EXECUTOR_NOT_FOUND", http.StatusUnprocessableEntity, "no executor registered for this action kind")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// Is reports whether err carries the same code as target. Sentinels are
// cloned and wrapped throughout the services, so code equality is the
// identity that matters.
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == target.Code
}
