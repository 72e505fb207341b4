package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a consult error code.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"     // 400
	ErrNotFound           ErrorCode = "NOT_FOUND"           // 404
	ErrAlreadyExists      ErrorCode = "ALREADY_EXISTS"      // 409
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"  // 409
	ErrInactive           ErrorCode = "INACTIVE"            // 409
	ErrPersistenceFailure ErrorCode = "PERSISTENCE_FAILURE" // 500
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE" // 503
	ErrInternal           ErrorCode = "INTERNAL"            // 500
)

// ConsultError represents a structured error with code, status, and details.
type ConsultError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	cause error
}

// Error implements the error interface.
func (e *ConsultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ConsultError) Unwrap() error {
	return e.cause
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *ConsultError {
	return &ConsultError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing conversation, cache entry or pattern.
func NewNotFound(kind, identifier string) *ConsultError {
	return &ConsultError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewAlreadyExists creates a 409 error when a record id is already taken.
func NewAlreadyExists(kind, identifier string) *ConsultError {
	return &ConsultError{
		Code:    ErrAlreadyExists,
		Status:  409,
		Message: fmt.Sprintf("%s already exists: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewInvalidTransition creates a 409 error for a stage change the state machine forbids.
func NewInvalidTransition(id, from, to string) *ConsultError {
	return &ConsultError{
		Code:    ErrInvalidTransition,
		Status:  409,
		Message: fmt.Sprintf("conversation %s cannot move from %s to %s", id, from, to),
		Details: map[string]any{"conversation_id": id, "from": from, "to": to},
	}
}

// NewInactive creates a 409 error for operations on an ended conversation.
func NewInactive(id string) *ConsultError {
	return &ConsultError{
		Code:    ErrInactive,
		Status:  409,
		Message: fmt.Sprintf("conversation has ended: %s", id),
		Details: map[string]any{"conversation_id": id},
	}
}

// NewPersistenceFailure creates a 500 error when the store could not confirm a write.
func NewPersistenceFailure(op string, err error) *ConsultError {
	details := map[string]any{"operation": op}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &ConsultError{
		Code:    ErrPersistenceFailure,
		Status:  500,
		Message: op + " was not persisted",
		Details: details,
		cause:   err,
	}
}

// NewServiceUnavailable creates a 503 error for an unreachable external capability.
func NewServiceUnavailable(service string, err error) *ConsultError {
	msg := service + " unavailable"
	if err != nil {
		msg = fmt.Sprintf("%s unavailable: %v", service, err)
	}
	return &ConsultError{
		Code:    ErrServiceUnavailable,
		Status:  503,
		Message: msg,
		Details: map[string]any{"service": service},
		cause:   err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
// The message stays generic; the original error is kept in Details for logging.
func NewInternal(err error) *ConsultError {
	details := map[string]any{}
	if err != nil {
		details["internal_error"] = err.Error()
	}
	return &ConsultError{
		Code:    ErrInternal,
		Status:  500,
		Message: "an internal error occurred",
		Details: details,
		cause:   err,
	}
}

// Is checks if an error is (or wraps) a ConsultError with the given code.
func Is(err error, code ErrorCode) bool {
	var cErr *ConsultError
	if stderrors.As(err, &cErr) {
		return cErr.Code == code
	}
	return false
}

// As extracts the ConsultError from an error chain.
func As(err error) (*ConsultError, bool) {
	var cErr *ConsultError
	if stderrors.As(err, &cErr) {
		return cErr, true
	}
	return nil, false
}
