package domain

import (
	"encoding/json"
	"net/http"
)

// Error represents the standard error response format used across every
// component of the core. It is the only error type returned from
// user-triggered or gateway/proxy-triggered code paths; background loops
// log and retry instead of surfacing it.
type Error struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	RetryAfter int         `json:"retry_after,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Error codes, one per error kind of the error handling design.
const (
	ErrNotFound            = "ERR_NOT_FOUND"
	ErrConflict            = "ERR_CONFLICT"
	ErrInvalidArgument     = "ERR_INVALID_ARGUMENT"
	ErrUnauthorized        = "ERR_UNAUTHORIZED"
	ErrForbidden           = "ERR_FORBIDDEN"
	ErrPreconditionFailed  = "ERR_PRECONDITION_FAILED"
	ErrNetworkTooSmall     = "ERR_NETWORK_TOO_SMALL"
	ErrTransient           = "ERR_TRANSIENT"
	ErrIdempotencyConflict = "ERR_IDEMPOTENCY_CONFLICT"
	ErrInternalServer      = "ERR_INTERNAL_SERVER"
	ErrNotImplemented      = "ERR_NOT_IMPLEMENTED"
)

// NewError creates a new domain error.
func NewError(code, message string, details interface{}) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ToHTTPStatus maps domain error codes to HTTP status codes, for the
// external REST boundary (out of this module's scope, but the mapping
// itself travels with the error type so every boundary maps codes the
// same way).
func (e *Error) ToHTTPStatus() int {
	switch e.Code {
	case ErrInvalidArgument, ErrNetworkTooSmall:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict, ErrIdempotencyConflict:
		return http.StatusConflict
	case ErrPreconditionFailed:
		return http.StatusPreconditionFailed
	case ErrNotImplemented:
		return http.StatusNotImplemented
	case ErrTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ToGRPCCode maps domain error codes to the gRPC status name used by the
// gateway/proxy bidirectional streams.
func (e *Error) ToGRPCCode() string {
	switch e.Code {
	case ErrInvalidArgument, ErrNetworkTooSmall, ErrConflict, ErrIdempotencyConflict:
		return "invalid_argument"
	case ErrUnauthorized:
		return "unauthenticated"
	case ErrForbidden:
		return "permission_denied"
	case ErrNotFound:
		return "not_found"
	case ErrPreconditionFailed:
		return "failed_precondition"
	default:
		return "internal"
	}
}

// IsRetryable reports whether a caller may safely retry the operation that
// produced this error, assuming the operation itself is idempotent.
func (e *Error) IsRetryable() bool {
	return e.Code == ErrTransient
}

// ToJSON converts error to JSON response.
func (e *Error) ToJSON() []byte {
	data, _ := json.Marshal(e)
	return data
}
