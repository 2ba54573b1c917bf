// Package errors provides the standardized error taxonomy used across
// the orchestration core: every domain error carries a Kind a job
// handler can classify as retryable, and an HTTP status the handler
// layer maps to uniformly.
package errors

import (
	"fmt"
	"net/http"
)

// Kind is one of the fixed error categories. It drives both HTTP
// status mapping and job-retry classification.
type Kind string

const (
	KindValidation       Kind = "VALIDATION"
	KindNotFound         Kind = "NOT_FOUND"
	KindRateLimit        Kind = "RATE_LIMIT"
	KindTimeout          Kind = "TIMEOUT"
	KindCircuitOpen      Kind = "CIRCUIT_BREAKER_OPEN"
	KindUpstream4xx      Kind = "UPSTREAM_4XX"
	KindUpstream5xx      Kind = "UPSTREAM_5XX"
	KindNetwork          Kind = "NETWORK"
	KindConfiguration    Kind = "CONFIGURATION"
	KindSerialization    Kind = "SERIALIZATION"
	KindUnavailable      Kind = "CIRCUIT_OR_KV_UNAVAILABLE"
	KindConflict         Kind = "CONFLICT"
	KindInternal         Kind = "INTERNAL"
)

// retryableKinds are the categories the worker's nack classification
// treats as transient. Everything else is terminal.
var retryableKinds = map[Kind]bool{
	KindRateLimit:   true,
	KindTimeout:     true,
	KindCircuitOpen: true,
	KindUpstream5xx: true,
	KindNetwork:     true,
	KindUnavailable: true,
}

// APIError represents a standardized API error response.
type APIError struct {
	Kind       Kind   `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Details    any    `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Retryable reports whether a job handler should treat this error as
// transient (nack with retryable=true).
func (e *APIError) Retryable() bool {
	return retryableKinds[e.Kind]
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details any) *APIError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithMessage returns a copy of the error with a custom message.
func (e *APIError) WithMessage(message string) *APIError {
	cp := *e
	cp.Message = message
	return &cp
}

// Standard error definitions, one per Kind.
var (
	ErrNotFound = &APIError{
		Kind: KindNotFound, Code: "not_found",
		Message: "Resource not found", StatusCode: http.StatusNotFound,
	}
	ErrBadRequest = &APIError{
		Kind: KindValidation, Code: "bad_request",
		Message: "Invalid request", StatusCode: http.StatusBadRequest,
	}
	ErrRateLimited = &APIError{
		Kind: KindRateLimit, Code: "rate_limited",
		Message: "Upstream requested backoff", StatusCode: http.StatusTooManyRequests,
	}
	ErrTimeout = &APIError{
		Kind: KindTimeout, Code: "timeout",
		Message: "Deadline exceeded", StatusCode: http.StatusRequestTimeout,
	}
	ErrCircuitOpen = &APIError{
		Kind: KindCircuitOpen, Code: "circuit_breaker_open",
		Message: "Upstream is cooling down", StatusCode: http.StatusServiceUnavailable,
	}
	ErrUpstream4xx = &APIError{
		Kind: KindUpstream4xx, Code: "upstream_rejected",
		Message: "Upstream rejected the request", StatusCode: http.StatusBadGateway,
	}
	ErrUpstream5xx = &APIError{
		Kind: KindUpstream5xx, Code: "upstream_error",
		Message: "Upstream returned a server error", StatusCode: http.StatusBadGateway,
	}
	ErrNetwork = &APIError{
		Kind: KindNetwork, Code: "network_error",
		Message: "Network error contacting upstream", StatusCode: http.StatusBadGateway,
	}
	ErrConfiguration = &APIError{
		Kind: KindConfiguration, Code: "configuration_error",
		Message: "Invalid configuration", StatusCode: http.StatusInternalServerError,
	}
	ErrSerialization = &APIError{
		Kind: KindSerialization, Code: "serialization_error",
		Message: "Failed to serialize or deserialize value", StatusCode: http.StatusInternalServerError,
	}
	ErrUnavailable = &APIError{
		Kind: KindUnavailable, Code: "service_unavailable",
		Message: "Persistence layer unavailable", StatusCode: http.StatusServiceUnavailable,
	}
	ErrConflict = &APIError{
		Kind: KindConflict, Code: "conflict",
		Message: "Resource already exists", StatusCode: http.StatusConflict,
	}
	ErrInternal = &APIError{
		Kind: KindInternal, Code: "internal_error",
		Message: "An internal error occurred", StatusCode: http.StatusInternalServerError,
	}
)

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *APIError {
	return &APIError{
		Kind: KindValidation, Code: "validation_error",
		Message:    fmt.Sprintf("Validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Details: []FieldError{{Field: field, Reason: message}},
	}
}

// FieldError is one entry in a validationErrors[] response array.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// NewValidationErrors creates a validation error carrying multiple
// field-level reasons, in the validationErrors[] contract.
func NewValidationErrors(errs []FieldError) *APIError {
	return &APIError{
		Kind: KindValidation, Code: "validation_error",
		Message:    "One or more fields failed validation",
		StatusCode: http.StatusBadRequest,
		Details:    errs,
	}
}

// NewNotFoundError creates a not found error for a specific resource type.
func NewNotFoundError(resource string) *APIError {
	return &APIError{
		Kind: KindNotFound, Code: "not_found",
		Message: fmt.Sprintf("%s not found", resource), StatusCode: http.StatusNotFound,
	}
}

// NewConflictError creates a conflict error with a custom message.
func NewConflictError(message string) *APIError {
	return &APIError{Kind: KindConflict, Code: "conflict", Message: message, StatusCode: http.StatusConflict}
}

// NewInternalError creates an internal error with a custom message.
func NewInternalError(message string) *APIError {
	return &APIError{Kind: KindInternal, Code: "internal_error", Message: message, StatusCode: http.StatusInternalServerError}
}

// IsAPIError checks if an error is an APIError.
func IsAPIError(err error) bool {
	_, ok := err.(*APIError)
	return ok
}

// AsAPIError converts an error to an APIError if possible.
// Returns ErrInternal if the error is not an APIError.
func AsAPIError(err error) *APIError {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	return ErrInternal
}

// Retryable reports whether err, if an APIError, is in a retryable
// Kind. Non-APIError values are treated as non-retryable.
func Retryable(err error) bool {
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable()
	}
	return false
}
