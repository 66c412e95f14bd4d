package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the closed set of error codes the adapter emits.
type ErrorCode string

const (
	// Input errors.
	ErrInvalidJSON          ErrorCode = "invalid_json"
	ErrValidation           ErrorCode = "validation_error"
	ErrUnsupportedMediaType ErrorCode = "unsupported_media_type"
	ErrPayloadTooLarge      ErrorCode = "payload_too_large"
	ErrBodyReadTimeout      ErrorCode = "body_read_timeout"

	// Authentication / authorization.
	ErrUnauthorized ErrorCode = "unauthorized"
	ErrForbidden    ErrorCode = "forbidden"

	// Admission.
	ErrRateLimited  ErrorCode = "rate_limited"
	ErrServerBusy   ErrorCode = "server_busy"
	ErrQueueTimeout ErrorCode = "queue_timeout"

	// Execution.
	ErrTimeout             ErrorCode = "timeout"
	ErrStreamIdleTimeout   ErrorCode = "stream_idle_timeout"
	ErrMalformedResponse   ErrorCode = "malformed_response"
	ErrToolExecutionFailed ErrorCode = "tool_execution_failed"
	ErrToolBudgetExhausted ErrorCode = "tool_call_budget_exhausted"

	// Infrastructure.
	ErrManifest ErrorCode = "manifest_error"
	ErrInternal ErrorCode = "internal"
)

// AdapterError is the error type that crosses component boundaries.
// The server maps any non-AdapterError to ErrInternal at the edge.
type AdapterError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *AdapterError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AdapterError) Unwrap() error {
	return e.cause
}

// NewError creates an AdapterError with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *AdapterError {
	return &AdapterError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an AdapterError wrapping an underlying cause.
func WrapError(code ErrorCode, cause error, format string, args ...any) *AdapterError {
	return &AdapterError{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithDetails attaches structured details and returns the error.
func (e *AdapterError) WithDetails(details map[string]any) *AdapterError {
	e.Details = details
	return e
}

// CodeOf extracts the error code, defaulting to ErrInternal.
func CodeOf(err error) ErrorCode {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ErrInternal
}

// AsAdapterError converts any error to an AdapterError, wrapping unknown
// errors as ErrInternal.
func AsAdapterError(err error) *AdapterError {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	return &AdapterError{Code: ErrInternal, Message: err.Error(), cause: err}
}

// HTTPStatus maps an error code to its wire status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case ErrInvalidJSON, ErrValidation:
		return http.StatusBadRequest
	case ErrUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case ErrPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrBodyReadTimeout:
		return http.StatusRequestTimeout
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrServerBusy, ErrQueueTimeout:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
