package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the governance pipeline.
type ErrorCode string

// Admission error codes
const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrQuotaExceeded   ErrorCode = "QUOTA_EXCEEDED"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrContentRejected ErrorCode = "CONTENT_REJECTED"
	ErrTaskNotAssigned ErrorCode = "TASK_NOT_ASSIGNED"
	ErrTaskInactive    ErrorCode = "TASK_INACTIVE"
	ErrUserBlocked     ErrorCode = "USER_BLOCKED"
)

// Upstream error codes
const (
	ErrUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamError   ErrorCode = "UPSTREAM_ERROR"
)

// Infrastructure error codes
const (
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// QuotaLimit names the budget that rejected a request.
type QuotaLimit string

const (
	LimitDaily      QuotaLimit = "daily"
	LimitMonthly    QuotaLimit = "monthly"
	LimitTask       QuotaLimit = "task"
	LimitPerRequest QuotaLimit = "per_request"
)

// QuotaDetail carries the amounts behind a QUOTA_EXCEEDED error.
type QuotaDetail struct {
	Limit  QuotaLimit `json:"limit"`
	Used   int64      `json:"used"`
	Quota  int64      `json:"quota"`
	Needed int64      `json:"needed"`
}

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode    `json:"code"`
	Message    string       `json:"message"`
	HTTPStatus int          `json:"http_status,omitempty"`
	Retryable  bool         `json:"retryable"`
	Provider   string       `json:"provider,omitempty"`
	Quota      *QuotaDetail `json:"quota,omitempty"`
	Cause      error        `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
// The HTTP status defaults to the code's canonical status.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, HTTPStatus: defaultHTTPStatus(code)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithQuota attaches quota amounts.
func (e *Error) WithQuota(detail QuotaDetail) *Error {
	e.Quota = &detail
	return e
}

func defaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrQuotaExceeded:
		return http.StatusPaymentRequired
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrContentRejected, ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrTaskNotAssigned, ErrTaskInactive, ErrUserBlocked:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidTransition:
		return http.StatusConflict
	case ErrUpstreamTimeout:
		return http.StatusGatewayTimeout
	case ErrUpstreamError:
		return http.StatusBadGateway
	case ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// Constructors
// =============================================================================

// NewQuotaExceededError reports which budget was exhausted and by how much.
func NewQuotaExceededError(detail QuotaDetail, message string) *Error {
	return NewError(ErrQuotaExceeded, message).WithQuota(detail)
}

// NewRateLimitedError creates a RATE_LIMITED error.
func NewRateLimitedError(message string) *Error {
	return NewError(ErrRateLimited, message).WithRetryable(true)
}

// NewContentRejectedError creates a CONTENT_REJECTED error.
func NewContentRejectedError(message string) *Error {
	return NewError(ErrContentRejected, message)
}

// NewUpstreamTimeoutError creates an UPSTREAM_TIMEOUT error.
func NewUpstreamTimeoutError(provider string, cause error) *Error {
	return NewError(ErrUpstreamTimeout, "upstream call timed out").
		WithProvider(provider).
		WithCause(cause)
}

// NewUpstreamError creates an UPSTREAM_ERROR error.
func NewUpstreamError(provider, message string, cause error) *Error {
	return NewError(ErrUpstreamError, message).
		WithProvider(provider).
		WithCause(cause)
}

// NewInternalError wraps an infrastructure failure.
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternalError, message).WithCause(cause)
}

// =============================================================================
// Helpers
// =============================================================================

// AsError extracts a *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HTTPStatusOf returns the HTTP-equivalent status for err, 500 when unknown.
func HTTPStatusOf(err error) int {
	if e, ok := AsError(err); ok && e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}
