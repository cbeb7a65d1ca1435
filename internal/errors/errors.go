// Package errors provides the categorized error taxonomy used across the
// export pipeline and digest aggregator. Every failure carries one of the
// closed set of kinds in internal/types so callers can distinguish
// "retry later", "nothing to resume" and "configuration problem" without
// parsing message text.
package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/slack-exporter/internal/types"
)

// CategorizedError represents an error with a structural kind and code
type CategorizedError struct {
	Kind    types.ErrorKind
	Code    string
	Message string
	Details map[string]interface{}
	Cause   error

	// RetryAfter is the server-suggested wait, set only for rate_limited.
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewRateLimitError creates a rate-limit rejection error. A zero retryAfter
// means the server supplied no Retry-After hint.
func NewRateLimitError(retryAfter time.Duration) *CategorizedError {
	return &CategorizedError{
		Kind:       types.KindRateLimited,
		Code:       "RATE_LIMITED",
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
	}
}

// NewNotFoundError creates a not found error for a missing resource
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Kind:    types.KindNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewNotAccessibleError creates an error for a resource the user cannot read
func NewNotAccessibleError(resource string, id string, apiCode string) *CategorizedError {
	return &CategorizedError{
		Kind:    types.KindNotAccessible,
		Code:    "NOT_ACCESSIBLE",
		Message: fmt.Sprintf("%s not accessible: %s (%s)", resource, id, apiCode),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
			"apiCode":  apiCode,
		},
	}
}

// NewAuthFailureError creates an auth failure error for a workspace
func NewAuthFailureError(workspace string, apiCode string) *CategorizedError {
	return &CategorizedError{
		Kind:    types.KindAuthFailure,
		Code:    "AUTH_FAILURE",
		Message: fmt.Sprintf("authentication failed for workspace %s: %s", workspace, apiCode),
		Details: map[string]interface{}{
			"workspace": workspace,
			"apiCode":   apiCode,
		},
	}
}

// NewConfigurationError creates a configuration error, surfaced before any
// remote call is made.
func NewConfigurationError(message string) *CategorizedError {
	return &CategorizedError{
		Kind:    types.KindConfiguration,
		Code:    "CONFIGURATION_ERROR",
		Message: message,
	}
}

// NewUnknownError wraps any other API-reported failure
func NewUnknownError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Kind:    types.KindUnknown,
		Code:    "UNKNOWN_ERROR",
		Message: fmt.Sprintf("unexpected failure during %s", operation),
		Cause:   cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// KindOf returns the structural kind of an error, unwrapping as needed.
// Uncategorized errors report KindUnknown.
func KindOf(err error) types.ErrorKind {
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Kind
	}
	return types.KindUnknown
}

// IsRateLimited reports whether the error is a transient rate-limit rejection
func IsRateLimited(err error) bool {
	return KindOf(err) == types.KindRateLimited
}

// IsSkippable reports whether the error marks a permanently inaccessible
// resource that must not block pipeline progress.
func IsSkippable(err error) bool {
	switch KindOf(err) {
	case types.KindNotFound, types.KindNotAccessible:
		return true
	default:
		return false
	}
}

// IsConfiguration reports whether the error is a configuration problem
func IsConfiguration(err error) bool {
	return KindOf(err) == types.KindConfiguration
}

// RetryAfterOf returns the server-suggested wait attached to a rate-limit
// error, or zero when none was supplied.
func RetryAfterOf(err error) time.Duration {
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.RetryAfter
	}
	return 0
}
