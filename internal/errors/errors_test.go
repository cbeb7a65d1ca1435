package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slack-exporter/internal/types"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"rate limit", NewRateLimitError(0), types.KindRateLimited},
		{"not found", NewNotFoundError("thread", "C1:111.1"), types.KindNotFound},
		{"not accessible", NewNotAccessibleError("thread", "C1:111.1", "not_in_channel"), types.KindNotAccessible},
		{"auth failure", NewAuthFailureError("acme", "invalid_auth"), types.KindAuthFailure},
		{"configuration", NewConfigurationError("missing token"), types.KindConfiguration},
		{"unknown", NewUnknownError("search", fmt.Errorf("boom")), types.KindUnknown},
		{"plain error", fmt.Errorf("boom"), types.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindOfUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("page 3: %w", NewRateLimitError(10*time.Second))

	assert.Equal(t, types.KindRateLimited, KindOf(wrapped))
	assert.True(t, IsRateLimited(wrapped))
	assert.Equal(t, 10*time.Second, RetryAfterOf(wrapped))
}

func TestIsSkippable(t *testing.T) {
	assert.True(t, IsSkippable(NewNotFoundError("thread", "C1:1.1")))
	assert.True(t, IsSkippable(NewNotAccessibleError("thread", "C1:1.1", "not_in_channel")))
	assert.False(t, IsSkippable(NewRateLimitError(0)))
	assert.False(t, IsSkippable(NewAuthFailureError("acme", "invalid_auth")))
}

func TestIsConfiguration(t *testing.T) {
	assert.True(t, IsConfiguration(NewConfigurationError("no workspaces configured")))
	assert.False(t, IsConfiguration(NewUnknownError("search", fmt.Errorf("boom"))))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := NewUnknownError("thread fetch", cause)

	assert.Contains(t, err.Error(), "UNKNOWN_ERROR")
	assert.Contains(t, err.Error(), "connection reset")
	assert.ErrorIs(t, err, cause)
}

func TestToServiceError(t *testing.T) {
	svc := NewNotFoundError("thread", "C1:1.1").ToServiceError()

	assert.Equal(t, "NOT_FOUND", svc.Code)
	assert.Equal(t, "thread", svc.Details["resource"])
}
