package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoteError_Unwrap(t *testing.T) {
	inner := errors.New("connection reset")
	re := &RemoteError{Op: "list", StatusCode: 502, Message: "bad gateway", Err: inner}
	assert.True(t, errors.Is(re, inner))
	assert.Contains(t, re.Error(), "list")
	assert.Contains(t, re.Error(), "502")
	assert.Contains(t, re.Error(), "connection reset")
}

func TestIsThrottled(t *testing.T) {
	assert.True(t, IsThrottled(NewRemoteError("list", 429, "too many requests")))
	assert.True(t, IsThrottled(NewRemoteError("list", 403, "rateLimitExceeded")))
	assert.False(t, IsThrottled(NewRemoteError("list", 403, "insufficientPermissions")))
	assert.False(t, IsThrottled(NewRemoteError("list", 500, "boom")))
	assert.False(t, IsThrottled(errors.New("plain")))

	// wrapped remote errors still classify
	wrapped := fmt.Errorf("fetching page: %w", NewRemoteError("changes", 429, "slow down"))
	assert.True(t, IsThrottled(wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewRemoteError("get", 500, "internal")))
	assert.True(t, IsRetryable(NewRemoteError("get", 503, "unavailable")))
	assert.True(t, IsRetryable(NewRemoteError("get", 429, "throttled")))
	assert.True(t, IsRetryable(ErrRemoteUnavailable))
	assert.False(t, IsRetryable(NewRemoteError("get", 404, "not found")))
	assert.False(t, IsRetryable(ErrAuthRequired))
	assert.False(t, IsRetryable(nil))

	// auth wins even inside a remote error chain
	re := &RemoteError{Op: "get", StatusCode: 500, Message: "upstream", Err: ErrAuthRequired}
	assert.False(t, IsRetryable(re))
}
