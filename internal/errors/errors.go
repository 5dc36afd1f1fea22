// Package errors provides structured error types for the sync daemon.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the sync engine's failure taxonomy.
var (
	// ErrRateLimitExceeded is returned by non-blocking admission checks when
	// no token is available. Blocking callers never see it.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrRemoteUnavailable means a remote call exhausted its retry budget.
	ErrRemoteUnavailable = errors.New("remote service unavailable")

	// ErrAuthRequired means the remote rejected our credential. Credential
	// refresh belongs to the auth subsystem; callers must not retry.
	ErrAuthRequired = errors.New("authentication required")

	// ErrAlreadyRunning is a normal rejection: a sync operation is already
	// in flight for the workspace.
	ErrAlreadyRunning = errors.New("sync already running for workspace")

	// ErrItemSyncFailed marks a single item that exhausted per-item retries.
	ErrItemSyncFailed = errors.New("item sync failed")

	// ErrOperationTimeout means the operation exceeded its maximum duration.
	ErrOperationTimeout = errors.New("sync operation timed out")

	// ErrTokenExpired means the stored change token is no longer accepted by
	// the remote change feed and a full sync is needed.
	ErrTokenExpired = errors.New("change token expired")

	// ErrNotFound is returned for lookups of unknown operations or resources.
	ErrNotFound = errors.New("not found")
)

// RemoteError represents an error response from the remote file API.
type RemoteError struct {
	Op         string // logical operation: "list", "get_metadata", ...
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("drive %s (status %d): %s: %v", e.Op, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("drive %s (status %d): %s", e.Op, e.StatusCode, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NewRemoteError creates a remote API error.
func NewRemoteError(op string, statusCode int, message string) *RemoteError {
	return &RemoteError{Op: op, StatusCode: statusCode, Message: message}
}

// IsThrottled reports whether the error is a remote throttling response.
func IsThrottled(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode == 429 || re.StatusCode == 403 && re.Message == "rateLimitExceeded"
	}
	return false
}

// IsRetryable returns true if the error is likely transient and worth retrying.
// Auth failures are never retryable: the credential has to be refreshed first.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrAuthRequired) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		switch re.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrRateLimitExceeded)
}
