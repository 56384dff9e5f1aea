// Package remote implements the versioned-blob client for the document
// store: a git-forge contents API where a file is addressed by path, every
// revision carries an opaque SHA tag, and writes are conditional on the
// expected tag. It handles retry with exponential backoff, rate-budget
// accounting, and error classification.
package remote

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for status classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrNotFound        = errors.New("remote: document not found")
	ErrUnauthorized    = errors.New("remote: unauthorized")
	ErrVersionConflict = errors.New("remote: version tag mismatch")
	ErrRateLimited     = errors.New("remote: rate limited")
	ErrNetwork         = errors.New("remote: network failure")
	ErrServer          = errors.New("remote: server error")
)

// StoreError wraps a sentinel error with the HTTP status code, request ID,
// and the API error body for debugging.
type StoreError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *StoreError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// RateLimitError carries the deadline before which the caller must not
// issue another request. It wraps ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("remote: rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed, http.StatusUnprocessableEntity:
		// The contents API reports a stale expected SHA as 409 or 422.
		return ErrVersionConflict
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		if code >= http.StatusInternalServerError {
			return ErrServer
		}

		return fmt.Errorf("remote: unexpected HTTP status %d", code)
	}
}

// isRetryable reports whether the given HTTP status should be retried
// within a single call. Rate limiting is deliberately excluded: the engine
// owns the rate-limit backoff schedule and must see the error.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
