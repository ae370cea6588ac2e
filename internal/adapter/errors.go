// Package adapter implements the remote read surfaces enrichment depends on:
// the chain node's read-only contract API and token metadata documents.
package adapter

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrRateLimited indicates the remote side answered 429
	ErrRateLimited = errors.New("remote rate limit exceeded")

	// ErrUnavailable indicates a 5xx answer
	ErrUnavailable = errors.New("remote unavailable")

	// ErrUnsupportedURI indicates a metadata URI scheme we cannot fetch
	ErrUnsupportedURI = errors.New("unsupported metadata uri")
)

// AdapterError wraps a remote failure with the operation and target
type AdapterError struct {
	Op     string // Operation that failed (e.g., "call-read", "interface")
	Target string
	Status int
	Err    error
	// Wait is the server's Retry-After hint, when it gave one
	Wait time.Duration
}

func (e *AdapterError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("adapter error [%s:%s]: http %d: %v", e.Op, e.Target, e.Status, e.Err)
	}
	return fmt.Sprintf("adapter error [%s:%s]: %v", e.Op, e.Target, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// RetryAfter returns the server requested delay before another attempt
func (e *AdapterError) RetryAfter() time.Duration {
	return e.Wait
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date
func parseRetryAfter(h string, now time.Time) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// statusError maps a non-2xx status onto a sentinel
func statusError(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= 500:
		return ErrUnavailable
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
}

// retryable reports whether another attempt might succeed
func retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}
