package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// TimeoutError reports an attempt that did not settle within its budget.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

// Error implements error.
func (e *TimeoutError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: attempt timeout after %v", e.Op, e.Timeout)
	}
	return fmt.Sprintf("attempt timeout after %v", e.Timeout)
}

// Unwrap maps the timeout onto context.DeadlineExceeded so callers can use
// errors.Is without knowing this type.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// HTTPError is a failure carrying an HTTP status. Client wrappers convert
// retryable responses into this type so the classifier can see the code.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
	// RetryAfter is the server-directed delay from a Retry-After header,
	// zero when absent. The executor prefers it over computed backoff,
	// capped by the policy's MaxDelay.
	RetryAfter time.Duration
}

// Error implements error.
func (e *HTTPError) Error() string {
	status := e.Status
	if status == "" {
		status = http.StatusText(e.StatusCode)
	}
	if e.URL != "" {
		return fmt.Sprintf("%s: unexpected status %d %s", e.URL, e.StatusCode, status)
	}
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, status)
}

// DelayHint reports the server-directed retry delay, if any.
func (e *HTTPError) DelayHint() (time.Duration, bool) {
	if e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// delayHint extracts a server-directed delay carried by err, either as an
// *HTTPError or any error type exposing DelayHint() (time.Duration, bool).
func delayHint(err error) (time.Duration, bool) {
	var hinter interface {
		DelayHint() (time.Duration, bool)
	}
	if errors.As(err, &hinter) {
		return hinter.DelayHint()
	}
	return 0, false
}
