package testutil

import (
	"errors"
	"net/http"
	"sync"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// HTTPError builds a backend error carrying an HTTP status code, the shape
// the executor's retry classification inspects.
func HTTPError(status int, msg string) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{
				Response: &http.Response{StatusCode: status},
			},
			Err: errors.New(msg),
		},
	}
}

// TransientError builds a retryable 503 backend error.
func TransientError() error {
	return HTTPError(http.StatusServiceUnavailable, "service unavailable")
}

// PermanentError builds a non-retryable 403 backend error.
func PermanentError() error {
	return HTTPError(http.StatusForbidden, "access denied")
}

// FakeClock is a manually advanced clock for deterministic time-dependent
// tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock pinned at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
