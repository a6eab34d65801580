// Package retry centralizes the retry-with-backoff policy applied to every
// backend network operation. A single policy object parameterized by max
// attempts, base delay, jitter, and a retryable predicate keeps retry
// behavior uniform across operations.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults for the engine-wide retry policy.
const (
	// DefaultMaxAttempts is the total attempt budget per operation
	// (one initial call plus retries).
	DefaultMaxAttempts = 4

	// DefaultInitialInterval is the first backoff delay.
	DefaultInitialInterval = 500 * time.Millisecond

	// DefaultMaxInterval caps the backoff delay growth.
	DefaultMaxInterval = 10 * time.Second
)

// Policy describes a bounded, jittered exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration

	// Multiplier grows the delay after each retry.
	Multiplier float64

	// RandomizationFactor jitters each delay by +/- this fraction.
	RandomizationFactor float64
}

// DefaultPolicy returns the engine-wide default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         DefaultMaxAttempts,
		InitialInterval:     DefaultInitialInterval,
		MaxInterval:         DefaultMaxInterval,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// WithMaxAttempts returns a copy of the policy with the attempt budget
// replaced. Non-positive values leave the policy unchanged.
func (p Policy) WithMaxAttempts(attempts int) Policy {
	if attempts > 0 {
		p.MaxAttempts = attempts
	}
	return p
}

// Do runs op under the policy. op is retried while it returns an error for
// which retryable reports true, up to the attempt budget. A non-retryable
// error stops immediately and is returned as-is. Context cancellation stops
// the backoff wait.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, op func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.RandomizationFactor
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
