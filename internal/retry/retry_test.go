package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastPolicy keeps test runs quick.
func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:         attempts,
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}
}

func alwaysRetryable(error) bool { return false }

func TestPolicy_Do_SucceedsAfterTransientFailures(t *testing.T) {
	transient := errors.New("transient")
	calls := 0

	err := fastPolicy(4).Do(context.Background(),
		func(err error) bool { return errors.Is(err, transient) },
		func(context.Context) error {
			calls++
			if calls < 4 {
				return transient
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestPolicy_Do_ExhaustsBudget(t *testing.T) {
	transient := errors.New("transient")
	calls := 0

	err := fastPolicy(3).Do(context.Background(),
		func(error) bool { return true },
		func(context.Context) error {
			calls++
			return transient
		})

	require.Error(t, err)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
}

func TestPolicy_Do_PermanentStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0

	err := fastPolicy(5).Do(context.Background(),
		alwaysRetryable,
		func(context.Context) error {
			calls++
			return permanent
		})

	require.Error(t, err)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestPolicy_Do_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	transient := errors.New("transient")
	calls := 0

	p := Policy{
		MaxAttempts:         10,
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0,
	}

	err := p.Do(ctx,
		func(error) bool { return true },
		func(context.Context) error {
			calls++
			cancel()
			return transient
		})

	require.Error(t, err)
	assert.LessOrEqual(t, calls, 2)
}

func TestPolicy_WithMaxAttempts(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, 7, p.WithMaxAttempts(7).MaxAttempts)
	assert.Equal(t, DefaultMaxAttempts, p.WithMaxAttempts(0).MaxAttempts)
}
