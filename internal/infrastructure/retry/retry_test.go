package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	}
}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	attempts, err := fastPolicy(5).Execute(context.Background(), func(context.Context) error {
		calls++
		return nil
	}, isTransient)

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	calls := 0
	attempts, err := fastPolicy(5).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	}, isTransient)

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestExecute_NonRetryablePropagatesImmediately(t *testing.T) {
	t.Parallel()

	calls := 0
	attempts, err := fastPolicy(5).Execute(context.Background(), func(context.Context) error {
		calls++
		return errFatal
	}, isTransient)

	require.ErrorIs(t, err, errFatal)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestExecute_ExhaustsBudget(t *testing.T) {
	t.Parallel()

	calls := 0
	attempts, err := fastPolicy(4).Execute(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	}, isTransient)

	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, calls)
}

func TestExecute_DelaysEscalateAndAreBounded(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	policy := fastPolicy(5)
	policy.OnRetry = func(_ int, _ error, delay time.Duration) {
		delays = append(delays, delay)
	}

	_, err := policy.Execute(context.Background(), func(context.Context) error {
		return errTransient
	}, isTransient)
	require.ErrorIs(t, err, ErrRetriesExhausted)

	want := []time.Duration{
		time.Millisecond,
		2 * time.Millisecond,
		4 * time.Millisecond,
		4 * time.Millisecond,
	}
	assert.Equal(t, want, delays)
}

func TestExecute_JitterStaysWithinBounds(t *testing.T) {
	t.Parallel()

	policy := fastPolicy(6)
	policy.JitterFactor = 0.5

	var delays []time.Duration
	policy.OnRetry = func(_ int, _ error, delay time.Duration) {
		delays = append(delays, delay)
	}

	_, err := policy.Execute(context.Background(), func(context.Context) error {
		return errTransient
	}, isTransient)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Len(t, delays, 5)

	for _, d := range delays {
		assert.LessOrEqual(t, d, 6*time.Millisecond)
		assert.GreaterOrEqual(t, d, 500*time.Microsecond)
	}
}

func TestExecute_ContextCancelledDuringWait(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	policy.OnRetry = func(int, error, time.Duration) { cancel() }

	attempts, err := policy.Execute(ctx, func(context.Context) error {
		return errTransient
	}, isTransient)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestExecute_ZeroPolicyRunsOnce(t *testing.T) {
	t.Parallel()

	attempts, err := Policy{}.Execute(context.Background(), func(context.Context) error {
		return errTransient
	}, isTransient)

	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, attempts)
}
