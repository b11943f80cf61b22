// Package retry re-invokes an operation on a designated class of transient
// failures with exponential, jittered and bounded backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRetriesExhausted is returned when every attempt failed with a retryable error.
var ErrRetriesExhausted = errors.New("retries exhausted")

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 10 * time.Millisecond
	defaultMaxDelay    = 250 * time.Millisecond
	defaultMaxElapsed  = 2 * time.Second
	defaultJitter      = 0.5
)

// Policy configures how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of invocations, the first one included.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt. Each further
	// wait doubles until MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxElapsed bounds the whole retry loop. Zero disables the bound.
	MaxElapsed time.Duration
	// JitterFactor randomizes each delay within [d*(1-f), d*(1+f)]. Zero disables jitter.
	JitterFactor float64
	// OnRetry is called before each wait with the failed attempt number.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the policy used for ledger contention.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  defaultMaxAttempts,
		BaseDelay:    defaultBaseDelay,
		MaxDelay:     defaultMaxDelay,
		MaxElapsed:   defaultMaxElapsed,
		JitterFactor: defaultJitter,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
	return p
}

func (p Policy) newBackOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = p.JitterFactor
	exp.MaxElapsedTime = p.MaxElapsed
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1)), ctx)
}

// Execute invokes op until it succeeds, fails with an error isRetryable
// rejects, or the attempt budget runs out. It returns the number of
// attempts made. Exhaustion yields an error wrapping both
// ErrRetriesExhausted and the last failure; a cancelled ctx yields the
// context error.
func (p Policy) Execute(ctx context.Context, op func(ctx context.Context) error, isRetryable func(error) bool) (int, error) {
	p = p.normalized()

	attempts := 0
	err := backoff.RetryNotify(
		func() error {
			attempts++
			opErr := op(ctx)
			if opErr == nil {
				return nil
			}
			if isRetryable == nil || !isRetryable(opErr) {
				return backoff.Permanent(opErr)
			}
			return opErr
		},
		p.newBackOff(ctx),
		func(opErr error, delay time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempts, opErr, delay)
			}
		},
	)
	if err == nil {
		return attempts, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return attempts, err
	}
	if isRetryable != nil && isRetryable(err) {
		return attempts, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
	}
	return attempts, err
}
