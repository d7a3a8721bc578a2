package collector

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ingenieroredes/netvault/internal/connector"
)

// RetryPolicy bounds connector retries. Only Timeout and Unreachable are retried.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.1
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

// attemptFunc performs one connector call
type attemptFunc func(ctx context.Context, attempt int) error

// retryNotify is told about each failed attempt that will be retried
type retryNotify func(attempt int, err error, wait time.Duration)

// withRetry runs fn until it succeeds, fails permanently or the retry
// budget is spent. It returns the number of attempts made.
func withRetry(ctx context.Context, p RetryPolicy, fn attemptFunc, notify retryNotify) (int, error) {
	attempts := 0
	var last error
	op := func() error {
		attempts++
		err := fn(ctx, attempts)
		if err == nil {
			return nil
		}
		last = err
		if !connector.Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op, p.backOff(ctx), func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempts, err, wait)
		}
	})
	// A cancelled context surfaces as ctx.Err(); report the classified failure instead
	if err != nil && last != nil && ctx.Err() != nil {
		return attempts, last
	}
	return attempts, err
}
