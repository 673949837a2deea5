// Package retry provides the bounded retry with linear backoff and the call
// timeout primitive shared by endpoint probing and contract reads.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/presale-wallet-core/internal/apperr"
)

// Policy bounds a retried operation.
type Policy struct {
	// Attempts is the total number of tries, including the first one
	Attempts int

	// Step is the linear backoff unit: the n-th retry waits n*Step
	Step time.Duration

	// MaxWait caps a single wait. Zero means uncapped.
	MaxWait time.Duration
}

// DefaultPolicy is used for reads retried on transient failure.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Step: 250 * time.Millisecond, MaxWait: 2 * time.Second}
}

// Notify is called after every failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: p.Step, max: p.MaxWait}, uint64(attempts-1)),
		ctx,
	)

	return backoff.RetryNotify(func() error {
		attempt++
		return op(ctx)
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		} else {
			logrus.Debugf("Attempt %d failed, retrying in %v: %v", attempt, wait, err)
		}
	})
}

// Permanent marks err as not worth retrying. Do returns the unwrapped err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// WithTimeout runs fn with a deadline of d. If fn has not returned when the
// deadline passes, WithTimeout returns an apperr.Timeout error without waiting
// for it; a late result is discarded.
func WithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	_, err := WithTimeoutValue(ctx, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// WithTimeoutValue is WithTimeout for functions returning a value.
func WithTimeoutValue[T any](ctx context.Context, d time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return fn(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	// buffered so a late fn never blocks on a receiver that left
	done := make(chan result, 1)
	go func() {
		v, err := fn(tctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && tctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return zero, apperr.Errorf(apperr.Timeout, "", "no result after %v: %v", d, r.err)
		}
		return r.v, r.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, apperr.Errorf(apperr.Timeout, "", "no result after %v", d)
	}
}

// linearBackOff waits step, 2*step, 3*step, ... capped at max.
type linearBackOff struct {
	step time.Duration
	max  time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	d := time.Duration(b.n) * b.step
	if b.max > 0 && d > b.max {
		d = b.max
	}
	return d
}

func (b *linearBackOff) Reset() { b.n = 0 }
