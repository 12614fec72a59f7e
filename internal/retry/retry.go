// Package retry runs external calls under a per-call timeout and retries
// transient failures with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"docexpert/internal/domain"
)

// Policy describes how a call is retried.
type Policy struct {
	Retries     int           // retries after the first attempt
	Base        time.Duration // first backoff interval
	Factor      float64
	Max         time.Duration // cap for a single interval
	CallTimeout time.Duration // per attempt, 0 disables
}

// DefaultPolicy retries 3 times starting at 500ms and doubling.
func DefaultPolicy() Policy {
	return Policy{
		Retries:     3,
		Base:        500 * time.Millisecond,
		Factor:      2,
		Max:         10 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// WithRetries returns a copy of p with a different retry count.
func (p Policy) WithRetries(n int) Policy {
	p.Retries = n
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Base
	eb.Multiplier = p.Factor
	if eb.Multiplier < 1 {
		eb.Multiplier = 2
	}
	eb.RandomizationFactor = 0
	if p.Max > 0 {
		eb.MaxInterval = p.Max
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Notify is called before each retry with the error and the wait.
type Notify func(err error, wait time.Duration)

// Do calls op until it succeeds, fails with a non-transient error, or the
// retry budget is spent. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, notify)
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify Notify) (T, error) {
	attempt := func() (T, error) {
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if p.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.CallTimeout)
		}
		defer cancel()

		v, err := op(callCtx)
		if err != nil && !domain.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		// the parent context ending is not something a retry can fix
		if err != nil && ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	var n backoff.Notify
	if notify != nil {
		n = backoff.Notify(notify)
	}
	return backoff.RetryNotifyWithData(attempt, p.backOff(ctx), n)
}
