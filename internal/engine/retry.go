package engine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/seantiz/stevedore/internal/model"
)

// RetryPolicy bounds the retries of transient backend errors.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when Options.Retry is the zero value.
var DefaultRetryPolicy = RetryPolicy{
	MaxTries:        4,
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxTries == 0 {
		p.MaxTries = DefaultRetryPolicy.MaxTries
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultRetryPolicy.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = max(DefaultRetryPolicy.MaxInterval, p.InitialInterval)
	}
	return p
}

// call runs fn, retrying transient and throttled backend errors with
// exponential backoff. Any other error is returned immediately. The whole
// call, retries included, is observed in stevedore_backend_call_seconds.
//
// Only idempotent operations go through call. Create and register requests
// are not retried: a request that timed out may still have been applied.
func call[T any](ctx context.Context, p RetryPolicy, backendName, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	defer func() {
		backendCallSeconds.WithLabelValues(backendName, op).Observe(time.Since(start).Seconds())
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !model.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.MaxTries))
}

// once runs fn a single time and observes its duration.
func once[T any](backendName, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	defer func() {
		backendCallSeconds.WithLabelValues(backendName, op).Observe(time.Since(start).Seconds())
	}()
	return fn()
}
