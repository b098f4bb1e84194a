// Package retry is the single retry policy applied at the NetworkClient
// boundary: bounded attempts, exponential backoff with jitter, and no retries
// for permanent failures.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// Policy configures retries. Attempts count the first try.
type Policy struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // delay before the second attempt (doubles each retry)
	MaxDelay    time.Duration // cap on a single delay
	Jitter      float64       // randomization factor in [0,1)
}

// DefaultPolicy returns production defaults for settlement dispatch.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

// Once returns a policy that retries exactly once after baseDelay.
func Once(baseDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: 2,
		BaseDelay:   baseDelay,
		MaxDelay:    baseDelay,
		Jitter:      0.1,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: p.Jitter,
		Multiplier:          2,
		MaxInterval:         p.MaxDelay,
	}
}

// Result reports how many attempts Do made.
type Result struct {
	Attempts int
}

// Do runs op until it succeeds, fails permanently (see domain.IsTransient),
// exhausts MaxAttempts, or ctx ends. The last error is returned.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, Result, error) {
	p = p.normalized()
	var res Result

	v, err := backoff.Retry(ctx, func() (T, error) {
		res.Attempts++
		v, err := op(ctx)
		if err != nil && !domain.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return v, res, err
}
