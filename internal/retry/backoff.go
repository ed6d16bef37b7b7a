// Package retry runs startup operations, such as opening the idempotency
// store, with capped exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"

	"docrelay/internal/constants"
)

// Policy describes how often and how patiently to retry.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	// Jitter spreads each delay by up to ±25%.
	Jitter bool
}

// DefaultPolicy is used for store initialisation.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: constants.DefaultRetryBackoffMs * time.Millisecond,
		MaxDelay:     constants.DefaultMaxBackoffMs * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	}
}

// Attempt describes a failed try, passed to OnRetry hooks.
type Attempt struct {
	Number int
	Err    error
	Delay  time.Duration
}

// Option tunes a single Do call.
type Option func(*settings)

type settings struct {
	retryable func(error) bool
	onRetry   func(Attempt)
	sleep     func(ctx context.Context, d time.Duration) error
}

// If limits retries to errors for which fn returns true; any other error is
// returned immediately.
func If(fn func(error) bool) Option {
	return func(s *settings) { s.retryable = fn }
}

// OnRetry registers fn to be called before each wait.
func OnRetry(fn func(Attempt)) Option {
	return func(s *settings) { s.onRetry = fn }
}

// Do calls op until it succeeds, returns a non-retryable error, the policy
// runs out of attempts, or ctx is done. It returns op's last error, or
// ctx's error when cancelled while waiting.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, opts ...Option) error {
	s := settings{sleep: sleep}
	for _, opt := range opts {
		opt(&s)
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for n := 1; n <= attempts; n++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}

		if err = op(ctx); err == nil {
			return nil
		}
		if s.retryable != nil && !s.retryable(err) {
			return err
		}
		if n == attempts {
			break
		}

		delay := p.Delay(n)
		if s.onRetry != nil {
			s.onRetry(Attempt{Number: n, Err: err, Delay: delay})
		}
		if waitErr := s.sleep(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
	return err
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			break
		}
	}
	if p.Jitter {
		d += d * 0.25 * (rand.Float64()*2 - 1)
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
