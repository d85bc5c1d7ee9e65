package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy is the single retry/backoff policy shared by token refresh,
// provider fetches and subscription registration.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter adds up to this duration of random delay per attempt.
	Jitter time.Duration
	// Retryable classifies errors; nil means nothing is retried.
	Retryable func(error) bool
	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// ProviderPolicy is the small fixed policy for provider network calls.
func ProviderPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Second,
		Jitter:       250 * time.Millisecond,
		Retryable:    retryable,
	}
}

// Delay returns the backoff before the given attempt (1-based, attempt 1 has no delay).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay)
	for i := 2; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	delay := time.Duration(d)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt)
			if p.Jitter > 0 {
				delay += time.Duration(rand.Int63n(int64(p.Jitter)))
			}
			if p.OnRetry != nil {
				p.OnRetry(attempt, delay, err)
			}
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return err
				case <-timer.C:
				}
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

// DoValue is Do for functions that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
