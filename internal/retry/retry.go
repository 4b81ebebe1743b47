// Package retry runs idempotent operations with bounded exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

type Policy struct {
	Attempts   int           // total tries, including the first
	BaseDelay  time.Duration // delay before the second try
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
	// Retryable decides whether an error is worth another try. Nil retries every error.
	Retryable func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		BaseDelay:  50 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.BaseDelay
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		wait := delay
		if p.Jitter && wait > 0 {
			wait = wait/2 + time.Duration(rand.Int63n(int64(wait/2)+1))
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}
		delay = next(delay, p)
	}
	return err
}

func next(d time.Duration, p Policy) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 2
	}
	d = time.Duration(float64(d) * m)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
