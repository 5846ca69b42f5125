// Package retry implements bounded retries with exponential backoff and
// jitter for operations against flaky external services: the VM control
// API, the instance metadata server, and the workflow queue.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Policy defines retry behavior. The zero value performs a single
// attempt with no retries.
type Policy struct {
	Attempts      int           // total attempts, including the first
	InitialDelay  time.Duration // delay before the second attempt
	MaxDelay      time.Duration // cap on the backoff curve
	BackoffFactor float64       // multiplier per attempt
}

// DefaultPolicy returns sensible defaults for cloud API calls.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:      4,
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Do runs op until it succeeds, the attempt budget is spent, the error
// is ruled non-retryable, or ctx ends. retryable may be nil, which
// retries every error. The last error is returned on exhaustion.
func (p Policy) Do(ctx context.Context, log zerolog.Logger, what string, op func(context.Context) error, retryable func(error) bool) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		delay := p.delay(attempt)
		log.Warn().
			Err(lastErr).
			Str("op", what).
			Int("attempt", attempt+1).
			Int("attempts", attempts).
			Dur("delay", delay).
			Msg("operation failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// delay computes the exponential backoff for an attempt with ±25% jitter.
func (p Policy) delay(attempt int) time.Duration {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	factor := p.BackoffFactor
	if factor <= 1 {
		factor = 2.0
	}
	d := float64(initial) * math.Pow(factor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if max := float64(p.MaxDelay); max > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}
