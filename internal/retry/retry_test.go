package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestDoSucceedsAfterTransientFailures verifies the attempt budget covers
// early failures.
func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p := Policy{Attempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2}
	calls := 0
	err := p.Do(context.Background(), zerolog.Nop(), "test", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

// TestDoExhaustsAttempts verifies the last error surfaces on exhaustion.
func TestDoExhaustsAttempts(t *testing.T) {
	p := Policy{Attempts: 2, InitialDelay: time.Millisecond}
	want := errors.New("still broken")
	calls := 0
	err := p.Do(context.Background(), zerolog.Nop(), "test", func(context.Context) error {
		calls++
		return want
	}, nil)
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

// TestDoStopsOnNonRetryable verifies classification short-circuits.
func TestDoStopsOnNonRetryable(t *testing.T) {
	p := Policy{Attempts: 5, InitialDelay: time.Millisecond}
	fatal := errors.New("fatal")
	calls := 0
	err := p.Do(context.Background(), zerolog.Nop(), "test", func(context.Context) error {
		calls++
		return fatal
	}, func(err error) bool { return !errors.Is(err, fatal) })
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

// TestDoHonorsContext verifies cancellation wins over the retry loop.
func TestDoHonorsContext(t *testing.T) {
	p := Policy{Attempts: 10, InitialDelay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Do(ctx, zerolog.Nop(), "test", func(context.Context) error {
		return errors.New("transient")
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// TestDelayCapped verifies the backoff curve respects MaxDelay.
func TestDelayCapped(t *testing.T) {
	p := Policy{Attempts: 8, InitialDelay: time.Second, MaxDelay: 2 * time.Second, BackoffFactor: 3}
	for attempt := 0; attempt < 8; attempt++ {
		if d := p.delay(attempt); d > 2*time.Second {
			t.Fatalf("delay(%d) = %v, exceeds cap", attempt, d)
		}
	}
}
