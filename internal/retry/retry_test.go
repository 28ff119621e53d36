package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pricewatcher/internal/fetcher"
)

func testController(opts Options) (*Controller, *[]time.Duration) {
	c := New(opts, zerolog.Nop())
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	c.randFn = func() float64 { return 0 }
	return c, &delays
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	c, delays := testController(Options{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})

	calls := 0
	outcome := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	if outcome.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", outcome.Status)
	}
	if calls != 1 || outcome.Attempts != 1 {
		t.Fatalf("expected exactly one attempt, got calls=%d attempts=%d", calls, outcome.Attempts)
	}
	if len(*delays) != 0 {
		t.Fatalf("no backoff expected on success, got %v", *delays)
	}
}

func TestDoExhaustsTransientFailures(t *testing.T) {
	c, delays := testController(Options{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})

	calls := 0
	outcome := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fetcher.Transient(errors.New("boom"))
	})

	if outcome.Status != StatusExhausted {
		t.Fatalf("expected exhausted, got %s", outcome.Status)
	}
	if calls != 3 || outcome.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got calls=%d attempts=%d", calls, outcome.Attempts)
	}
	if outcome.Err == nil {
		t.Fatal("exhausted outcome should carry the last error")
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("expected %d backoffs, got %v", len(want), *delays)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Fatalf("backoff %d: expected %s, got %s", i, d, (*delays)[i])
		}
	}
}

func TestDoPermanentShortCircuits(t *testing.T) {
	c, delays := testController(Options{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})

	calls := 0
	outcome := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fetcher.Permanent(errors.New("gone"))
	})

	if outcome.Status != StatusPermanent {
		t.Fatalf("expected permanent, got %s", outcome.Status)
	}
	if calls != 1 {
		t.Fatalf("permanent failure must not be retried, got %d calls", calls)
	}
	if len(*delays) != 0 {
		t.Fatalf("no backoff expected, got %v", *delays)
	}
}

func TestDoCanceledContext(t *testing.T) {
	c, _ := testController(Options{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := c.Do(ctx, func(ctx context.Context) error {
		t.Fatal("attempt should not run on canceled context")
		return nil
	})

	if outcome.Status != StatusCanceled {
		t.Fatalf("expected canceled, got %s", outcome.Status)
	}
}

func TestDoCanceledDuringBackoff(t *testing.T) {
	c := New(Options{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}, zerolog.Nop())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}
	c.randFn = func() float64 { return 0 }

	outcome := c.Do(context.Background(), func(ctx context.Context) error {
		return fetcher.Transient(errors.New("boom"))
	})

	if outcome.Status != StatusCanceled {
		t.Fatalf("expected canceled, got %s", outcome.Status)
	}
	if outcome.Attempts != 1 {
		t.Fatalf("expected one attempt before cancellation, got %d", outcome.Attempts)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	c, _ := testController(Options{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second})
	c.randFn = func() float64 { return 1 }

	if got := c.backoffDelay(9); got > 5*time.Second {
		t.Fatalf("delay must be capped at max, got %s", got)
	}
}
