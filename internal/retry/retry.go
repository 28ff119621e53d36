package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"pricewatcher/internal/fetcher"
)

// Status is the terminal state of a retried fetch.
type Status string

const (
	// StatusSucceeded means an attempt returned a usable result.
	StatusSucceeded Status = "succeeded"
	// StatusExhausted means every transient retry was used up.
	StatusExhausted Status = "exhausted"
	// StatusPermanent means an attempt failed in a way retrying cannot fix.
	StatusPermanent Status = "permanent"
	// StatusCanceled means the surrounding context was canceled mid-retry.
	StatusCanceled Status = "canceled"
)

// Outcome summarises a retried fetch.
type Outcome struct {
	Status   Status
	Attempts int
	Err      error
}

// Options tune the backoff discipline.
type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Controller wraps fetch attempts with bounded retries and exponential
// backoff with jitter. Delays are scheduled resumptions against the
// context, not busy waits.
type Controller struct {
	opts   Options
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	randFn func() float64
}

// New constructs a Controller.
func New(opts Options, logger zerolog.Logger) *Controller {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 2 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	return &Controller{
		opts:   opts,
		logger: logger.With().Str("component", "retry").Logger(),
		sleep:  sleepCtx,
		randFn: rand.Float64,
	}
}

// Do runs attempt until it succeeds, fails permanently, or the attempt
// budget is spent. Each transient failure waits base_delay * 2^attempt
// plus jitter, capped at max_delay.
func (c *Controller) Do(ctx context.Context, attempt func(ctx context.Context) error) Outcome {
	var lastErr error

	for i := 0; i < c.opts.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Status: StatusCanceled, Attempts: i, Err: err}
		}

		err := attempt(ctx)
		if err == nil {
			return Outcome{Status: StatusSucceeded, Attempts: i + 1}
		}
		lastErr = err

		if fetcher.IsPermanent(err) {
			return Outcome{Status: StatusPermanent, Attempts: i + 1, Err: err}
		}

		if i == c.opts.MaxAttempts-1 {
			break
		}

		delay := c.backoffDelay(i)
		c.logger.Debug().Err(err).Int("attempt", i+1).Dur("delay", delay).Msg("transient fetch failure, backing off")
		if err := c.sleep(ctx, delay); err != nil {
			return Outcome{Status: StatusCanceled, Attempts: i + 1, Err: err}
		}
	}

	return Outcome{Status: StatusExhausted, Attempts: c.opts.MaxAttempts, Err: lastErr}
}

func (c *Controller) backoffDelay(attempt int) time.Duration {
	delay := c.opts.BaseDelay << uint(attempt)
	if delay > c.opts.MaxDelay {
		delay = c.opts.MaxDelay
	}
	// Up to 50% jitter so stalled products do not retry in lockstep.
	jitter := time.Duration(c.randFn() * float64(delay) / 2)
	if delay+jitter > c.opts.MaxDelay {
		return c.opts.MaxDelay
	}
	return delay + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
