package scheduler

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"pricewatcher/internal/detector"
	"pricewatcher/internal/storage"
)

// DueSource lists products whose next check time has passed.
type DueSource interface {
	DueProducts(ctx context.Context, now time.Time, limit int) ([]storage.TrackedProduct, error)
}

// DispatchFunc receives one due product. It may block while the worker pool
// is saturated; the scheduler never runs a pipeline itself.
type DispatchFunc func(ctx context.Context, product storage.TrackedProduct) error

// Options tune scheduler behaviour.
type Options struct {
	ScanInterval time.Duration
	BatchSize    int
}

// Scheduler drives periodic scans of the persisted due-product queue. The
// queue lives in storage, indexed by next_check_at, so multiple worker
// processes can share it.
type Scheduler struct {
	opts   Options
	source DueSource
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, source DueSource, logger zerolog.Logger) *Scheduler {
	if opts.ScanInterval <= 0 {
		panic("scheduler scan interval must be positive")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Scheduler{opts: opts, source: source, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, scanning for due products on every tick until ctx is
// cancelled. Dispatch errors are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context, dispatch DispatchFunc) error {
	for {
		timer := time.NewTimer(s.opts.ScanInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		now := time.Now().UTC()
		due, err := s.source.DueProducts(ctx, now, s.opts.BatchSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("due product scan failed")
			continue
		}
		if len(due) == 0 {
			continue
		}

		s.logger.Debug().Int("due", len(due)).Msg("dispatching due products")
		for _, product := range due {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := dispatch(ctx, product); err != nil {
				s.logger.Error().Err(err).Int64("product_id", product.ID).Msg("dispatch failed")
			}
		}
	}
}

// NextInterval adapts the polling interval after a successful check.
// Unchanged observations decay urgency multiplicatively toward the policy
// max; any detected change snaps back to the min so volatile products are
// checked more often. Anomalous readings are treated as unchanged since no
// trusted change was confirmed.
func NextInterval(policy storage.PollingPolicy, current time.Duration, classification detector.Classification) time.Duration {
	if current <= 0 {
		current = policy.BaseInterval
	}

	switch classification {
	case detector.PriceDrop, detector.PriceRise, detector.AvailabilityChange:
		return policy.MinInterval
	default:
		grown := time.Duration(float64(current) * policy.BackoffMultiplier)
		if grown > policy.MaxInterval {
			return policy.MaxInterval
		}
		if grown < policy.MinInterval {
			return policy.MinInterval
		}
		return grown
	}
}

// BackoffInterval computes the interval after a failure streak. Failing
// products are still polled, but never faster than the backoff allows and
// never slower than the policy max.
func BackoffInterval(policy storage.PollingPolicy, streak int) time.Duration {
	if streak <= 0 {
		return policy.BaseInterval
	}
	backoff := time.Duration(float64(policy.BaseInterval) * math.Pow(policy.BackoffMultiplier, float64(streak)))
	if backoff > policy.MaxInterval {
		return policy.MaxInterval
	}
	return backoff
}

// Jitter spreads an interval by up to ±10% to avoid thundering-herd
// re-checks of products registered together.
func Jitter(interval time.Duration, randFn func() float64) time.Duration {
	if randFn == nil {
		randFn = rand.Float64
	}
	factor := 1 + (randFn()*2-1)*0.1
	return time.Duration(float64(interval) * factor)
}

// NextHealth computes the product health transition for a check outcome.
// One exhausted cycle degrades a healthy product; failingAfter consecutive
// exhaustions mark it failing. Any success restores healthy.
func NextHealth(current storage.HealthState, succeeded, permanent bool, streak, failingAfter int) storage.HealthState {
	switch {
	case succeeded:
		return storage.HealthHealthy
	case permanent:
		return storage.HealthFailing
	case streak >= failingAfter:
		return storage.HealthFailing
	default:
		return storage.HealthDegraded
	}
}
