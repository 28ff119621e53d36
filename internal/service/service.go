package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pricewatcher/internal/alerting"
	"pricewatcher/internal/detector"
	"pricewatcher/internal/evaluator"
	"pricewatcher/internal/fetcher"
	"pricewatcher/internal/retry"
	"pricewatcher/internal/scheduler"
	"pricewatcher/internal/storage"
)

// Options tune the pipeline service.
type Options struct {
	Workers      int
	LeaseTTL     time.Duration
	FetchTimeout time.Duration
	FailingAfter int
}

// Service runs the fetch → classify → evaluate → dispatch pipeline for due
// products. Workers share no per-product state outside the persistence
// layer; the lease acquired on claim serialises pipelines per product.
type Service struct {
	opts Options

	products     storage.ProductStore
	observations storage.ObservationStore
	detector     *detector.Detector
	evaluator    *evaluator.Evaluator
	dispatcher   *alerting.Dispatcher
	retrier      *retry.Controller
	fetch        fetcher.Fetcher
	sched        *scheduler.Scheduler
	logger       zerolog.Logger

	now    func() time.Time
	jitter func() float64
}

// New constructs the pipeline service.
func New(
	opts Options,
	products storage.ProductStore,
	observations storage.ObservationStore,
	det *detector.Detector,
	eval *evaluator.Evaluator,
	dispatcher *alerting.Dispatcher,
	retrier *retry.Controller,
	fetch fetcher.Fetcher,
	sched *scheduler.Scheduler,
	logger zerolog.Logger,
) *Service {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	if opts.FailingAfter <= 0 {
		opts.FailingAfter = 3
	}
	return &Service{
		opts:         opts,
		products:     products,
		observations: observations,
		detector:     det,
		evaluator:    eval,
		dispatcher:   dispatcher,
		retrier:      retrier,
		fetch:        fetch,
		sched:        sched,
		logger:       logger.With().Str("component", "service").Logger(),
		now:          func() time.Time { return time.Now().UTC() },
		jitter:       nil,
	}
}

// Run starts the worker pool and blocks driving the scheduler until ctx is
// cancelled. Cancellation stops new dispatches; in-flight pipelines finish
// and release their leases before Run returns.
func (s *Service) Run(ctx context.Context) error {
	if s.sched == nil {
		return fmt.Errorf("scheduler not configured")
	}

	queue := make(chan storage.TrackedProduct)
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for product := range queue {
				if err := s.ProcessProduct(ctx, product); err != nil {
					s.logger.Error().Err(err).Int64("product_id", product.ID).Msg("pipeline failed")
				}
			}
		}()
	}

	err := s.sched.Run(ctx, func(ctx context.Context, product storage.TrackedProduct) error {
		select {
		case queue <- product:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	close(queue)
	wg.Wait()
	return err
}

// ProcessProduct runs one pipeline pass for a product. It is safe to invoke
// concurrently for the same product: only the caller that wins the lease
// proceeds, everyone else returns immediately.
func (s *Service) ProcessProduct(ctx context.Context, product storage.TrackedProduct) error {
	now := s.now()

	claimed, err := s.products.ClaimProduct(ctx, product.ID, now, s.opts.LeaseTTL)
	if err != nil {
		return fmt.Errorf("claim product %d: %w", product.ID, err)
	}
	if !claimed {
		s.logger.Debug().Int64("product_id", product.ID).Msg("skip check, lease held elsewhere")
		return nil
	}

	release := s.executeCheck(ctx, product, now)

	// Release must not be abandoned when ctx is already cancelled, or the
	// lease would block the product until expiry.
	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.products.ReleaseProduct(releaseCtx, release); err != nil {
		return fmt.Errorf("release product %d: %w", product.ID, err)
	}
	return nil
}

func (s *Service) executeCheck(ctx context.Context, product storage.TrackedProduct, now time.Time) storage.ProductRelease {
	var result fetcher.Result
	outcome := s.retrier.Do(ctx, func(ctx context.Context) error {
		attemptCtx := ctx
		if s.opts.FetchTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.opts.FetchTimeout)
			defer cancel()
		}
		fetched, err := s.fetch.Fetch(attemptCtx, product.Locator)
		if err != nil {
			return err
		}
		result = fetched
		return nil
	})

	switch outcome.Status {
	case retry.StatusSucceeded:
		return s.handleSuccess(ctx, product, result, now)
	case retry.StatusExhausted:
		return s.handleExhausted(product, outcome, now)
	case retry.StatusPermanent:
		return s.handlePermanent(product, outcome, now)
	default: // canceled: leave scheduling untouched so the product re-dues
		return storage.ProductRelease{
			ID:              product.ID,
			Health:          product.Health,
			NextCheckAt:     product.NextCheckAt,
			Interval:        product.CurrentInterval,
			ExhaustedStreak: product.ExhaustedStreak,
		}
	}
}

func (s *Service) handleSuccess(ctx context.Context, product storage.TrackedProduct, result fetcher.Result, now time.Time) storage.ProductRelease {
	prev, err := s.observations.LatestObservation(ctx, product.ID)
	if err != nil {
		s.logger.Error().Err(err).Int64("product_id", product.ID).Msg("failed to read latest observation")
	}

	obs := storage.Observation{
		ProductID:  product.ID,
		Price:      result.Price,
		Currency:   result.Currency,
		Available:  result.Available,
		ObservedAt: result.ObservedAt,
		Source:     storage.SourceLive,
	}
	classification := s.detector.Classify(prev, obs)

	// History is the record of truth; the observation is stored regardless
	// of classification, anomalous readings included.
	stored, err := s.observations.AppendObservation(ctx, obs)
	if err != nil {
		s.logger.Error().Err(err).Int64("product_id", product.ID).Msg("failed to append observation")
		stored = obs
	}

	s.logger.Info().
		Int64("product_id", product.ID).
		Str("price", stored.Price.String()).
		Str("classification", string(classification)).
		Msg("observation recorded")

	if classification == detector.Anomalous {
		s.logger.Warn().
			Int64("product_id", product.ID).
			Str("price", stored.Price.String()).
			Msg("anomalous price movement, alerts suppressed")
	}

	if s.evaluator != nil {
		fired, err := s.evaluator.Evaluate(ctx, product.ID, classification, stored)
		if err != nil {
			s.logger.Error().Err(err).Int64("product_id", product.ID).Msg("rule evaluation failed")
		}
		for _, f := range fired {
			s.dispatchFired(ctx, product, f, classification, stored)
		}
	}

	interval := scheduler.NextInterval(product.Policy, product.CurrentInterval, classification)
	return storage.ProductRelease{
		ID:              product.ID,
		Health:          storage.HealthHealthy,
		LastCheckedAt:   &now,
		NextCheckAt:     now.Add(scheduler.Jitter(interval, s.jitter)),
		Interval:        interval,
		ExhaustedStreak: 0,
	}
}

func (s *Service) dispatchFired(ctx context.Context, product storage.TrackedProduct, fired evaluator.Fired, classification detector.Classification, obs storage.Observation) {
	if s.dispatcher == nil {
		return
	}
	msg := alerting.Message{
		ProductName:    product.DisplayName,
		Locator:        product.Locator,
		Price:          obs.Price,
		Currency:       obs.Currency,
		TargetPrice:    fired.Rule.TargetPrice,
		Direction:      string(fired.Rule.Direction),
		Classification: string(classification),
		Available:      obs.Available,
		ObservedAt:     obs.ObservedAt,
		Channel:        fired.Rule.Channel,
		Address:        fired.Rule.Address,
	}
	s.dispatcher.Dispatch(ctx, fired.Event, msg)
}

func (s *Service) handleExhausted(product storage.TrackedProduct, outcome retry.Outcome, now time.Time) storage.ProductRelease {
	streak := product.ExhaustedStreak + 1
	health := scheduler.NextHealth(product.Health, false, false, streak, s.opts.FailingAfter)

	s.logger.Warn().
		Err(outcome.Err).
		Int64("product_id", product.ID).
		Int("attempts", outcome.Attempts).
		Int("streak", streak).
		Str("health", string(health)).
		Msg("fetch retries exhausted")

	interval := scheduler.BackoffInterval(product.Policy, streak)
	return storage.ProductRelease{
		ID:              product.ID,
		Health:          health,
		LastCheckedAt:   &now,
		NextCheckAt:     now.Add(scheduler.Jitter(interval, s.jitter)),
		Interval:        interval,
		ExhaustedStreak: streak,
	}
}

func (s *Service) handlePermanent(product storage.TrackedProduct, outcome retry.Outcome, now time.Time) storage.ProductRelease {
	s.logger.Error().
		Err(outcome.Err).
		Int64("product_id", product.ID).
		Msg("permanent fetch failure, product marked failing")

	// Failing products are still polled, at the policy ceiling, so recovery
	// is detected without operator action.
	interval := product.Policy.MaxInterval
	return storage.ProductRelease{
		ID:              product.ID,
		Health:          storage.HealthFailing,
		LastCheckedAt:   &now,
		NextCheckAt:     now.Add(scheduler.Jitter(interval, s.jitter)),
		Interval:        interval,
		ExhaustedStreak: product.ExhaustedStreak,
	}
}
