package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatcher/internal/alerting"
	"pricewatcher/internal/detector"
	"pricewatcher/internal/evaluator"
	"pricewatcher/internal/fetcher"
	"pricewatcher/internal/retry"
	"pricewatcher/internal/storage"
)

type memoryStore struct {
	mu       sync.Mutex
	products map[int64]storage.TrackedProduct
	history  map[int64][]storage.Observation
	rules    map[int64]storage.AlertRule
	events   []storage.AlertEvent
	releases []storage.ProductRelease
}

func newMemoryStore(products ...storage.TrackedProduct) *memoryStore {
	s := &memoryStore{
		products: make(map[int64]storage.TrackedProduct),
		history:  make(map[int64][]storage.Observation),
		rules:    make(map[int64]storage.AlertRule),
	}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *memoryStore) CreateProduct(ctx context.Context, product storage.TrackedProduct) (storage.TrackedProduct, error) {
	return product, nil
}

func (s *memoryStore) GetProduct(ctx context.Context, id int64) (storage.TrackedProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return storage.TrackedProduct{}, storage.ErrNotFound
	}
	return p, nil
}

func (s *memoryStore) ListProducts(ctx context.Context, includeDisabled bool) ([]storage.TrackedProduct, error) {
	return nil, nil
}

func (s *memoryStore) DisableProduct(ctx context.Context, id int64) error {
	return nil
}

func (s *memoryStore) DueProducts(ctx context.Context, now time.Time, limit int) ([]storage.TrackedProduct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []storage.TrackedProduct
	for _, p := range s.products {
		if p.Active && !p.NextCheckAt.After(now) && (p.InFlightUntil == nil || p.InFlightUntil.Before(now)) {
			due = append(due, p)
		}
	}
	return due, nil
}

func (s *memoryStore) ClaimProduct(ctx context.Context, id int64, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok || !p.Active {
		return false, nil
	}
	if p.InFlightUntil != nil && !p.InFlightUntil.Before(now) {
		return false, nil
	}
	until := now.Add(ttl)
	p.InFlightUntil = &until
	s.products[id] = p
	return true, nil
}

func (s *memoryStore) ReleaseProduct(ctx context.Context, release storage.ProductRelease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[release.ID]
	if !ok {
		return storage.ErrNotFound
	}
	p.InFlightUntil = nil
	p.Health = release.Health
	if release.LastCheckedAt != nil {
		p.LastCheckedAt = release.LastCheckedAt
	}
	p.NextCheckAt = release.NextCheckAt
	p.CurrentInterval = release.Interval
	p.ExhaustedStreak = release.ExhaustedStreak
	s.products[release.ID] = p
	s.releases = append(s.releases, release)
	return nil
}

func (s *memoryStore) AppendObservation(ctx context.Context, obs storage.Observation) (storage.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs.ID = int64(len(s.history[obs.ProductID]) + 1)
	s.history[obs.ProductID] = append(s.history[obs.ProductID], obs)
	return obs, nil
}

func (s *memoryStore) LatestObservation(ctx context.Context, productID int64) (*storage.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.history[productID]
	if len(history) == 0 {
		return nil, nil
	}
	latest := history[len(history)-1]
	return &latest, nil
}

func (s *memoryStore) ListObservationsBetween(ctx context.Context, productID int64, from, to time.Time) ([]storage.Observation, error) {
	return nil, nil
}

func (s *memoryStore) CreateRule(ctx context.Context, rule storage.AlertRule) (storage.AlertRule, error) {
	return rule, nil
}

func (s *memoryStore) GetRule(ctx context.Context, id int64) (storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return storage.AlertRule{}, storage.ErrNotFound
	}
	return rule, nil
}

func (s *memoryStore) ListRulesForProduct(ctx context.Context, productID int64) ([]storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.AlertRule
	for _, r := range s.rules {
		if r.ProductID == productID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memoryStore) ListRules(ctx context.Context) ([]storage.AlertRule, error) {
	return nil, nil
}

func (s *memoryStore) SetRuleState(ctx context.Context, id int64, state storage.RuleState) error {
	return nil
}

func (s *memoryStore) FireRule(ctx context.Context, id int64, prevFiredAt *time.Time, firedAt time.Time, expire bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok || rule.State != storage.RuleActive {
		return storage.ErrConflict
	}
	if (rule.LastFiredAt == nil) != (prevFiredAt == nil) {
		return storage.ErrConflict
	}
	if rule.LastFiredAt != nil && !rule.LastFiredAt.Equal(*prevFiredAt) {
		return storage.ErrConflict
	}
	rule.LastFiredAt = &firedAt
	if expire {
		rule.State = storage.RuleExpired
	}
	s.rules[id] = rule
	return nil
}

func (s *memoryStore) CreateEvent(ctx context.Context, event storage.AlertEvent) (storage.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.events) + 1)
	event.DispatchStatus = storage.DispatchPending
	s.events = append(s.events, event)
	return event, nil
}

func (s *memoryStore) MarkEventDispatched(ctx context.Context, id int64, status storage.DispatchStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == id && s.events[i].DispatchStatus == storage.DispatchPending {
			s.events[i].DispatchStatus = status
			if reason != "" {
				r := reason
				s.events[i].FailureReason = &r
			}
		}
	}
	return nil
}

func (s *memoryStore) ListRecentEvents(ctx context.Context, limit int) ([]storage.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AlertEvent(nil), s.events...), nil
}

type slowFetcher struct {
	result fetcher.Result
	err    error
	delay  time.Duration

	mu    sync.Mutex
	calls int
}

func (f *slowFetcher) Fetch(ctx context.Context, locator string) (fetcher.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return fetcher.Result{}, f.err
	}
	result := f.result
	if result.ObservedAt.IsZero() {
		result.ObservedAt = time.Now().UTC()
	}
	return result, nil
}

type countingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *countingNotifier) Notify(ctx context.Context, msg alerting.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	return nil
}

func testProduct() storage.TrackedProduct {
	return storage.TrackedProduct{
		ID:          1,
		Locator:     "https://shop.example/widget",
		DisplayName: "Widget",
		Active:      true,
		Health:      storage.HealthHealthy,
		Policy: storage.PollingPolicy{
			BaseInterval:      time.Hour,
			MinInterval:       10 * time.Minute,
			MaxInterval:       24 * time.Hour,
			BackoffMultiplier: 2,
		},
		CurrentInterval: time.Hour,
		NextCheckAt:     time.Now().UTC().Add(-time.Minute),
	}
}

func testService(store *memoryStore, fetch fetcher.Fetcher, dispatcher *alerting.Dispatcher) *Service {
	var eval *evaluator.Evaluator
	if dispatcher != nil {
		eval = evaluator.New(store, store, 24*time.Hour, zerolog.Nop())
	}
	retrier := retry.New(retry.Options{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, zerolog.Nop())
	det := detector.New(80)

	svc := New(Options{Workers: 2, LeaseTTL: time.Minute, FailingAfter: 3}, store, store, det, eval, dispatcher, retrier, fetch, nil, zerolog.Nop())
	svc.jitter = func() float64 { return 0.5 }
	return svc
}

func TestProcessProductAppendsObservationAndReschedules(t *testing.T) {
	store := newMemoryStore(testProduct())
	fetch := &slowFetcher{result: fetcher.Result{Price: decimal.RequireFromString("19.99"), Currency: "USD", Available: true}}
	svc := testService(store, fetch, nil)

	if err := svc.ProcessProduct(context.Background(), store.products[1]); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	if len(store.history[1]) != 1 {
		t.Fatalf("expected one observation, got %d", len(store.history[1]))
	}
	product, _ := store.GetProduct(context.Background(), 1)
	if product.Health != storage.HealthHealthy || product.ExhaustedStreak != 0 {
		t.Fatalf("success should restore health, got %s streak=%d", product.Health, product.ExhaustedStreak)
	}
	if product.InFlightUntil != nil {
		t.Fatal("lease must be released")
	}
	// First observation is the baseline; unchanged grows the interval.
	if product.CurrentInterval != 2*time.Hour {
		t.Fatalf("expected grown interval 2h, got %s", product.CurrentInterval)
	}
}

func TestProcessProductPriceDropResetsInterval(t *testing.T) {
	product := testProduct()
	product.CurrentInterval = 8 * time.Hour
	store := newMemoryStore(product)
	store.history[1] = []storage.Observation{{
		ID: 1, ProductID: 1,
		Price:      decimal.RequireFromString("25.00"),
		Currency:   "USD",
		Available:  true,
		ObservedAt: time.Now().UTC().Add(-time.Hour),
	}}

	fetch := &slowFetcher{result: fetcher.Result{Price: decimal.RequireFromString("19.99"), Currency: "USD", Available: true}}
	svc := testService(store, fetch, nil)

	if err := svc.ProcessProduct(context.Background(), product); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	got, _ := store.GetProduct(context.Background(), 1)
	if got.CurrentInterval != 10*time.Minute {
		t.Fatalf("price change should reset interval to min, got %s", got.CurrentInterval)
	}
}

func TestProcessProductFiresAndDispatchesAlert(t *testing.T) {
	product := testProduct()
	store := newMemoryStore(product)
	store.history[1] = []storage.Observation{{
		ID: 1, ProductID: 1,
		Price:      decimal.RequireFromString("25.00"),
		Currency:   "USD",
		Available:  true,
		ObservedAt: time.Now().UTC().Add(-time.Hour),
	}}
	store.rules[1] = storage.AlertRule{
		ID:          1,
		ProductID:   1,
		TargetPrice: decimal.RequireFromString("20"),
		Direction:   storage.DirectionAtOrBelow,
		Channel:     "telegram",
		Address:     "chat",
		Cooldown:    time.Hour,
		State:       storage.RuleActive,
	}

	dispatcher := alerting.NewDispatcher(store, zerolog.Nop())
	notifier := &countingNotifier{}
	dispatcher.Register("telegram", notifier)

	fetch := &slowFetcher{result: fetcher.Result{Price: decimal.RequireFromString("19.99"), Currency: "USD", Available: true}}
	svc := testService(store, fetch, dispatcher)

	if err := svc.ProcessProduct(context.Background(), product); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	if notifier.calls != 1 {
		t.Fatalf("expected one alert delivery, got %d", notifier.calls)
	}
	events, _ := store.ListRecentEvents(context.Background(), 10)
	if len(events) != 1 || events[0].DispatchStatus != storage.DispatchSent {
		t.Fatalf("expected one sent event, got %+v", events)
	}
}

func TestProcessProductAnomalousStoredButSuppressed(t *testing.T) {
	product := testProduct()
	store := newMemoryStore(product)
	store.history[1] = []storage.Observation{{
		ID: 1, ProductID: 1,
		Price:      decimal.RequireFromString("100.00"),
		Currency:   "USD",
		Available:  true,
		ObservedAt: time.Now().UTC().Add(-time.Hour),
	}}
	store.rules[1] = storage.AlertRule{
		ID:          1,
		ProductID:   1,
		TargetPrice: decimal.RequireFromString("20"),
		Direction:   storage.DirectionAtOrBelow,
		Channel:     "telegram",
		Address:     "chat",
		Cooldown:    time.Hour,
		State:       storage.RuleActive,
	}

	dispatcher := alerting.NewDispatcher(store, zerolog.Nop())
	notifier := &countingNotifier{}
	dispatcher.Register("telegram", notifier)

	// 95% drop: below target but implausible.
	fetch := &slowFetcher{result: fetcher.Result{Price: decimal.RequireFromString("5.00"), Currency: "USD", Available: true}}
	svc := testService(store, fetch, dispatcher)

	if err := svc.ProcessProduct(context.Background(), product); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	if len(store.history[1]) != 2 {
		t.Fatalf("anomalous observation must still be stored, got %d", len(store.history[1]))
	}
	if notifier.calls != 0 {
		t.Fatalf("anomalous observation must not alert, got %d deliveries", notifier.calls)
	}
}

func TestProcessProductExhaustedDegradesHealth(t *testing.T) {
	store := newMemoryStore(testProduct())
	fetch := &slowFetcher{err: fetcher.Transient(errors.New("timeout"))}
	svc := testService(store, fetch, nil)

	if err := svc.ProcessProduct(context.Background(), store.products[1]); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	if len(store.history[1]) != 0 {
		t.Fatal("failed check must not append an observation")
	}
	product, _ := store.GetProduct(context.Background(), 1)
	if product.Health != storage.HealthDegraded || product.ExhaustedStreak != 1 {
		t.Fatalf("expected degraded streak=1, got %s streak=%d", product.Health, product.ExhaustedStreak)
	}
	if fetch.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", fetch.calls)
	}
	// base * multiplier^1 = 2h
	if product.CurrentInterval != 2*time.Hour {
		t.Fatalf("expected backoff interval 2h, got %s", product.CurrentInterval)
	}
}

func TestProcessProductFailingAfterThreeStreaks(t *testing.T) {
	product := testProduct()
	product.Health = storage.HealthDegraded
	product.ExhaustedStreak = 2
	store := newMemoryStore(product)
	fetch := &slowFetcher{err: fetcher.Transient(errors.New("timeout"))}
	svc := testService(store, fetch, nil)

	if err := svc.ProcessProduct(context.Background(), product); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	got, _ := store.GetProduct(context.Background(), 1)
	if got.Health != storage.HealthFailing || got.ExhaustedStreak != 3 {
		t.Fatalf("expected failing streak=3, got %s streak=%d", got.Health, got.ExhaustedStreak)
	}
}

func TestProcessProductPermanentFailure(t *testing.T) {
	store := newMemoryStore(testProduct())
	fetch := &slowFetcher{err: fetcher.Permanent(errors.New("gone"))}
	svc := testService(store, fetch, nil)

	if err := svc.ProcessProduct(context.Background(), store.products[1]); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	product, _ := store.GetProduct(context.Background(), 1)
	if product.Health != storage.HealthFailing {
		t.Fatalf("permanent failure should mark failing, got %s", product.Health)
	}
	if product.CurrentInterval != 24*time.Hour {
		t.Fatalf("failing product polls at the policy ceiling, got %s", product.CurrentInterval)
	}
	if fetch.calls != 1 {
		t.Fatalf("permanent failure must not retry, got %d attempts", fetch.calls)
	}
}

func TestProcessProductRecoveryRestoresHealth(t *testing.T) {
	product := testProduct()
	product.Health = storage.HealthFailing
	product.ExhaustedStreak = 5
	store := newMemoryStore(product)
	fetch := &slowFetcher{result: fetcher.Result{Price: decimal.RequireFromString("10"), Currency: "USD", Available: true}}
	svc := testService(store, fetch, nil)

	if err := svc.ProcessProduct(context.Background(), product); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	got, _ := store.GetProduct(context.Background(), 1)
	if got.Health != storage.HealthHealthy || got.ExhaustedStreak != 0 {
		t.Fatalf("success should recover the product, got %s streak=%d", got.Health, got.ExhaustedStreak)
	}
}

func TestProcessProductConcurrentClaimsSerialize(t *testing.T) {
	store := newMemoryStore(testProduct())
	fetch := &slowFetcher{
		result: fetcher.Result{Price: decimal.RequireFromString("19.99"), Currency: "USD", Available: true},
		delay:  100 * time.Millisecond,
	}
	svc := testService(store, fetch, nil)

	product := store.products[1]
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := svc.ProcessProduct(context.Background(), product); err != nil {
				t.Errorf("pipeline failed: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	// Exactly one caller wins the lease while it is held.
	if len(store.history[1]) != 1 {
		t.Fatalf("expected a single observation, got %d", len(store.history[1]))
	}
	if fetch.calls != 1 {
		t.Fatalf("expected a single fetch, got %d", fetch.calls)
	}
}

func TestProcessProductCanceledLeavesScheduleUntouched(t *testing.T) {
	product := testProduct()
	nextCheck := product.NextCheckAt
	store := newMemoryStore(product)
	fetch := &slowFetcher{result: fetcher.Result{Price: decimal.RequireFromString("19.99"), Currency: "USD", Available: true}}
	svc := testService(store, fetch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	// Cancel after the claim but before the fetch attempt runs.
	svc.now = func() time.Time {
		cancel()
		return time.Now().UTC()
	}

	if err := svc.ProcessProduct(ctx, product); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	got, _ := store.GetProduct(context.Background(), 1)
	if got.InFlightUntil != nil {
		t.Fatal("lease must be released even when canceled")
	}
	if !got.NextCheckAt.Equal(nextCheck) {
		t.Fatalf("canceled pipeline must not reschedule: %s vs %s", got.NextCheckAt, nextCheck)
	}
	if got.LastCheckedAt != nil {
		t.Fatal("canceled pipeline must not stamp last_checked_at")
	}
	if len(store.history[1]) != 0 {
		t.Fatal("canceled pipeline must not observe")
	}
}
