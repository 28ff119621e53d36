package evaluator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatcher/internal/detector"
	"pricewatcher/internal/storage"
)

type fakeRuleStore struct {
	mu            sync.Mutex
	rules         map[int64]storage.AlertRule
	conflictFires int
}

func newFakeRuleStore(rules ...storage.AlertRule) *fakeRuleStore {
	s := &fakeRuleStore{rules: make(map[int64]storage.AlertRule)}
	for _, r := range rules {
		s.rules[r.ID] = r
	}
	return s
}

func (s *fakeRuleStore) CreateRule(ctx context.Context, rule storage.AlertRule) (storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule.ID = int64(len(s.rules) + 1)
	s.rules[rule.ID] = rule
	return rule, nil
}

func (s *fakeRuleStore) GetRule(ctx context.Context, id int64) (storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return storage.AlertRule{}, storage.ErrNotFound
	}
	return rule, nil
}

func (s *fakeRuleStore) ListRulesForProduct(ctx context.Context, productID int64) ([]storage.AlertRule, error) {
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

func (s *fakeRuleStore) ListRules(ctx context.Context) ([]storage.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.AlertRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeRuleStore) SetRuleState(ctx context.Context, id int64, state storage.RuleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return storage.ErrNotFound
	}
	rule.State = state
	s.rules[id] = rule
	return nil
}

func (s *fakeRuleStore) FireRule(ctx context.Context, id int64, prevFiredAt *time.Time, firedAt time.Time, expire bool) error {
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
	if s.conflictFires > 0 {
		s.conflictFires--
		return storage.ErrConflict
	}

	rule.LastFiredAt = &firedAt
	if expire {
		rule.State = storage.RuleExpired
	}
	s.rules[id] = rule
	return nil
}

type fakeEventStore struct {
	mu     sync.Mutex
	events []storage.AlertEvent
}

func (s *fakeEventStore) CreateEvent(ctx context.Context, event storage.AlertEvent) (storage.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.events) + 1)
	event.DispatchStatus = storage.DispatchPending
	s.events = append(s.events, event)
	return event, nil
}

func (s *fakeEventStore) MarkEventDispatched(ctx context.Context, id int64, status storage.DispatchStatus, reason string) error {
	return nil
}

func (s *fakeEventStore) ListRecentEvents(ctx context.Context, limit int) ([]storage.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AlertEvent(nil), s.events...), nil
}

func (s *fakeEventStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func activeRule(id int64, target string) storage.AlertRule {
	return storage.AlertRule{
		ID:          id,
		ProductID:   7,
		TargetPrice: decimal.RequireFromString(target),
		Direction:   storage.DirectionAtOrBelow,
		Channel:     "telegram",
		Address:     "chat",
		Cooldown:    time.Hour,
		State:       storage.RuleActive,
	}
}

func observation(price string) storage.Observation {
	return storage.Observation{
		ID:         100,
		ProductID:  7,
		Price:      decimal.RequireFromString(price),
		Currency:   "USD",
		Available:  true,
		ObservedAt: time.Now().UTC(),
	}
}

func TestEvaluateFiresOnceWithinCooldown(t *testing.T) {
	rules := newFakeRuleStore(activeRule(1, "50"))
	events := &fakeEventStore{}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	eval := New(rules, events, 24*time.Hour, zerolog.Nop()).WithClock(func() time.Time { return now })

	fired, err := eval.Evaluate(context.Background(), 7, detector.PriceDrop, observation("45"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("expected one fire, got %d", len(fired))
	}

	// Still satisfied, but inside the cooldown window.
	now = base.Add(30 * time.Minute)
	fired, err = eval.Evaluate(context.Background(), 7, detector.PriceDrop, observation("44"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("cooldown should suppress re-fire, got %d", len(fired))
	}

	// Past the cooldown the rule fires again.
	now = base.Add(2 * time.Hour)
	fired, err = eval.Evaluate(context.Background(), 7, detector.PriceDrop, observation("43"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("expected re-fire after cooldown, got %d", len(fired))
	}

	if events.count() != 2 {
		t.Fatalf("expected 2 events total, got %d", events.count())
	}
}

func TestEvaluateOneShotExpires(t *testing.T) {
	rule := activeRule(1, "50")
	rule.OneShot = true
	rules := newFakeRuleStore(rule)
	events := &fakeEventStore{}

	eval := New(rules, events, 24*time.Hour, zerolog.Nop())

	fired, err := eval.Evaluate(context.Background(), 7, detector.PriceDrop, observation("45"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("expected one fire, got %d", len(fired))
	}

	got, _ := rules.GetRule(context.Background(), 1)
	if got.State != storage.RuleExpired {
		t.Fatalf("one-shot rule should expire after firing, got %s", got.State)
	}

	fired, err = eval.Evaluate(context.Background(), 7, detector.PriceDrop, observation("40"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(fired) != 0 {
		t.Fatalf("expired rule must never re-fire, got %d", len(fired))
	}
}

func TestEvaluatePausedRuleNeverFires(t *testing.T) {
	rule := activeRule(1, "50")
	rule.State = storage.RulePaused
	rules := newFakeRuleStore(rule)
	events := &fakeEventStore{}

	eval := New(rules, events, 24*time.Hour, zerolog.Nop())

	fired, err := eval.Evaluate(context.Background(), 7, detector.PriceDrop, observation("45"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(fired) != 0 || events.count() != 0 {
		t.Fatalf("paused rule must not fire, fires=%d events=%d", len(fired), events.count())
	}
}

func TestEvaluateSkipsUnchangedAndAnomalous(t *testing.T) {
	rules := newFakeRuleStore(activeRule(1, "50"))
	events := &fakeEventStore{}

	eval := New(rules, events, 24*time.Hour, zerolog.Nop())

	for _, c := range []detector.Classification{detector.Unchanged, detector.Anomalous} {
		fired, err := eval.Evaluate(context.Background(), 7, c, observation("45"))
		if err != nil {
			t.Fatalf("%s: evaluate failed: %v", c, err)
		}
		if len(fired) != 0 {
			t.Fatalf("%s must not fire rules, got %d", c, len(fired))
		}
	}
}

func TestEvaluateDirections(t *testing.T) {
	below := activeRule(1, "50")
	above := activeRule(2, "100")
	above.Direction = storage.DirectionAtOrAbove
	any := activeRule(3, "0")
	any.Direction = storage.DirectionAnyChange

	rules := newFakeRuleStore(below, above, any)
	events := &fakeEventStore{}
	eval := New(rules, events, 24*time.Hour, zerolog.Nop())

	// 75 satisfies any_change only.
	fired, err := eval.Evaluate(context.Background(), 7, detector.PriceRise, observation("75"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(fired) != 1 || fired[0].Rule.ID != 3 {
		t.Fatalf("expected only the any_change rule to fire, got %+v", fired)
	}
}

func TestEvaluateRetriesOnceAfterConflict(t *testing.T) {
	rules := newFakeRuleStore(activeRule(1, "50"))
	rules.conflictFires = 1
	events := &fakeEventStore{}

	eval := New(rules, events, 24*time.Hour, zerolog.Nop())

	fired, err := eval.Evaluate(context.Background(), 7, detector.PriceDrop, observation("45"))
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if len(fired) != 1 {
		t.Fatalf("expected fire after one conflict retry, got %d", len(fired))
	}
}

func TestEvaluateSkipsAfterLosingRaceTwice(t *testing.T) {
	rules := newFakeRuleStore(activeRule(1, "50"))
	rules.conflictFires = 2
	events := &fakeEventStore{}

	eval := New(rules, events, 24*time.Hour, zerolog.Nop())

	fired, err := eval.Evaluate(context.Background(), 7, detector.PriceDrop, observation("45"))
	if err != nil {
		t.Fatalf("losing the race twice must not error: %v", err)
	}
	if len(fired) != 0 || events.count() != 0 {
		t.Fatalf("lost race must not create events, fires=%d events=%d", len(fired), events.count())
	}
}
