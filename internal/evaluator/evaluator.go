package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"pricewatcher/internal/detector"
	"pricewatcher/internal/storage"
)

// Evaluator decides which alert rules fire for a classified observation.
type Evaluator struct {
	rules           storage.RuleStore
	events          storage.EventStore
	defaultCooldown time.Duration
	logger          zerolog.Logger
	now             func() time.Time
}

// New constructs an Evaluator. defaultCooldown applies to rules created
// without an explicit cooldown.
func New(rules storage.RuleStore, events storage.EventStore, defaultCooldown time.Duration, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		rules:           rules,
		events:          events,
		defaultCooldown: defaultCooldown,
		logger:          logger.With().Str("component", "evaluator").Logger(),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the evaluator clock. Test hook.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Fired pairs a created alert event with the rule that produced it, so the
// dispatcher can route by the rule's destination.
type Fired struct {
	Event storage.AlertEvent
	Rule  storage.AlertRule
}

// Evaluate checks every rule bound to the product against the observation,
// in rule-creation order, and returns the events created for rules that
// fired. Unchanged and anomalous classifications never produce events; an
// anomalous observation is stored by the caller but alerting is suppressed.
func (e *Evaluator) Evaluate(ctx context.Context, productID int64, classification detector.Classification, obs storage.Observation) ([]Fired, error) {
	if classification == detector.Unchanged || classification == detector.Anomalous {
		return nil, nil
	}

	rules, err := e.rules.ListRulesForProduct(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	var fired []Fired
	for _, rule := range rules {
		event, ok, err := e.evaluateRule(ctx, rule, obs)
		if err != nil {
			return fired, err
		}
		if ok {
			fired = append(fired, Fired{Event: event, Rule: rule})
		}
	}
	return fired, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule storage.AlertRule, obs storage.Observation) (storage.AlertEvent, bool, error) {
	now := e.now()

	if !e.eligible(rule, obs, now) {
		return storage.AlertEvent{}, false, nil
	}

	// Compare-and-set on last_fired_at so two concurrent evaluations cannot
	// double-fire inside one cooldown window.
	err := e.rules.FireRule(ctx, rule.ID, rule.LastFiredAt, now, rule.OneShot)
	if errors.Is(err, storage.ErrConflict) {
		fresh, getErr := e.rules.GetRule(ctx, rule.ID)
		if getErr != nil {
			return storage.AlertEvent{}, false, fmt.Errorf("re-read rule after conflict: %w", getErr)
		}
		if !e.eligible(fresh, obs, now) {
			return storage.AlertEvent{}, false, nil
		}
		err = e.rules.FireRule(ctx, fresh.ID, fresh.LastFiredAt, now, fresh.OneShot)
		if errors.Is(err, storage.ErrConflict) {
			// Another evaluation already handled this fire.
			e.logger.Debug().Int64("rule_id", rule.ID).Msg("rule fire lost compare-and-set race twice, skipping")
			return storage.AlertEvent{}, false, nil
		}
	}
	if err != nil {
		return storage.AlertEvent{}, false, fmt.Errorf("fire rule %d: %w", rule.ID, err)
	}

	event, err := e.events.CreateEvent(ctx, storage.AlertEvent{
		RuleID:        rule.ID,
		ObservationID: obs.ID,
		FiredAt:       now,
	})
	if err != nil {
		return storage.AlertEvent{}, false, fmt.Errorf("create event for rule %d: %w", rule.ID, err)
	}

	e.logger.Info().
		Int64("rule_id", rule.ID).
		Int64("observation_id", obs.ID).
		Str("price", obs.Price.String()).
		Bool("one_shot", rule.OneShot).
		Msg("alert rule fired")

	return event, true, nil
}

func (e *Evaluator) eligible(rule storage.AlertRule, obs storage.Observation, now time.Time) bool {
	if rule.State != storage.RuleActive {
		return false
	}
	if !conditionSatisfied(rule, obs) {
		return false
	}

	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = e.defaultCooldown
	}
	if rule.LastFiredAt != nil && now.Sub(*rule.LastFiredAt) < cooldown {
		return false
	}
	return true
}

func conditionSatisfied(rule storage.AlertRule, obs storage.Observation) bool {
	switch rule.Direction {
	case storage.DirectionAtOrBelow:
		return obs.Price.LessThanOrEqual(rule.TargetPrice)
	case storage.DirectionAtOrAbove:
		return obs.Price.GreaterThanOrEqual(rule.TargetPrice)
	case storage.DirectionAnyChange:
		return true
	default:
		return false
	}
}
