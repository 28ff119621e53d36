package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"pricewatcher/internal/storage"
)

// AddAlert registers an alert rule against a tracked product.
func (a *App) AddAlert(ctx context.Context, opts AlertOptions) error {
	direction := storage.Direction(opts.Direction)
	switch direction {
	case storage.DirectionAtOrBelow, storage.DirectionAtOrAbove, storage.DirectionAnyChange:
	default:
		return fmt.Errorf("invalid --direction %q", opts.Direction)
	}

	var target decimal.Decimal
	if direction != storage.DirectionAnyChange {
		parsed, err := decimal.NewFromString(opts.TargetPrice)
		if err != nil {
			return fmt.Errorf("invalid --target value: %w", err)
		}
		target = parsed
	}

	if opts.Channel == "" || opts.Address == "" {
		return errors.New("--channel and --address must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if _, err := store.GetProduct(ctx, opts.ProductID); err != nil {
		return err
	}

	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = a.Config.Alerting.DefaultCooldown
	}

	rule, err := store.CreateRule(ctx, storage.AlertRule{
		ProductID:   opts.ProductID,
		TargetPrice: target,
		Direction:   direction,
		Channel:     opts.Channel,
		Address:     opts.Address,
		Cooldown:    cooldown,
		OneShot:     opts.OneShot,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "alert rule %d registered on product %d\n", rule.ID, rule.ProductID)
	return nil
}

// ListAlerts prints all alert rules.
func (a *App) ListAlerts(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rules, err := store.ListRules(ctx)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		fmt.Fprintln(os.Stdout, "no alert rules defined")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tProduct\tDirection\tTarget\tChannel\tState\tLast fired (UTC)")
	for _, rule := range rules {
		lastFired := "-"
		if rule.LastFiredAt != nil {
			lastFired = rule.LastFiredAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			rule.ID,
			rule.ProductID,
			rule.Direction,
			rule.TargetPrice.StringFixed(2),
			rule.Channel,
			rule.State,
			lastFired,
		)
	}

	writer.Flush()
	return nil
}

// SetAlertState pauses or resumes an alert rule.
func (a *App) SetAlertState(ctx context.Context, id int64, state storage.RuleState) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.SetRuleState(ctx, id, state); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "alert rule %d is now %s\n", id, state)
	return nil
}
