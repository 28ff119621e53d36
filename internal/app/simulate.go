package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"pricewatcher/internal/fetcher"
)

// SimulateAlert runs one pipeline pass against a fixed observation instead of
// a live fetch, exercising detection, evaluation, and dispatch end to end.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	price, err := decimal.NewFromString(opts.Price)
	if err != nil {
		return fmt.Errorf("invalid --price value: %w", err)
	}
	if price.IsNegative() {
		return errors.New("--price must not be negative")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	product, err := store.GetProduct(ctx, opts.ProductID)
	if err != nil {
		return err
	}

	dispatcher, closeDispatcher := a.newDispatcher(store)
	defer closeDispatcher()

	static := &fetcher.Static{
		Price:     price,
		Available: !opts.Unavailable,
	}

	svc := a.newService(store, dispatcher, static, false)
	return svc.ProcessProduct(ctx, product)
}
