package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"pricewatcher/internal/storage"
)

// AddProduct registers a product for monitoring. The first check is due
// immediately; the adaptive scheduler takes over from there.
func (a *App) AddProduct(ctx context.Context, opts AddOptions) error {
	if opts.Locator == "" {
		return errors.New("--locator must be provided")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	policy := storage.PollingPolicy{
		BaseInterval:      a.Config.Polling.BaseInterval,
		MinInterval:       a.Config.Polling.MinInterval,
		MaxInterval:       a.Config.Polling.MaxInterval,
		BackoffMultiplier: a.Config.Polling.BackoffMultiplier,
	}
	if opts.BaseInterval > 0 {
		policy.BaseInterval = opts.BaseInterval
	}
	if opts.MinInterval > 0 {
		policy.MinInterval = opts.MinInterval
	}
	if opts.MaxInterval > 0 {
		policy.MaxInterval = opts.MaxInterval
	}
	if policy.MinInterval > policy.MaxInterval || policy.BaseInterval < policy.MinInterval || policy.BaseInterval > policy.MaxInterval {
		return errors.New("intervals must satisfy min <= base <= max")
	}

	name := opts.Name
	if name == "" {
		name = opts.Locator
	}

	product, err := store.CreateProduct(ctx, storage.TrackedProduct{
		Locator:         opts.Locator,
		DisplayName:     name,
		Health:          storage.HealthHealthy,
		Policy:          policy,
		CurrentInterval: policy.BaseInterval,
		NextCheckAt:     time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "product %d registered: %s\n", product.ID, product.DisplayName)

	// Establish the baseline observation right away rather than waiting for
	// the scheduler. A failed first fetch is not fatal to the registration.
	dispatcher, closeDispatcher := a.newDispatcher(store)
	defer closeDispatcher()
	svc := a.newService(store, dispatcher, a.newFetcher(), false)
	if err := svc.ProcessProduct(ctx, product); err != nil {
		a.Logger.Warn().Err(err).Int64("product_id", product.ID).Msg("initial check failed")
	}
	return nil
}

// ListProducts prints tracked products with their latest observation.
func (a *App) ListProducts(ctx context.Context, opts ListOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	products, err := store.ListProducts(ctx, opts.IncludeDisabled)
	if err != nil {
		return err
	}
	if len(products) == 0 {
		fmt.Fprintln(os.Stdout, "no products tracked")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tPrice\tHealth\tActive\tNext check (UTC)")

	for _, product := range products {
		price := "-"
		if latest, err := store.LatestObservation(ctx, product.ID); err == nil && latest != nil {
			price = fmt.Sprintf("%s %s", latest.Price.StringFixed(2), latest.Currency)
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%t\t%s\n",
			product.ID,
			product.DisplayName,
			price,
			product.Health,
			product.Active,
			product.NextCheckAt.UTC().Format(time.RFC3339),
		)
	}

	writer.Flush()
	return nil
}

// DisableProduct soft-disables a tracked product.
func (a *App) DisableProduct(ctx context.Context, id int64) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.DisableProduct(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "product %d disabled\n", id)
	return nil
}

// History prints a product's observation history in a time window.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.AddDate(0, -3, 0)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("--from must be before --to")
	}

	observations, err := store.ListObservationsBetween(ctx, opts.ProductID, from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		fmt.Fprintln(os.Stdout, "no observations in window")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tPrice\tCurrency\tAvailable\tSource")
	for _, obs := range observations {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%t\t%s\n",
			obs.ObservedAt.UTC().Format(time.RFC3339),
			obs.Price.StringFixed(2),
			obs.Currency,
			obs.Available,
			obs.Source,
		)
	}

	writer.Flush()
	return nil
}
