package app

import (
	"context"
)

// CheckNow runs one pipeline pass for a product immediately, ahead of its
// scheduled next check. The pass goes through the normal claim, so a check
// already running elsewhere wins and this one is skipped.
func (a *App) CheckNow(ctx context.Context, opts CheckOptions) error {
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

	svc := a.newService(store, dispatcher, a.newFetcher(), false)
	return svc.ProcessProduct(ctx, product)
}
