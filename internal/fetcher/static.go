package fetcher

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Static returns a fixed observation for every locator. Used by the
// simulate-alert command to drive the pipeline without a live endpoint.
type Static struct {
	Price     decimal.Decimal
	Currency  string
	Available bool
}

// Fetch returns the configured observation stamped with the current time.
func (s *Static) Fetch(ctx context.Context, locator string) (Result, error) {
	currency := s.Currency
	if currency == "" {
		currency = "USD"
	}
	return Result{
		Price:      s.Price,
		Currency:   currency,
		Available:  s.Available,
		ObservedAt: time.Now().UTC(),
	}, nil
}

var _ Fetcher = (*Static)(nil)
