package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Result is a raw observation produced by a single fetch.
type Result struct {
	Price      decimal.Decimal
	Currency   string
	Available  bool
	ObservedAt time.Time
}

// ErrorKind separates failures that are worth retrying from those that are not.
type ErrorKind string

const (
	// KindTransient covers network errors, timeouts, and rate limiting.
	KindTransient ErrorKind = "transient"
	// KindPermanent covers structurally gone pages; retrying cannot help.
	KindPermanent ErrorKind = "permanent"
)

// FetchError is the typed failure returned by fetchers.
type FetchError struct {
	Kind ErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable fetch failure.
func Transient(err error) *FetchError {
	return &FetchError{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable fetch failure.
func Permanent(err error) *FetchError {
	return &FetchError{Kind: KindPermanent, Err: err}
}

// IsPermanent reports whether err carries a permanent fetch failure.
func IsPermanent(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == KindPermanent
}

// Fetcher produces a raw observation for a product locator, or a typed
// failure. Site-specific scraping lives behind this interface.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (Result, error)
}
