package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// HTTPOptions parameterise the HTTP endpoint fetcher.
type HTTPOptions struct {
	Timeout   time.Duration
	UserAgent string
}

// HTTP fetches observations from JSON price endpoints. The locator is the
// full endpoint URL for the product.
type HTTP struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTP constructs an HTTP fetcher.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTP{
		opts:   opts,
		logger: logger.With().Str("component", "http_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch performs a single GET against the locator and decodes a price payload.
func (h *HTTP) Fetch(ctx context.Context, locator string) (Result, error) {
	if strings.TrimSpace(locator) == "" {
		return Result{}, Permanent(errors.New("empty locator"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return Result{}, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "pricewatcher/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, Transient(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, Transient(err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, classifyStatus(resp.StatusCode, payload)
	}

	var body priceResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return Result{}, Transient(fmt.Errorf("decode price payload: %w", err))
	}

	price, err := decimal.NewFromString(body.Price)
	if err != nil {
		return Result{}, Transient(fmt.Errorf("parse price %q: %w", body.Price, err))
	}
	if price.IsNegative() {
		return Result{}, Transient(fmt.Errorf("negative price %s", price))
	}

	currency := body.Currency
	if currency == "" {
		currency = "USD"
	}

	available := true
	if body.InStock != nil {
		available = *body.InStock
	}

	return Result{
		Price:      price,
		Currency:   currency,
		Available:  available,
		ObservedAt: time.Now().UTC(),
	}, nil
}

type priceResponse struct {
	Price    string `json:"price"`
	Currency string `json:"currency"`
	InStock  *bool  `json:"in_stock"`
}

func classifyStatus(status int, payload []byte) error {
	err := fmt.Errorf("endpoint returned %d: %s", status, strings.TrimSpace(string(payload)))
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		// The product page is structurally gone; retrying cannot help.
		return Permanent(err)
	default:
		return Transient(err)
	}
}

var _ Fetcher = (*HTTP)(nil)
