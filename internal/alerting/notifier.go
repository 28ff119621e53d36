package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Message is a rendered alert bound for one destination.
type Message struct {
	ProductName    string
	Locator        string
	Price          decimal.Decimal
	Currency       string
	TargetPrice    decimal.Decimal
	Direction      string
	Classification string
	Available      bool
	ObservedAt     time.Time
	Channel        string
	Address        string
}

// Notifier delivers a rendered alert to a destination address.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Render produces the human-readable alert body shared by all transports.
func Render(msg Message) string {
	builder := strings.Builder{}
	builder.WriteString("[PriceWatcher Alert]\n")
	builder.WriteString(fmt.Sprintf("Product: %s\n", msg.ProductName))
	builder.WriteString(fmt.Sprintf("Price: %s %s\n", msg.Price.StringFixed(2), msg.Currency))
	if !msg.TargetPrice.IsZero() {
		builder.WriteString(fmt.Sprintf("Target: %s %s (%s)\n", msg.TargetPrice.StringFixed(2), msg.Currency, msg.Direction))
	}
	builder.WriteString(fmt.Sprintf("Change: %s\n", msg.Classification))
	if !msg.Available {
		builder.WriteString("Availability: out of stock\n")
	}
	builder.WriteString(fmt.Sprintf("Observed: %s UTC\n", msg.ObservedAt.UTC().Format(time.RFC3339)))
	if msg.Locator != "" {
		builder.WriteString(msg.Locator)
		builder.WriteString("\n")
	}
	return builder.String()
}
