package detector

import (
	"github.com/shopspring/decimal"

	"pricewatcher/internal/storage"
)

// Classification is the semantic category assigned to a new observation
// relative to the prior one.
type Classification string

const (
	Unchanged          Classification = "unchanged"
	PriceDrop          Classification = "price_drop"
	PriceRise          Classification = "price_rise"
	AvailabilityChange Classification = "availability_change"
	Anomalous          Classification = "anomalous"
)

var dec100 = decimal.NewFromInt(100)

// Detector classifies new observations against the previous one.
type Detector struct {
	anomalyThresholdPct decimal.Decimal
}

// New constructs a detector. thresholdPct is the relative change magnitude,
// in percent, beyond which a price move is treated as a scraper mis-parse.
func New(thresholdPct float64) *Detector {
	return &Detector{anomalyThresholdPct: decimal.NewFromFloat(thresholdPct)}
}

// Classify compares the current observation to the previous one. A nil
// previous observation establishes the baseline and never produces an event.
// Availability flips take precedence over price movement; implausible price
// jumps are flagged anomalous so alerts are suppressed while the observation
// is still stored.
func (d *Detector) Classify(previous *storage.Observation, current storage.Observation) Classification {
	if previous == nil {
		return Unchanged
	}

	if current.Available != previous.Available {
		return AvailabilityChange
	}

	cmp := current.Price.Cmp(previous.Price)
	if cmp == 0 {
		return Unchanged
	}

	if d.isAnomalous(previous.Price, current.Price) {
		return Anomalous
	}

	if cmp < 0 {
		return PriceDrop
	}
	return PriceRise
}

func (d *Detector) isAnomalous(previous, current decimal.Decimal) bool {
	if previous.IsZero() {
		return false
	}
	changePct := current.Sub(previous).Div(previous).Mul(dec100).Abs()
	return changePct.GreaterThan(d.anomalyThresholdPct)
}
