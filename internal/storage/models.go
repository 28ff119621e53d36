package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// HealthState reflects recent fetch reliability for a product.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthFailing  HealthState = "failing"
)

// ObservationSource marks whether a reading came from a live fetch.
type ObservationSource string

const (
	SourceLive  ObservationSource = "live"
	SourceStale ObservationSource = "stale"
)

// Direction selects which side of the target price satisfies a rule.
type Direction string

const (
	DirectionAtOrBelow Direction = "at_or_below"
	DirectionAtOrAbove Direction = "at_or_above"
	DirectionAnyChange Direction = "any_change"
)

// RuleState is the lifecycle state of an alert rule.
type RuleState string

const (
	RuleActive  RuleState = "active"
	RulePaused  RuleState = "paused"
	RuleExpired RuleState = "expired"
)

// DispatchStatus records the outcome of delivering an alert event.
type DispatchStatus string

const (
	DispatchPending DispatchStatus = "pending"
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
)

// PollingPolicy bounds how often a product is re-observed.
type PollingPolicy struct {
	BaseInterval      time.Duration
	MinInterval       time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
}

// TrackedProduct is an item under observation. Products referenced by alert
// rules are soft-disabled via Active, never deleted.
type TrackedProduct struct {
	ID              int64
	Locator         string
	DisplayName     string
	Active          bool
	Health          HealthState
	Policy          PollingPolicy
	CurrentInterval time.Duration
	ExhaustedStreak int
	LastCheckedAt   *time.Time
	NextCheckAt     time.Time
	InFlightUntil   *time.Time
	CreatedAt       time.Time
}

// Observation is an immutable price/availability reading. History per product
// is append-only and ordered by ObservedAt.
type Observation struct {
	ID         int64
	ProductID  int64
	Price      decimal.Decimal
	Currency   string
	Available  bool
	ObservedAt time.Time
	Source     ObservationSource
}

// AlertRule is a user-defined firing condition bound to a product.
type AlertRule struct {
	ID          int64
	ProductID   int64
	TargetPrice decimal.Decimal
	Direction   Direction
	Channel     string
	Address     string
	Cooldown    time.Duration
	OneShot     bool
	LastFiredAt *time.Time
	State       RuleState
	CreatedAt   time.Time
}

// AlertEvent records a single rule fire. Immutable once dispatched.
type AlertEvent struct {
	ID             int64
	RuleID         int64
	ObservationID  int64
	FiredAt        time.Time
	DispatchStatus DispatchStatus
	FailureReason  *string
}

// ProductRelease carries the scheduler outcome persisted when a worker
// releases its lease on a product. A nil LastCheckedAt leaves the stored
// value untouched (used when a pipeline is canceled before fetching).
type ProductRelease struct {
	ID              int64
	Health          HealthState
	LastCheckedAt   *time.Time
	NextCheckAt     time.Time
	Interval        time.Duration
	ExhaustedStreak int
}
