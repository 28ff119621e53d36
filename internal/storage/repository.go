package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict indicates a compare-and-set update matched no row.
	ErrConflict = errors.New("storage: conflicting concurrent update")
)

const (
	productColumns = `id,
        locator,
        display_name,
        active,
        health,
        base_interval_secs,
        min_interval_secs,
        max_interval_secs,
        backoff_multiplier,
        current_interval_secs,
        exhausted_streak,
        last_checked_at,
        next_check_at,
        in_flight_until,
        created_at`

	insertProductSQL = `INSERT INTO tracked_products (
        locator,
        display_name,
        active,
        health,
        base_interval_secs,
        min_interval_secs,
        max_interval_secs,
        backoff_multiplier,
        current_interval_secs,
        exhausted_streak,
        next_check_at
    ) VALUES (
        $1,$2,TRUE,$3,$4,$5,$6,$7,$8,0,$9
    )
    RETURNING ` + productColumns + `;`

	getProductSQL = `SELECT ` + productColumns + `
    FROM tracked_products
    WHERE id = $1;`

	listProductsSQL = `SELECT ` + productColumns + `
    FROM tracked_products
    WHERE active OR $1
    ORDER BY id;`

	disableProductSQL = `UPDATE tracked_products
    SET active = FALSE
    WHERE id = $1;`

	dueProductsSQL = `SELECT ` + productColumns + `
    FROM tracked_products
    WHERE active
      AND next_check_at <= $1
      AND (in_flight_until IS NULL OR in_flight_until < $1)
    ORDER BY next_check_at
    LIMIT $2;`

	claimProductSQL = `UPDATE tracked_products
    SET in_flight_until = $2
    WHERE id = $1
      AND active
      AND (in_flight_until IS NULL OR in_flight_until < $3);`

	releaseProductSQL = `UPDATE tracked_products
    SET in_flight_until       = NULL,
        health                = $2,
        last_checked_at       = COALESCE($3::timestamptz, last_checked_at),
        next_check_at         = $4,
        current_interval_secs = $5,
        exhausted_streak      = $6
    WHERE id = $1;`

	observationColumns = `id, product_id, price, currency, available, observed_at, source`

	appendObservationSQL = `INSERT INTO observations (
        product_id, price, currency, available, observed_at, source
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING ` + observationColumns + `;`

	latestObservationSQL = `SELECT ` + observationColumns + `
    FROM observations
    WHERE product_id = $1
    ORDER BY observed_at DESC
    LIMIT 1;`

	listObservationsBetweenSQL = `SELECT ` + observationColumns + `
    FROM observations
    WHERE product_id = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at;`

	ruleColumns = `id, product_id, target_price, direction, channel, address,
        cooldown_secs, one_shot, last_fired_at, state, created_at`

	insertRuleSQL = `INSERT INTO alert_rules (
        product_id, target_price, direction, channel, address, cooldown_secs, one_shot, state
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,'active'
    )
    RETURNING ` + ruleColumns + `;`

	getRuleSQL = `SELECT ` + ruleColumns + `
    FROM alert_rules
    WHERE id = $1;`

	listRulesForProductSQL = `SELECT ` + ruleColumns + `
    FROM alert_rules
    WHERE product_id = $1
    ORDER BY created_at, id;`

	listRulesSQL = `SELECT ` + ruleColumns + `
    FROM alert_rules
    ORDER BY created_at, id;`

	setRuleStateSQL = `UPDATE alert_rules
    SET state = $2
    WHERE id = $1;`

	fireRuleSQL = `UPDATE alert_rules
    SET last_fired_at = $2,
        state         = CASE WHEN $3 THEN 'expired' ELSE state END
    WHERE id = $1
      AND state = 'active'
      AND ((last_fired_at IS NULL AND $4::timestamptz IS NULL) OR last_fired_at = $4);`

	eventColumns = `id, rule_id, observation_id, fired_at, dispatch_status, failure_reason`

	insertEventSQL = `INSERT INTO alert_events (
        rule_id, observation_id, fired_at, dispatch_status
    ) VALUES (
        $1,$2,$3,'pending'
    )
    RETURNING ` + eventColumns + `;`

	markEventDispatchedSQL = `UPDATE alert_events
    SET dispatch_status = $2, failure_reason = $3
    WHERE id = $1
      AND dispatch_status = 'pending';`

	listRecentEventsSQL = `SELECT ` + eventColumns + `
    FROM alert_events
    ORDER BY fired_at DESC
    LIMIT $1;`
)

// ProductStore defines operations on tracked products, including the
// lease-based in-flight claim that serialises pipelines per product.
type ProductStore interface {
	CreateProduct(ctx context.Context, product TrackedProduct) (TrackedProduct, error)
	GetProduct(ctx context.Context, id int64) (TrackedProduct, error)
	ListProducts(ctx context.Context, includeDisabled bool) ([]TrackedProduct, error)
	DisableProduct(ctx context.Context, id int64) error
	DueProducts(ctx context.Context, now time.Time, limit int) ([]TrackedProduct, error)
	ClaimProduct(ctx context.Context, id int64, now time.Time, ttl time.Duration) (bool, error)
	ReleaseProduct(ctx context.Context, release ProductRelease) error
}

// ObservationStore defines append-only price history persistence.
type ObservationStore interface {
	AppendObservation(ctx context.Context, obs Observation) (Observation, error)
	LatestObservation(ctx context.Context, productID int64) (*Observation, error)
	ListObservationsBetween(ctx context.Context, productID int64, from, to time.Time) ([]Observation, error)
}

// RuleStore defines alert rule persistence. FireRule is a compare-and-set
// keyed on the previously read last_fired_at and returns ErrConflict when
// another evaluation already advanced it.
type RuleStore interface {
	CreateRule(ctx context.Context, rule AlertRule) (AlertRule, error)
	GetRule(ctx context.Context, id int64) (AlertRule, error)
	ListRulesForProduct(ctx context.Context, productID int64) ([]AlertRule, error)
	ListRules(ctx context.Context) ([]AlertRule, error)
	SetRuleState(ctx context.Context, id int64, state RuleState) error
	FireRule(ctx context.Context, id int64, prevFiredAt *time.Time, firedAt time.Time, expire bool) error
}

// EventStore defines alert event persistence.
type EventStore interface {
	CreateEvent(ctx context.Context, event AlertEvent) (AlertEvent, error)
	MarkEventDispatched(ctx context.Context, id int64, status DispatchStatus, reason string) error
	ListRecentEvents(ctx context.Context, limit int) ([]AlertEvent, error)
}

// Store aggregates access to products, observations, rules, and events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// CreateProduct registers a new tracked product.
func (s *Store) CreateProduct(ctx context.Context, product TrackedProduct) (TrackedProduct, error) {
	pool, err := s.getPool()
	if err != nil {
		return TrackedProduct{}, err
	}

	row := pool.QueryRow(ctx, insertProductSQL,
		product.Locator,
		product.DisplayName,
		string(product.Health),
		int64(product.Policy.BaseInterval/time.Second),
		int64(product.Policy.MinInterval/time.Second),
		int64(product.Policy.MaxInterval/time.Second),
		product.Policy.BackoffMultiplier,
		int64(product.CurrentInterval/time.Second),
		product.NextCheckAt,
	)
	created, scanErr := scanProduct(row)
	if scanErr != nil {
		return TrackedProduct{}, fmt.Errorf("create product: %w", scanErr)
	}
	return created, nil
}

// GetProduct fetches a product by id.
func (s *Store) GetProduct(ctx context.Context, id int64) (TrackedProduct, error) {
	pool, err := s.getPool()
	if err != nil {
		return TrackedProduct{}, err
	}
	product, scanErr := scanProduct(pool.QueryRow(ctx, getProductSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return TrackedProduct{}, ErrNotFound
	}
	if scanErr != nil {
		return TrackedProduct{}, fmt.Errorf("get product: %w", scanErr)
	}
	return product, nil
}

// ListProducts lists tracked products, optionally including disabled ones.
func (s *Store) ListProducts(ctx context.Context, includeDisabled bool) ([]TrackedProduct, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listProductsSQL, includeDisabled)
	if queryErr != nil {
		return nil, fmt.Errorf("list products: %w", queryErr)
	}
	defer rows.Close()
	return collectProducts(rows)
}

// DisableProduct soft-disables a product. Rows are never deleted because
// alert rules and history reference them.
func (s *Store) DisableProduct(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, disableProductSQL, id)
	if execErr != nil {
		return fmt.Errorf("disable product: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DueProducts returns active products due for a check at now, oldest-due
// first, excluding products with a live in-flight lease.
func (s *Store) DueProducts(ctx context.Context, now time.Time, limit int) ([]TrackedProduct, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, dueProductsSQL, now, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("due products: %w", queryErr)
	}
	defer rows.Close()
	return collectProducts(rows)
}

// ClaimProduct acquires the per-product lease. The expiry recovers leases
// held by crashed workers. Returns false when another worker holds it.
func (s *Store) ClaimProduct(ctx context.Context, id int64, now time.Time, ttl time.Duration) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, claimProductSQL, id, now.Add(ttl), now)
	if execErr != nil {
		return false, fmt.Errorf("claim product: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseProduct clears the lease and persists the scheduling outcome.
func (s *Store) ReleaseProduct(ctx context.Context, release ProductRelease) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var lastChecked interface{}
	if release.LastCheckedAt != nil {
		lastChecked = *release.LastCheckedAt
	}
	_, execErr := pool.Exec(ctx, releaseProductSQL,
		release.ID,
		string(release.Health),
		lastChecked,
		release.NextCheckAt,
		int64(release.Interval/time.Second),
		release.ExhaustedStreak,
	)
	if execErr != nil {
		return fmt.Errorf("release product: %w", execErr)
	}
	return nil
}

// AppendObservation appends a price reading to a product's history.
func (s *Store) AppendObservation(ctx context.Context, obs Observation) (Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return Observation{}, err
	}
	row := pool.QueryRow(ctx, appendObservationSQL,
		obs.ProductID,
		obs.Price.String(),
		obs.Currency,
		obs.Available,
		obs.ObservedAt,
		string(obs.Source),
	)
	created, scanErr := scanObservation(row)
	if scanErr != nil {
		return Observation{}, fmt.Errorf("append observation: %w", scanErr)
	}
	return created, nil
}

// LatestObservation returns the most recent observation, or nil when the
// product has no history yet.
func (s *Store) LatestObservation(ctx context.Context, productID int64) (*Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	obs, scanErr := scanObservation(pool.QueryRow(ctx, latestObservationSQL, productID))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("latest observation: %w", scanErr)
	}
	return &obs, nil
}

// ListObservationsBetween lists history within [from, to).
func (s *Store) ListObservationsBetween(ctx context.Context, productID int64, from, to time.Time) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listObservationsBetweenSQL, productID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations: %w", queryErr)
	}
	defer rows.Close()

	observations := make([]Observation, 0)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		observations = append(observations, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

// CreateRule registers a new alert rule in active state.
func (s *Store) CreateRule(ctx context.Context, rule AlertRule) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	row := pool.QueryRow(ctx, insertRuleSQL,
		rule.ProductID,
		rule.TargetPrice.String(),
		string(rule.Direction),
		rule.Channel,
		rule.Address,
		int64(rule.Cooldown/time.Second),
		rule.OneShot,
	)
	created, scanErr := scanRule(row)
	if scanErr != nil {
		return AlertRule{}, fmt.Errorf("create rule: %w", scanErr)
	}
	return created, nil
}

// GetRule fetches a rule by id.
func (s *Store) GetRule(ctx context.Context, id int64) (AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRule{}, err
	}
	rule, scanErr := scanRule(pool.QueryRow(ctx, getRuleSQL, id))
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlertRule{}, ErrNotFound
	}
	if scanErr != nil {
		return AlertRule{}, fmt.Errorf("get rule: %w", scanErr)
	}
	return rule, nil
}

// ListRulesForProduct lists rules bound to a product in creation order.
func (s *Store) ListRulesForProduct(ctx context.Context, productID int64) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRulesForProductSQL, productID)
	if queryErr != nil {
		return nil, fmt.Errorf("list rules for product: %w", queryErr)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListRules lists all rules in creation order.
func (s *Store) ListRules(ctx context.Context) ([]AlertRule, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRulesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list rules: %w", queryErr)
	}
	defer rows.Close()
	return collectRules(rows)
}

// SetRuleState pauses, resumes, or expires a rule.
func (s *Store) SetRuleState(ctx context.Context, id int64, state RuleState) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, setRuleStateSQL, id, string(state))
	if execErr != nil {
		return fmt.Errorf("set rule state: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FireRule advances last_fired_at iff it still equals prevFiredAt, expiring
// one-shot rules in the same statement. ErrConflict signals another
// evaluation won the race.
func (s *Store) FireRule(ctx context.Context, id int64, prevFiredAt *time.Time, firedAt time.Time, expire bool) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var prev interface{}
	if prevFiredAt != nil {
		prev = *prevFiredAt
	}

	tag, execErr := pool.Exec(ctx, fireRuleSQL, id, firedAt, expire, prev)
	if execErr != nil {
		return fmt.Errorf("fire rule: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// CreateEvent persists a pending alert event.
func (s *Store) CreateEvent(ctx context.Context, event AlertEvent) (AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertEvent{}, err
	}
	row := pool.QueryRow(ctx, insertEventSQL, event.RuleID, event.ObservationID, event.FiredAt)
	created, scanErr := scanEvent(row)
	if scanErr != nil {
		return AlertEvent{}, fmt.Errorf("create event: %w", scanErr)
	}
	return created, nil
}

// MarkEventDispatched records the dispatch outcome. Events already marked
// sent or failed are left untouched.
func (s *Store) MarkEventDispatched(ctx context.Context, id int64, status DispatchStatus, reason string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	var reasonArg interface{}
	if reason != "" {
		reasonArg = reason
	}
	if _, execErr := pool.Exec(ctx, markEventDispatchedSQL, id, string(status), reasonArg); execErr != nil {
		return fmt.Errorf("mark event dispatched: %w", execErr)
	}
	return nil
}

// ListRecentEvents lists most recent alert events.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]AlertEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]AlertEvent, 0, limit)
	for rows.Next() {
		event, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, event)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func collectProducts(rows pgx.Rows) ([]TrackedProduct, error) {
	products := make([]TrackedProduct, 0)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return products, nil
}

func collectRules(rows pgx.Rows) ([]AlertRule, error) {
	rules := make([]AlertRule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

func scanProduct(row pgx.Row) (TrackedProduct, error) {
	var (
		product       TrackedProduct
		health        string
		baseSecs      int64
		minSecs       int64
		maxSecs       int64
		currentSecs   int64
		lastChecked   sql.NullTime
		inFlightUntil sql.NullTime
	)

	if err := row.Scan(
		&product.ID,
		&product.Locator,
		&product.DisplayName,
		&product.Active,
		&health,
		&baseSecs,
		&minSecs,
		&maxSecs,
		&product.Policy.BackoffMultiplier,
		&currentSecs,
		&product.ExhaustedStreak,
		&lastChecked,
		&product.NextCheckAt,
		&inFlightUntil,
		&product.CreatedAt,
	); err != nil {
		return TrackedProduct{}, err
	}

	product.Health = HealthState(health)
	product.Policy.BaseInterval = time.Duration(baseSecs) * time.Second
	product.Policy.MinInterval = time.Duration(minSecs) * time.Second
	product.Policy.MaxInterval = time.Duration(maxSecs) * time.Second
	product.CurrentInterval = time.Duration(currentSecs) * time.Second
	if lastChecked.Valid {
		value := lastChecked.Time
		product.LastCheckedAt = &value
	}
	if inFlightUntil.Valid {
		value := inFlightUntil.Time
		product.InFlightUntil = &value
	}
	return product, nil
}

func scanObservation(row pgx.Row) (Observation, error) {
	var (
		obs      Observation
		priceStr string
		source   string
	)
	if err := row.Scan(
		&obs.ID,
		&obs.ProductID,
		&priceStr,
		&obs.Currency,
		&obs.Available,
		&obs.ObservedAt,
		&source,
	); err != nil {
		return Observation{}, err
	}

	price, convErr := decimal.NewFromString(priceStr)
	if convErr != nil {
		return Observation{}, fmt.Errorf("parse observation price: %w", convErr)
	}
	obs.Price = price
	obs.Source = ObservationSource(source)
	return obs, nil
}

func scanRule(row pgx.Row) (AlertRule, error) {
	var (
		rule         AlertRule
		targetStr    string
		direction    string
		state        string
		cooldownSecs int64
		lastFired    sql.NullTime
	)
	if err := row.Scan(
		&rule.ID,
		&rule.ProductID,
		&targetStr,
		&direction,
		&rule.Channel,
		&rule.Address,
		&cooldownSecs,
		&rule.OneShot,
		&lastFired,
		&state,
		&rule.CreatedAt,
	); err != nil {
		return AlertRule{}, err
	}

	target, convErr := decimal.NewFromString(targetStr)
	if convErr != nil {
		return AlertRule{}, fmt.Errorf("parse target price: %w", convErr)
	}
	rule.TargetPrice = target
	rule.Direction = Direction(direction)
	rule.State = RuleState(state)
	rule.Cooldown = time.Duration(cooldownSecs) * time.Second
	if lastFired.Valid {
		value := lastFired.Time
		rule.LastFiredAt = &value
	}
	return rule, nil
}

func scanEvent(row pgx.Row) (AlertEvent, error) {
	var (
		event  AlertEvent
		status string
		reason sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.RuleID,
		&event.ObservationID,
		&event.FiredAt,
		&status,
		&reason,
	); err != nil {
		return AlertEvent{}, err
	}
	event.DispatchStatus = DispatchStatus(status)
	if reason.Valid {
		value := reason.String
		event.FailureReason = &value
	}
	return event, nil
}
