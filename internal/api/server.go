package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatcher/internal/config"
	"pricewatcher/internal/storage"
)

// Server exposes thin persistence-backed endpoints over the engine's data
// model. No pipeline logic runs here.
type Server struct {
	products     storage.ProductStore
	observations storage.ObservationStore
	rules        storage.RuleStore
	events       storage.EventStore
	policy       config.PollingConfig
	cooldown     time.Duration
	logger       zerolog.Logger
}

// NewServer constructs an API server over the given stores. policy and
// cooldown provide defaults for newly registered products and rules.
func NewServer(products storage.ProductStore, observations storage.ObservationStore, rules storage.RuleStore, events storage.EventStore, policy config.PollingConfig, cooldown time.Duration, logger zerolog.Logger) *Server {
	return &Server{
		products:     products,
		observations: observations,
		rules:        rules,
		events:       events,
		policy:       policy,
		cooldown:     cooldown,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/products", s.handleProducts)
	mux.HandleFunc("/products/", s.handleProduct)
	mux.HandleFunc("/alerts", s.handleRules)
	mux.HandleFunc("/alerts/", s.handleRuleAction)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, cfg config.APIConfig, server *Server, logger zerolog.Logger) *http.Server {
	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api server error")
		}
	}()
	return httpServer
}

type productRequest struct {
	Locator     string `json:"locator"`
	DisplayName string `json:"display_name"`
}

type productResponse struct {
	ID            int64      `json:"id"`
	Locator       string     `json:"locator"`
	DisplayName   string     `json:"display_name"`
	Active        bool       `json:"active"`
	Health        string     `json:"health"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	NextCheckAt   time.Time  `json:"next_check_at"`
	CurrentPrice  *string    `json:"current_price,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	Available     *bool      `json:"available,omitempty"`
}

type ruleRequest struct {
	ProductID   int64   `json:"product_id"`
	TargetPrice string  `json:"target_price"`
	Direction   string  `json:"direction"`
	Channel     string  `json:"channel"`
	Address     string  `json:"address"`
	Cooldown    string  `json:"cooldown,omitempty"`
	OneShot     bool    `json:"one_shot,omitempty"`
}

type ruleResponse struct {
	ID          int64      `json:"id"`
	ProductID   int64      `json:"product_id"`
	TargetPrice string     `json:"target_price"`
	Direction   string     `json:"direction"`
	Channel     string     `json:"channel"`
	Address     string     `json:"address"`
	CooldownSec int64      `json:"cooldown_secs"`
	OneShot     bool       `json:"one_shot"`
	State       string     `json:"state"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
}

type observationResponse struct {
	Price      string    `json:"price"`
	Currency   string    `json:"currency"`
	Available  bool      `json:"available"`
	ObservedAt time.Time `json:"observed_at"`
	Source     string    `json:"source"`
}

type eventResponse struct {
	ID             int64     `json:"id"`
	RuleID         int64     `json:"rule_id"`
	ObservationID  int64     `json:"observation_id"`
	FiredAt        time.Time `json:"fired_at"`
	DispatchStatus string    `json:"dispatch_status"`
	FailureReason  *string   `json:"failure_reason,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := s.products.ListProducts(r.Context(), false)
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]productResponse, 0, len(products))
		for _, p := range products {
			out = append(out, s.productResponse(r.Context(), p))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req productRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if strings.TrimSpace(req.Locator) == "" {
			writeError(w, http.StatusBadRequest, "locator is required")
			return
		}
		name := req.DisplayName
		if name == "" {
			name = req.Locator
		}
		now := time.Now().UTC()
		product, err := s.products.CreateProduct(r.Context(), storage.TrackedProduct{
			Locator:     req.Locator,
			DisplayName: name,
			Health:      storage.HealthHealthy,
			Policy: storage.PollingPolicy{
				BaseInterval:      s.policy.BaseInterval,
				MinInterval:       s.policy.MinInterval,
				MaxInterval:       s.policy.MaxInterval,
				BackoffMultiplier: s.policy.BackoffMultiplier,
			},
			CurrentInterval: s.policy.BaseInterval,
			NextCheckAt:     now,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.productResponse(r.Context(), product))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/products/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid product id")
		return
	}

	if len(parts) == 2 && parts[1] == "history" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleHistory(w, r, id)
		return
	}
	if len(parts) != 1 {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		product, err := s.products.GetProduct(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.productResponse(r.Context(), product))
	case http.MethodDelete:
		// Soft-disable; history and rules keep referencing the row.
		if err := s.products.DisableProduct(r.Context(), id); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, id int64) {
	to := time.Now().UTC()
	from := to.AddDate(0, -3, 0)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from timestamp")
			return
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to timestamp")
			return
		}
		to = parsed
	}

	observations, err := s.observations.ListObservationsBetween(r.Context(), id, from, to)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]observationResponse, 0, len(observations))
	for _, obs := range observations {
		out = append(out, observationResponse{
			Price:      obs.Price.String(),
			Currency:   obs.Currency,
			Available:  obs.Available,
			ObservedAt: obs.ObservedAt,
			Source:     string(obs.Source),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rules, err := s.rules.ListRules(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		out := make([]ruleResponse, 0, len(rules))
		for _, rule := range rules {
			out = append(out, ruleToResponse(rule))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req ruleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		target, err := decimal.NewFromString(req.TargetPrice)
		if err != nil && req.Direction != string(storage.DirectionAnyChange) {
			writeError(w, http.StatusBadRequest, "invalid target_price")
			return
		}
		direction := storage.Direction(req.Direction)
		switch direction {
		case storage.DirectionAtOrBelow, storage.DirectionAtOrAbove, storage.DirectionAnyChange:
		default:
			writeError(w, http.StatusBadRequest, "invalid direction")
			return
		}
		if _, err := s.products.GetProduct(r.Context(), req.ProductID); err != nil {
			s.fail(w, err)
			return
		}
		cooldown := s.cooldown
		if req.Cooldown != "" {
			parsed, err := time.ParseDuration(req.Cooldown)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "invalid cooldown")
				return
			}
			cooldown = parsed
		}
		rule, err := s.rules.CreateRule(r.Context(), storage.AlertRule{
			ProductID:   req.ProductID,
			TargetPrice: target,
			Direction:   direction,
			Channel:     req.Channel,
			Address:     req.Address,
			Cooldown:    cooldown,
			OneShot:     req.OneShot,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, ruleToResponse(rule))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRuleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/alerts/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}

	var state storage.RuleState
	switch parts[1] {
	case "pause":
		state = storage.RulePaused
	case "resume":
		state = storage.RuleActive
	default:
		http.NotFound(w, r)
		return
	}

	if err := s.rules.SetRuleState(r.Context(), id, state); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	events, err := s.events.ListRecentEvents(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, eventResponse{
			ID:             event.ID,
			RuleID:         event.RuleID,
			ObservationID:  event.ObservationID,
			FiredAt:        event.FiredAt,
			DispatchStatus: string(event.DispatchStatus),
			FailureReason:  event.FailureReason,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) productResponse(ctx context.Context, product storage.TrackedProduct) productResponse {
	resp := productResponse{
		ID:            product.ID,
		Locator:       product.Locator,
		DisplayName:   product.DisplayName,
		Active:        product.Active,
		Health:        string(product.Health),
		LastCheckedAt: product.LastCheckedAt,
		NextCheckAt:   product.NextCheckAt,
	}
	latest, err := s.observations.LatestObservation(ctx, product.ID)
	if err == nil && latest != nil {
		price := latest.Price.String()
		available := latest.Available
		resp.CurrentPrice = &price
		resp.Currency = latest.Currency
		resp.Available = &available
	}
	return resp
}

func ruleToResponse(rule storage.AlertRule) ruleResponse {
	return ruleResponse{
		ID:          rule.ID,
		ProductID:   rule.ProductID,
		TargetPrice: rule.TargetPrice.String(),
		Direction:   string(rule.Direction),
		Channel:     rule.Channel,
		Address:     rule.Address,
		CooldownSec: int64(rule.Cooldown / time.Second),
		OneShot:     rule.OneShot,
		State:       string(rule.State),
		LastFiredAt: rule.LastFiredAt,
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
