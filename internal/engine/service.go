// Package engine provides the HTTP handlers and command surface for the
// CPPI autopilot: opening positions, pushing valuations, handling executor
// fill reports, and querying positions, history, and pool state.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/floorguard/cppi-engine/internal/catalog"
	"github.com/floorguard/cppi-engine/internal/cppi"
	"github.com/floorguard/cppi-engine/internal/health"
	"github.com/floorguard/cppi-engine/internal/ledger"
	"github.com/floorguard/cppi-engine/internal/model"
	"github.com/floorguard/cppi-engine/internal/store"
	"github.com/floorguard/cppi-engine/internal/trigger"
)

// Service handles position operations over the ledger.
type Service struct {
	ledger  *ledger.Ledger
	catalog *catalog.Catalog
	store   store.Store
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new engine service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(led *ledger.Ledger, cat *catalog.Catalog, st store.Store, hub *WSHub) *Service {
	return &Service{
		ledger:  led,
		catalog: cat,
		store:   st,
		wsHub:   hub,
	}
}

// --- Request/Response types ---

// CreateStrategyRequest is the JSON body for strategy registration.
type CreateStrategyRequest struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Multiplier         decimal.Decimal     `json:"multiplier"`
	FloorRatio         decimal.Decimal     `json:"floor_ratio"`
	Cap                decimal.NullDecimal `json:"cap"`
	RebalanceThreshold decimal.Decimal     `json:"rebalance_threshold"`
	RatchetEnabled     bool                `json:"ratchet_enabled"`
	RebalanceIntervalS int64               `json:"rebalance_interval_seconds"` // 0 = never
	MaxSlippageBps     int64               `json:"max_slippage_bps"`
}

// OpenPositionRequest is the JSON body for POST /positions.
type OpenPositionRequest struct {
	OwnerID       string           `json:"owner_id"`
	StrategyID    string           `json:"strategy_id"`
	Principal     decimal.Decimal  `json:"principal"`
	CustomFloor   *decimal.Decimal `json:"custom_floor,omitempty"`
	AutoRebalance *bool            `json:"auto_rebalance,omitempty"` // default true
	MaturityDate  *time.Time       `json:"maturity_date,omitempty"`
}

// RevalueRequest is the JSON body for pushing a mark-to-market tick.
type RevalueRequest struct {
	Value      decimal.Decimal         `json:"value"`
	AsOf       time.Time               `json:"as_of"`
	Volatility *model.VolatilitySignal `json:"volatility,omitempty"`
}

// RebalanceRequest is the JSON body for a manual rebalance.
type RebalanceRequest struct {
	Reason model.TriggerReason `json:"reason"` // defaults to MANUAL
}

// ToggleRequest is the JSON body for the autopilot switch.
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// RevalueResponse reports the tick outcome.
type RevalueResponse struct {
	Position    *model.Position             `json:"position"`
	Instruction *model.RebalanceInstruction `json:"instruction,omitempty"`
}

// --- HTTP Handlers ---

// CreateStrategy handles POST /api/v1/strategies
func (s *Service) CreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req CreateStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		writeError(w, "id is required", http.StatusBadRequest)
		return
	}

	strat := model.Strategy{
		ID:                 req.ID,
		Name:               req.Name,
		Multiplier:         req.Multiplier,
		FloorRatio:         req.FloorRatio,
		Cap:                req.Cap,
		RebalanceThreshold: req.RebalanceThreshold,
		RatchetEnabled:     req.RatchetEnabled,
		RebalanceInterval:  time.Duration(req.RebalanceIntervalS) * time.Second,
		MaxSlippageBps:     req.MaxSlippageBps,
	}

	if err := s.catalog.Register(strat); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if err := s.store.UpsertStrategy(r.Context(), strat); err != nil {
		writeError(w, "failed to persist strategy", http.StatusInternalServerError)
		return
	}

	slog.Info("strategy registered",
		"id", strat.ID,
		"multiplier", strat.Multiplier.String(),
		"floor_ratio", strat.FloorRatio.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(strat)
}

// ListStrategies handles GET /api/v1/strategies
func (s *Service) ListStrategies(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.catalog.List())
}

// GetStrategy handles GET /api/v1/strategies/{strategyID}
func (s *Service) GetStrategy(w http.ResponseWriter, r *http.Request) {
	strat, err := s.catalog.Get(chi.URLParam(r, "strategyID"))
	if err != nil {
		writeError(w, "strategy not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(strat)
}

// OpenPosition handles POST /api/v1/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	auto := true
	if req.AutoRebalance != nil {
		auto = *req.AutoRebalance
	}

	pos, err := s.ledger.Open(r.Context(), ledger.OpenParams{
		OwnerID:       req.OwnerID,
		StrategyID:    req.StrategyID,
		Principal:     req.Principal,
		CustomFloor:   req.CustomFloor,
		AutoRebalance: auto,
		MaturityDate:  req.MaturityDate,
	})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "position_opened",
			PositionID:    pos.ID,
			Value:         pos.CurrentValue.String(),
			Floor:         pos.GuaranteedFloor.String(),
			SafeExposure:  pos.SafeExposure.String(),
			RiskyExposure: pos.RiskyExposure.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(pos)
}

// GetPosition handles GET /api/v1/positions/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.ledger.Get(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// ListOwnerPositions handles GET /api/v1/owners/{ownerID}/positions
func (s *Service) ListOwnerPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ledger.OwnerPositions(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// GetHistory handles GET /api/v1/positions/{positionID}/history
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")
	if _, err := s.ledger.Get(r.Context(), positionID); err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	events, err := s.ledger.History(r.Context(), positionID)
	if err != nil {
		writeError(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.RebalanceEvent{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// GetHealth handles GET /api/v1/positions/{positionID}/health
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	pos, err := s.ledger.Get(r.Context(), chi.URLParam(r, "positionID"))
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health.Score(pos))
}

// Revalue handles POST /api/v1/positions/{positionID}/revalue
// Pushes a mark-to-market tick; responds with the instruction if one was
// issued.
func (s *Service) Revalue(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	var req RevalueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AsOf.IsZero() {
		writeError(w, "as_of is required", http.StatusBadRequest)
		return
	}

	vol := model.VolatilitySignal{}
	if req.Volatility != nil {
		vol = *req.Volatility
	}

	instr, err := s.ledger.Revalue(r.Context(), positionID,
		model.Valuation{PositionID: positionID, Value: req.Value, AsOf: req.AsOf}, vol)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	pos, err := s.ledger.Get(r.Context(), positionID)
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}

	if instr != nil && s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "instruction_issued",
			PositionID:    positionID,
			InstructionID: instr.ID,
			Reason:        string(instr.Reason),
			SafeExposure:  instr.TargetSafe.String(),
			RiskyExposure: instr.TargetRisky.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RevalueResponse{Position: pos, Instruction: instr})
}

// RequestRebalance handles POST /api/v1/positions/{positionID}/rebalance
func (s *Service) RequestRebalance(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	req := RebalanceRequest{Reason: model.TriggerManual}
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = model.TriggerManual
	}

	instr, err := s.ledger.RequestRebalance(r.Context(), positionID, req.Reason)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "instruction_issued",
			PositionID:    positionID,
			InstructionID: instr.ID,
			Reason:        string(instr.Reason),
			SafeExposure:  instr.TargetSafe.String(),
			RiskyExposure: instr.TargetRisky.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(instr)
}

// ApplyResult handles POST /api/v1/positions/{positionID}/rebalance/result
// The executor reports its fill here.
func (s *Service) ApplyResult(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	var res model.RebalanceResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res.PositionID = positionID

	event, err := s.ledger.ApplyRebalanceResult(r.Context(), res)
	if err != nil {
		if errors.Is(err, ledger.ErrSlippageExceeded) && s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{
				Type:          "rebalance_rejected",
				PositionID:    positionID,
				InstructionID: res.InstructionID,
				SlippageBps:   res.SlippageBps,
			})
		}
		if errors.Is(err, ledger.ErrInvariantViolation) && s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{Type: "position_halted", PositionID: positionID})
		}
		writeError(w, err.Error(), statusFor(err))
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:          "rebalance_applied",
			PositionID:    positionID,
			InstructionID: res.InstructionID,
			Reason:        string(event.Trigger),
			SafeExposure:  event.AfterSafe.String(),
			RiskyExposure: event.AfterRisky.String(),
			SlippageBps:   event.SlippageBps,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(event)
}

// CancelRebalance handles POST /api/v1/positions/{positionID}/rebalance/cancel
func (s *Service) CancelRebalance(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	if err := s.ledger.CancelRebalance(r.Context(), positionID); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleAutopilot handles PUT /api/v1/positions/{positionID}/autopilot
func (s *Service) ToggleAutopilot(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	var req ToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	pos, err := s.ledger.ToggleAutoRebalance(r.Context(), positionID, req.Enabled)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	settlement, err := s.ledger.Close(r.Context(), positionID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "position_closed",
			PositionID: positionID,
			Value:      settlement.FinalValue.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(settlement)
}

// GetPool handles GET /api/v1/pool
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Pool(r.Context())
	if err != nil {
		writeError(w, "failed to compute pool stats", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// Routes mounts all engine endpoints on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/strategies", s.CreateStrategy)
	r.Get("/strategies", s.ListStrategies)
	r.Get("/strategies/{strategyID}", s.GetStrategy)

	r.Post("/positions", s.OpenPosition)
	r.Get("/positions/{positionID}", s.GetPosition)
	r.Get("/positions/{positionID}/history", s.GetHistory)
	r.Get("/positions/{positionID}/health", s.GetHealth)
	r.Post("/positions/{positionID}/revalue", s.Revalue)
	r.Post("/positions/{positionID}/rebalance", s.RequestRebalance)
	r.Post("/positions/{positionID}/rebalance/result", s.ApplyResult)
	r.Post("/positions/{positionID}/rebalance/cancel", s.CancelRebalance)
	r.Put("/positions/{positionID}/autopilot", s.ToggleAutopilot)
	r.Post("/positions/{positionID}/close", s.ClosePosition)

	r.Get("/owners/{ownerID}/positions", s.ListOwnerPositions)
	r.Get("/pool", s.GetPool)

	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrPositionNotFound),
		errors.Is(err, catalog.ErrUnknownStrategy):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrDuplicateStrategy),
		errors.Is(err, ledger.ErrRebalanceInFlight),
		errors.Is(err, ledger.ErrNoRebalanceInFlight),
		errors.Is(err, ledger.ErrInstructionMismatch),
		errors.Is(err, ledger.ErrSlippageExceeded),
		errors.Is(err, ledger.ErrPositionClosed),
		errors.Is(err, ledger.ErrPositionHalted):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrInvariantViolation):
		return http.StatusInternalServerError
	case errors.Is(err, trigger.ErrStaleValuation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidPrincipal),
		errors.Is(err, ledger.ErrInvalidFloor),
		errors.Is(err, ledger.ErrInvalidValuation),
		errors.Is(err, ledger.ErrInvalidTrigger),
		errors.Is(err, ledger.ErrInvalidResult),
		errors.Is(err, cppi.ErrInvalidMultiplier),
		errors.Is(err, cppi.ErrInvalidFloorRatio),
		errors.Is(err, cppi.ErrInvalidCap),
		errors.Is(err, cppi.ErrInvalidThreshold):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
