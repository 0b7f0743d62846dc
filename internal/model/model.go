// Package model defines the core domain types shared across the CPPI engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TriggerReason is the closed set of causes for a rebalance.
type TriggerReason string

const (
	TriggerDrift      TriggerReason = "DRIFT"
	TriggerVolatility TriggerReason = "VOLATILITY"
	TriggerScheduled  TriggerReason = "SCHEDULED"
	TriggerManual     TriggerReason = "MANUAL"
)

// Valid reports whether r is one of the four known trigger reasons.
func (r TriggerReason) Valid() bool {
	switch r {
	case TriggerDrift, TriggerVolatility, TriggerScheduled, TriggerManual:
		return true
	}
	return false
}

// Position lifecycle states.
const (
	StatusOpen   = "open"
	StatusHalted = "halted" // invariant violation; autopilot disabled, manual review
	StatusClosed = "closed"
)

// Strategy is an immutable CPPI template. Instances are shared read-only
// across many positions and never mutated after catalog registration.
type Strategy struct {
	ID                 string              `json:"id" db:"id"`
	Name               string              `json:"name" db:"name"`
	Multiplier         decimal.Decimal     `json:"multiplier" db:"multiplier"`                   // m >= 1
	FloorRatio         decimal.Decimal     `json:"floor_ratio" db:"floor_ratio"`                 // 0 < ratio <= 1
	Cap                decimal.NullDecimal `json:"cap" db:"cap"`                                 // max value as multiple of principal; null = uncapped
	RebalanceThreshold decimal.Decimal     `json:"rebalance_threshold" db:"rebalance_threshold"` // allowed drift, e.g. 0.05
	RatchetEnabled     bool                `json:"ratchet_enabled" db:"ratchet_enabled"`
	RebalanceInterval  time.Duration       `json:"rebalance_interval" db:"rebalance_interval"` // 0 = never
	MaxSlippageBps     int64               `json:"max_slippage_bps" db:"max_slippage_bps"`
}

// Position is the mutable aggregate for one capital commitment. It is owned
// exclusively by the ledger; all mutation goes through ledger methods.
type Position struct {
	ID               string          `json:"id" db:"id"`
	OwnerID          string          `json:"owner_id" db:"owner_id"`
	StrategyID       string          `json:"strategy_id" db:"strategy_id"`
	Principal        decimal.Decimal `json:"principal" db:"principal"`
	GuaranteedFloor  decimal.Decimal `json:"guaranteed_floor" db:"guaranteed_floor"` // monotonically non-decreasing
	CurrentValue     decimal.Decimal `json:"current_value" db:"current_value"`
	SafeExposure     decimal.Decimal `json:"safe_exposure" db:"safe_exposure"`
	RiskyExposure    decimal.Decimal `json:"risky_exposure" db:"risky_exposure"`
	PeakValue        decimal.Decimal `json:"peak_value" db:"peak_value"`
	MaxDrawdown      decimal.Decimal `json:"max_drawdown" db:"max_drawdown"` // fraction of peak, [0,1]
	RebalanceCount   uint64          `json:"rebalance_count" db:"rebalance_count"`
	RejectedCount    uint64          `json:"rejected_count" db:"rejected_count"`
	AutoRebalance    bool            `json:"auto_rebalance" db:"auto_rebalance"`
	Status           string          `json:"status" db:"status"`
	MaturityDate     *time.Time      `json:"maturity_date,omitempty" db:"maturity_date"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	LastRebalancedAt time.Time       `json:"last_rebalanced_at" db:"last_rebalanced_at"`

	// Last accepted valuation, used for revalue idempotence and staleness.
	LastValuation   decimal.Decimal `json:"last_valuation" db:"last_valuation"`
	LastValuationAt time.Time       `json:"last_valuation_at" db:"last_valuation_at"`

	// Pending is the in-flight rebalance instruction, nil when none.
	// At most one instruction may be in flight per position.
	Pending *RebalanceInstruction `json:"pending,omitempty" db:"-"`
}

// Cushion returns currentValue - guaranteedFloor, clamped at zero.
func (p *Position) Cushion() decimal.Decimal {
	c := p.CurrentValue.Sub(p.GuaranteedFloor)
	if c.IsNegative() {
		return decimal.Zero
	}
	return c
}

// RebalanceInFlight reports whether an instruction is awaiting its result.
func (p *Position) RebalanceInFlight() bool {
	return p.Pending != nil
}

// RebalanceInstruction is the engine's output to the external executor:
// move capital so exposures match the targets, within the slippage budget.
// Issuing one marks the position in-flight until a result or cancellation.
type RebalanceInstruction struct {
	ID             string          `json:"id"`
	PositionID     string          `json:"position_id"`
	Reason         TriggerReason   `json:"reason"`
	TargetSafe     decimal.Decimal `json:"target_safe"`
	TargetRisky    decimal.Decimal `json:"target_risky"`
	MaxSlippageBps int64           `json:"max_slippage_bps"`
	IssuedAt       time.Time       `json:"issued_at"`
}

// RebalanceResult is the executor's fill report for an instruction.
type RebalanceResult struct {
	PositionID    string          `json:"position_id"`
	InstructionID string          `json:"instruction_id"`
	AchievedSafe  decimal.Decimal `json:"achieved_safe"`
	AchievedRisky decimal.Decimal `json:"achieved_risky"`
	SlippageBps   int64           `json:"slippage_bps"`
	CostPaid      decimal.Decimal `json:"cost_paid"` // gas / fees, denominated in position currency
}

// RebalanceEvent is an immutable record of an executed rebalance.
// Once written these are never modified or deleted; Seq increases
// monotonically per position.
type RebalanceEvent struct {
	ID          string          `json:"id" db:"id"`
	PositionID  string          `json:"position_id" db:"position_id"`
	Seq         uint64          `json:"seq" db:"seq"`
	Trigger     TriggerReason   `json:"trigger" db:"trigger"`
	BeforeSafe  decimal.Decimal `json:"before_safe" db:"before_safe"`
	AfterSafe   decimal.Decimal `json:"after_safe" db:"after_safe"`
	BeforeRisky decimal.Decimal `json:"before_risky" db:"before_risky"`
	AfterRisky  decimal.Decimal `json:"after_risky" db:"after_risky"`
	SlippageBps int64           `json:"slippage_bps" db:"slippage_bps"`
	CostPaid    decimal.Decimal `json:"cost_paid" db:"cost_paid"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// FinalSettlement is returned when a position is closed.
type FinalSettlement struct {
	PositionID     string          `json:"position_id"`
	Principal      decimal.Decimal `json:"principal"`
	FinalValue     decimal.Decimal `json:"final_value"`
	TotalReturn    decimal.Decimal `json:"total_return"` // (final - principal) / principal
	RebalanceCount uint64          `json:"rebalance_count"`
	ClosedAt       time.Time       `json:"closed_at"`
}

// Valuation is one mark-to-market tick from the valuation feed.
type Valuation struct {
	PositionID string          `json:"position_id"`
	Value      decimal.Decimal `json:"value"`
	AsOf       time.Time       `json:"as_of"`
}

// Volatility regimes, coarsest useful discretization of the signal.
const (
	RegimeLow    = "low"
	RegimeNormal = "normal"
	RegimeHigh   = "high"
)

// VolatilitySignal is the risk input polled once per tick. Sigma is the
// realized/implied volatility scalar; Regime is its discretized band.
// A zero AsOf means the signal is missing for this tick.
type VolatilitySignal struct {
	Sigma  decimal.Decimal `json:"sigma"`
	Regime string          `json:"regime"`
	AsOf   time.Time       `json:"as_of"`
}

// Missing reports whether no signal was available this tick.
func (v VolatilitySignal) Missing() bool {
	return v.AsOf.IsZero()
}

// PoolStats aggregates all non-closed positions for the pool read model.
type PoolStats struct {
	OpenPositions   int             `json:"open_positions"`
	HaltedPositions int             `json:"halted_positions"`
	TotalAUM        decimal.Decimal `json:"total_aum"`
	TotalPrincipal  decimal.Decimal `json:"total_principal"`
	AvgMultiplier   decimal.Decimal `json:"avg_multiplier"`
	SuccessRate     decimal.Decimal `json:"success_rate"` // applied / (applied + rejected)
}
