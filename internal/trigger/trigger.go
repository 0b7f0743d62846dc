// Package trigger implements the rebalance decision policy.
//
// Rules are evaluated in a fixed order, first match wins:
//
//  1. Floor breach — value at or below the guaranteed floor forces an
//     immediate flight to safety, even when autopilot is off.
//  2. Drift — actual vs target risky allocation beyond the strategy threshold.
//  3. Volatility — the signal spiked, de-risk pre-emptively.
//  4. Scheduled — the strategy's rebalance interval elapsed.
//
// Manual requests bypass this policy entirely and are always honored.
// The evaluator is pure: it never mutates the position.
package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/floorguard/cppi-engine/internal/cppi"
	"github.com/floorguard/cppi-engine/internal/model"
)

// ErrStaleValuation is returned when a valuation is older than the freshness
// window. The engine fails safe: it keeps the last-known allocation rather
// than act on suspect data.
var ErrStaleValuation = errors.New("trigger: valuation is stale")

// Evaluator holds the engine-level trigger configuration.
type Evaluator struct {
	// SpikeThreshold is the volatility sigma at or above which rule 3
	// fires. Zero disables the sigma comparison (the regime band still
	// applies).
	SpikeThreshold decimal.Decimal

	// FreshnessWindow is the maximum acceptable valuation age.
	FreshnessWindow time.Duration
}

// New creates an evaluator with the given spike threshold and freshness window.
func New(spikeThreshold decimal.Decimal, freshnessWindow time.Duration) *Evaluator {
	return &Evaluator{
		SpikeThreshold:  spikeThreshold,
		FreshnessWindow: freshnessWindow,
	}
}

// CheckFresh validates a valuation against the freshness window. Called
// before any bookkeeping: a stale tick must not touch the position at all.
func (e *Evaluator) CheckFresh(val model.Valuation, now time.Time) error {
	if e.FreshnessWindow <= 0 {
		return nil
	}
	if age := now.Sub(val.AsOf); age > e.FreshnessWindow {
		return fmt.Errorf("%w: as_of=%s age=%s window=%s",
			ErrStaleValuation, val.AsOf.Format(time.RFC3339), age, e.FreshnessWindow)
	}
	return nil
}

// Evaluate runs the ordered decision rules against a position whose
// valuation bookkeeping is already up to date. It returns the first
// matching trigger reason, or ok=false when no rebalance is due.
//
// When autopilot is disabled only the floor-breach rule runs — floor
// protection is not optional. A missing volatility signal skips rule 3
// only; the rules that do not consume the signal still run.
func (e *Evaluator) Evaluate(
	pos *model.Position,
	strat model.Strategy,
	alloc *cppi.Allocator,
	vol model.VolatilitySignal,
	now time.Time,
) (model.TriggerReason, bool) {
	// 1. Floor breach — overrides AutoRebalance.
	if pos.CurrentValue.LessThanOrEqual(pos.GuaranteedFloor) {
		// Only act if the position still carries risky exposure;
		// a locked position re-triggering every tick would spam the executor.
		if pos.RiskyExposure.IsPositive() {
			return model.TriggerDrift, true
		}
		return "", false
	}

	if !pos.AutoRebalance {
		return "", false
	}

	// 2. Drift.
	_, targetRisky := alloc.Target(pos.Principal, pos.CurrentValue, pos.GuaranteedFloor)
	if alloc.DriftExceeded(pos.RiskyExposure, targetRisky, pos.CurrentValue) {
		return model.TriggerDrift, true
	}

	// 3. Volatility spike.
	if !vol.Missing() && e.spiked(vol) {
		return model.TriggerVolatility, true
	}

	// 4. Scheduled.
	if strat.RebalanceInterval > 0 {
		last := pos.LastRebalancedAt
		if last.IsZero() {
			last = pos.CreatedAt
		}
		if now.Sub(last) >= strat.RebalanceInterval {
			return model.TriggerScheduled, true
		}
	}

	return "", false
}

func (e *Evaluator) spiked(vol model.VolatilitySignal) bool {
	if vol.Regime == model.RegimeHigh {
		return true
	}
	return e.SpikeThreshold.IsPositive() && vol.Sigma.GreaterThanOrEqual(e.SpikeThreshold)
}
