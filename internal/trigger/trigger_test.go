package trigger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/floorguard/cppi-engine/internal/cppi"
	"github.com/floorguard/cppi-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func balancedStrategy() model.Strategy {
	return model.Strategy{
		ID:                 "balanced-v1",
		Multiplier:         decimal.NewFromInt(3),
		FloorRatio:         d(0.8),
		RebalanceThreshold: d(0.05),
		RebalanceInterval:  24 * time.Hour,
		MaxSlippageBps:     50,
	}
}

func balancedAllocator(t *testing.T) *cppi.Allocator {
	t.Helper()
	a, err := cppi.NewAllocator(decimal.NewFromInt(3), d(0.8), decimal.NullDecimal{}, d(0.05), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return a
}

// balancedPosition returns a 10,000-principal position at its target
// allocation: floor 8,000, risky 6,000, safe 4,000.
func balancedPosition() *model.Position {
	return &model.Position{
		ID:               "p1",
		StrategyID:       "balanced-v1",
		Principal:        d(10000),
		GuaranteedFloor:  d(8000),
		CurrentValue:     d(10000),
		SafeExposure:     d(4000),
		RiskyExposure:    d(6000),
		PeakValue:        d(10000),
		AutoRebalance:    true,
		Status:           model.StatusOpen,
		CreatedAt:        now.Add(-time.Hour),
		LastRebalancedAt: now.Add(-time.Hour),
	}
}

func noVol() model.VolatilitySignal {
	return model.VolatilitySignal{}
}

func calmVol() model.VolatilitySignal {
	return model.VolatilitySignal{Sigma: d(0.2), Regime: model.RegimeNormal, AsOf: now}
}

// --- Freshness ---

func TestCheckFresh_WithinWindow(t *testing.T) {
	e := New(d(0.8), 5*time.Minute)
	val := model.Valuation{PositionID: "p1", Value: d(10000), AsOf: now.Add(-time.Minute)}
	if err := e.CheckFresh(val, now); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCheckFresh_Stale(t *testing.T) {
	e := New(d(0.8), 5*time.Minute)
	val := model.Valuation{PositionID: "p1", Value: d(10000), AsOf: now.Add(-10 * time.Minute)}
	err := e.CheckFresh(val, now)
	if !errors.Is(err, ErrStaleValuation) {
		t.Errorf("expected ErrStaleValuation, got %v", err)
	}
}

func TestCheckFresh_DisabledWindow(t *testing.T) {
	e := New(d(0.8), 0)
	val := model.Valuation{PositionID: "p1", Value: d(10000), AsOf: now.Add(-24 * time.Hour)}
	if err := e.CheckFresh(val, now); err != nil {
		t.Errorf("window=0 should accept any age, got %v", err)
	}
}

// --- Rule 1: floor breach ---

func TestEvaluate_FloorBreach(t *testing.T) {
	e := New(d(0.8), 0)
	pos := balancedPosition()
	pos.CurrentValue = d(7900)
	pos.SafeExposure = d(1900)
	pos.RiskyExposure = d(6000)

	reason, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), calmVol(), now)
	if !ok || reason != model.TriggerDrift {
		t.Errorf("expected Drift trigger on floor breach, got ok=%v reason=%s", ok, reason)
	}
}

func TestEvaluate_FloorBreachOverridesAutopilotOff(t *testing.T) {
	e := New(d(0.8), 0)
	pos := balancedPosition()
	pos.AutoRebalance = false
	pos.CurrentValue = d(7500)
	pos.SafeExposure = d(1500)
	pos.RiskyExposure = d(6000)

	reason, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), calmVol(), now)
	if !ok || reason != model.TriggerDrift {
		t.Error("floor protection must fire with autopilot disabled")
	}
}

func TestEvaluate_FloorBreachAlreadyLocked(t *testing.T) {
	// Once risky is zero there is nothing left to de-risk; no repeat trigger.
	e := New(d(0.8), 0)
	pos := balancedPosition()
	pos.CurrentValue = d(7900)
	pos.SafeExposure = d(7900)
	pos.RiskyExposure = decimal.Zero

	_, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), calmVol(), now)
	if ok {
		t.Error("locked position should not re-trigger every tick")
	}
}

// --- Rule 2: drift ---

func TestEvaluate_DriftBeyondThreshold(t *testing.T) {
	e := New(d(0.8), 0)
	pos := balancedPosition()
	// Value dropped to 8,200: target risky is 600, actual still 6,000.
	pos.CurrentValue = d(8200)
	pos.SafeExposure = d(2200)
	pos.RiskyExposure = d(6000)

	reason, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), calmVol(), now)
	if !ok || reason != model.TriggerDrift {
		t.Errorf("expected Drift, got ok=%v reason=%s", ok, reason)
	}
}

func TestEvaluate_DriftWithinThreshold(t *testing.T) {
	e := New(d(0.8), 0)
	pos := balancedPosition() // exactly at target
	_, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), calmVol(), now)
	if ok {
		t.Error("no trigger expected at target allocation")
	}
}

func TestEvaluate_DriftSuppressedWhenAutopilotOff(t *testing.T) {
	e := New(d(0.8), 0)
	pos := balancedPosition()
	pos.AutoRebalance = false
	pos.CurrentValue = d(8200)
	pos.SafeExposure = d(2200)
	pos.RiskyExposure = d(6000)

	_, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), calmVol(), now)
	if ok {
		t.Error("drift must be suppressed when autopilot is off and floor intact")
	}
}

// --- Rule 3: volatility ---

func TestEvaluate_VolatilitySpike(t *testing.T) {
	e := New(d(0.8), 0)
	pos := balancedPosition() // drift within tolerance
	vol := model.VolatilitySignal{Sigma: d(0.95), Regime: model.RegimeNormal, AsOf: now}

	reason, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), vol, now)
	if !ok || reason != model.TriggerVolatility {
		t.Errorf("expected Volatility, got ok=%v reason=%s", ok, reason)
	}
}

func TestEvaluate_HighRegimeSpikes(t *testing.T) {
	e := New(d(0.8), 0)
	pos := balancedPosition()
	vol := model.VolatilitySignal{Sigma: d(0.3), Regime: model.RegimeHigh, AsOf: now}

	reason, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), vol, now)
	if !ok || reason != model.TriggerVolatility {
		t.Errorf("expected Volatility on high regime, got ok=%v reason=%s", ok, reason)
	}
}

func TestEvaluate_MissingSignalSkipsVolatilityRuleOnly(t *testing.T) {
	e := New(d(0.8), 0)

	// No vol signal, no drift: nothing fires.
	pos := balancedPosition()
	if _, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), noVol(), now); ok {
		t.Error("missing signal with no drift should not trigger")
	}

	// Floor breach still fires without a signal.
	pos.CurrentValue = d(7900)
	pos.SafeExposure = d(1900)
	pos.RiskyExposure = d(6000)
	if _, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), noVol(), now); !ok {
		t.Error("floor breach must not depend on the volatility signal")
	}
}

// --- Rule 4: scheduled ---

func TestEvaluate_ScheduledIntervalElapsed(t *testing.T) {
	e := New(d(0.8), 0)
	pos := balancedPosition()
	pos.LastRebalancedAt = now.Add(-25 * time.Hour)

	reason, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), calmVol(), now)
	if !ok || reason != model.TriggerScheduled {
		t.Errorf("expected Scheduled, got ok=%v reason=%s", ok, reason)
	}
}

func TestEvaluate_ScheduledNever(t *testing.T) {
	e := New(d(0.8), 0)
	strat := balancedStrategy()
	strat.RebalanceInterval = 0 // never
	pos := balancedPosition()
	pos.LastRebalancedAt = now.Add(-1000 * time.Hour)

	if _, ok := e.Evaluate(pos, strat, balancedAllocator(t), calmVol(), now); ok {
		t.Error("interval=0 means scheduled rule never fires")
	}
}

func TestEvaluate_ScheduledUsesCreatedAtBeforeFirstRebalance(t *testing.T) {
	e := New(d(0.8), 0)
	pos := balancedPosition()
	pos.LastRebalancedAt = time.Time{}
	pos.CreatedAt = now.Add(-25 * time.Hour)

	reason, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), calmVol(), now)
	if !ok || reason != model.TriggerScheduled {
		t.Errorf("expected Scheduled from createdAt, got ok=%v reason=%s", ok, reason)
	}
}

// --- Ordering ---

func TestEvaluate_FloorBreachWinsOverEverything(t *testing.T) {
	e := New(d(0.8), 0)
	pos := balancedPosition()
	pos.CurrentValue = d(7000) // breach + massive drift
	pos.SafeExposure = d(1000)
	pos.RiskyExposure = d(6000)
	pos.LastRebalancedAt = now.Add(-100 * time.Hour) // scheduled also due
	vol := model.VolatilitySignal{Sigma: d(2), Regime: model.RegimeHigh, AsOf: now}

	reason, ok := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), vol, now)
	if !ok || reason != model.TriggerDrift {
		t.Errorf("floor breach must report Drift first, got ok=%v reason=%s", ok, reason)
	}
}

func TestEvaluate_DriftWinsOverVolatility(t *testing.T) {
	e := New(d(0.8), 0)
	pos := balancedPosition()
	pos.CurrentValue = d(8200)
	pos.SafeExposure = d(2200)
	pos.RiskyExposure = d(6000)
	vol := model.VolatilitySignal{Sigma: d(2), Regime: model.RegimeHigh, AsOf: now}

	reason, _ := e.Evaluate(pos, balancedStrategy(), balancedAllocator(t), vol, now)
	if reason != model.TriggerDrift {
		t.Errorf("drift outranks volatility, got %s", reason)
	}
}
