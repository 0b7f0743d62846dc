// Package cppi implements Constant Proportion Portfolio Insurance (CPPI)
// allocation mathematics for two-leg (safe/risky) positions.
//
// CPPI sizes the risky leg as a multiple of the cushion — the value above
// the guaranteed floor:
//
//	risky = min(m * max(0, value - floor), value)
//
// so the position can always be unwound into the safe leg before the floor
// is breached. An optional cap stops upside participation once total value
// would exceed cap × principal.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Every function here is pure and deterministic for identical inputs, so
// history can be replayed byte-for-byte.
//
// Reference: Black, F. & Jones, R. (1987) "Simplifying Portfolio Insurance"
package cppi

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidMultiplier is returned when m < 1.
	ErrInvalidMultiplier = errors.New("cppi: multiplier must be at least 1")

	// ErrInvalidFloorRatio is returned when the floor ratio is outside (0, 1].
	ErrInvalidFloorRatio = errors.New("cppi: floor ratio must be in (0, 1]")

	// ErrInvalidCap is returned when a cap is present but not greater than 1.
	ErrInvalidCap = errors.New("cppi: cap must exceed 1 when set")

	// ErrInvalidThreshold is returned when the rebalance threshold is not positive.
	ErrInvalidThreshold = errors.New("cppi: rebalance threshold must be positive")

	// ErrExposureSumMismatch is returned when safe + risky drifts from the
	// position value beyond SumTolerance. This is a programming-bug-class
	// invariant violation, never silently corrected.
	ErrExposureSumMismatch = errors.New("cppi: safe + risky exposure does not equal position value")

	// SumTolerance is the relative tolerance for the exposure sum invariant.
	SumTolerance = decimal.New(1, -6) // 1e-6

	// ValueScale is the number of decimal places for exposure rounding.
	ValueScale int32 = 8
)

var one = decimal.NewFromInt(1)

// Allocator holds validated CPPI parameters for one strategy.
// It is stateless beyond its parameters — position state is passed
// as arguments, not stored.
type Allocator struct {
	multiplier decimal.Decimal
	floorRatio decimal.Decimal
	cap        decimal.NullDecimal
	threshold  decimal.Decimal
	ratchet    bool
}

// NewAllocator validates the strategy parameters and returns an Allocator.
// multiplier >= 1, 0 < floorRatio <= 1, rebalance threshold > 0, and a cap
// (when present) must exceed 1.
func NewAllocator(multiplier, floorRatio decimal.Decimal, cap decimal.NullDecimal, threshold decimal.Decimal, ratchet bool) (*Allocator, error) {
	if multiplier.LessThan(one) {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidMultiplier, multiplier)
	}
	if floorRatio.LessThanOrEqual(decimal.Zero) || floorRatio.GreaterThan(one) {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidFloorRatio, floorRatio)
	}
	if cap.Valid && cap.Decimal.LessThanOrEqual(one) {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidCap, cap.Decimal)
	}
	if threshold.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidThreshold, threshold)
	}
	return &Allocator{
		multiplier: multiplier,
		floorRatio: floorRatio,
		cap:        cap,
		threshold:  threshold,
		ratchet:    ratchet,
	}, nil
}

// Multiplier returns the leverage factor m.
func (a *Allocator) Multiplier() decimal.Decimal { return a.multiplier }

// FloorRatio returns the guaranteed fraction of principal.
func (a *Allocator) FloorRatio() decimal.Decimal { return a.floorRatio }

// RatchetEnabled reports whether the floor ratchets up at new highs.
func (a *Allocator) RatchetEnabled() bool { return a.ratchet }

// Threshold returns the allowed allocation drift before a rebalance fires.
func (a *Allocator) Threshold() decimal.Decimal { return a.threshold }

// Cushion returns value - floor, clamped at zero.
func Cushion(value, floor decimal.Decimal) decimal.Decimal {
	c := value.Sub(floor)
	if c.IsNegative() {
		return decimal.Zero
	}
	return c
}

// Target computes the target exposure split for a position.
//
//	cushion      = max(0, value - floor)
//	desiredRisky = m * cushion, capped at value
//	             and, with a cap c, at principal * (c - 1)
//	safe         = value - risky
//
// When the cushion is zero (value at or below the floor) the risky leg is
// zero — full flight to safety until the value recovers above the floor.
func (a *Allocator) Target(principal, value, floor decimal.Decimal) (safe, risky decimal.Decimal) {
	desired := a.multiplier.Mul(Cushion(value, floor))

	if desired.GreaterThan(value) {
		desired = value
	}
	if a.cap.Valid {
		// Upside participation stops once total value would exceed cap × principal.
		ceiling := principal.Mul(a.cap.Decimal.Sub(one))
		if desired.GreaterThan(ceiling) {
			desired = ceiling
		}
	}
	if desired.IsNegative() {
		desired = decimal.Zero
	}

	risky = desired.Round(ValueScale)
	safe = value.Sub(risky)
	return safe, risky
}

// RatchetFloor returns the floor after applying the high-water-mark ratchet:
// max(floor, peak * floorRatio), clamped to cap × principal when a cap is
// configured. The result never falls below the current floor, so the floor
// is monotonically non-decreasing across a position's lifetime.
func (a *Allocator) RatchetFloor(principal, floor, peak decimal.Decimal) decimal.Decimal {
	if !a.ratchet {
		return floor
	}
	candidate := peak.Mul(a.floorRatio).Round(ValueScale)
	if a.cap.Valid {
		ceiling := a.cap.Decimal.Mul(principal)
		if candidate.GreaterThan(ceiling) {
			candidate = ceiling
		}
	}
	if candidate.GreaterThan(floor) {
		return candidate
	}
	return floor
}

// Drift returns |actualRiskyRatio - targetRiskyRatio| for a position value.
// A non-positive value yields zero drift (nothing to allocate).
func Drift(actualRisky, targetRisky, value decimal.Decimal) decimal.Decimal {
	if value.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return actualRisky.Div(value).Sub(targetRisky.Div(value)).Abs()
}

// DriftExceeded reports whether the allocation drift is beyond the
// strategy's rebalance threshold.
func (a *Allocator) DriftExceeded(actualRisky, targetRisky, value decimal.Decimal) bool {
	return Drift(actualRisky, targetRisky, value).GreaterThan(a.threshold)
}

// CheckExposureSum validates safe + risky == value within SumTolerance
// (relative to value; absolute for values below 1). A violation is fatal
// for the position: it must be halted and flagged, not patched.
func CheckExposureSum(safe, risky, value decimal.Decimal) error {
	diff := safe.Add(risky).Sub(value).Abs()
	scale := value.Abs()
	if scale.LessThan(one) {
		scale = one
	}
	if diff.GreaterThan(SumTolerance.Mul(scale)) {
		return fmt.Errorf("%w: safe=%s risky=%s value=%s", ErrExposureSumMismatch, safe, risky, value)
	}
	return nil
}
