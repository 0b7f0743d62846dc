// Package health derives a risk classification from position state for
// monitoring and alerting. It is a pure read model: it never writes and its
// output must never feed back into allocation or trigger decisions.
package health

import (
	"github.com/shopspring/decimal"

	"github.com/floorguard/cppi-engine/internal/model"
)

// Band is the coarse risk classification of a position.
type Band string

const (
	BandExcellent Band = "excellent"
	BandGood      Band = "good"
	BandWatch     Band = "watch"
	BandAtRisk    Band = "at_risk"
	BandBreached  Band = "breached"
)

// Banding thresholds on floor distance / cushion ratio.
var (
	excellentFloorDist = decimal.NewFromFloat(0.30)
	excellentCushion   = decimal.NewFromFloat(0.20)
	goodFloorDist      = decimal.NewFromFloat(0.15)
	goodCushion        = decimal.NewFromFloat(0.10)
	watchFloorDist     = decimal.NewFromFloat(0.05)
	watchCushion       = decimal.NewFromFloat(0.02)
)

// Report is the scored view of one position.
type Report struct {
	PositionID    string          `json:"position_id"`
	Band          Band            `json:"band"`
	FloorDistance decimal.Decimal `json:"floor_distance"` // (value - floor) / floor
	CushionRatio  decimal.Decimal `json:"cushion_ratio"`  // cushion / principal
	MaxDrawdown   decimal.Decimal `json:"max_drawdown"`
	Halted        bool            `json:"halted"`
}

// Score classifies a position. Deterministic for identical inputs.
func Score(pos *model.Position) Report {
	fd := decimal.Zero
	if pos.GuaranteedFloor.IsPositive() {
		fd = pos.CurrentValue.Sub(pos.GuaranteedFloor).Div(pos.GuaranteedFloor)
	}
	cr := decimal.Zero
	if pos.Principal.IsPositive() {
		cr = pos.Cushion().Div(pos.Principal)
	}

	return Report{
		PositionID:    pos.ID,
		Band:          band(fd, cr),
		FloorDistance: fd,
		CushionRatio:  cr,
		MaxDrawdown:   pos.MaxDrawdown,
		Halted:        pos.Status == model.StatusHalted,
	}
}

func band(floorDist, cushionRatio decimal.Decimal) Band {
	switch {
	case floorDist.LessThanOrEqual(decimal.Zero):
		return BandBreached
	case floorDist.GreaterThan(excellentFloorDist) && cushionRatio.GreaterThan(excellentCushion):
		return BandExcellent
	case floorDist.GreaterThan(goodFloorDist) && cushionRatio.GreaterThan(goodCushion):
		return BandGood
	case floorDist.GreaterThan(watchFloorDist) && cushionRatio.GreaterThan(watchCushion):
		return BandWatch
	default:
		return BandAtRisk
	}
}
