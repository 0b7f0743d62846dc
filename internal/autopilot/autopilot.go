// Package autopilot runs the periodic sweeps that keep positions on
// policy without any human in the loop: valuation ticks, in-flight
// instruction expiry, and maturity closes.
package autopilot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/floorguard/cppi-engine/internal/ledger"
	"github.com/floorguard/cppi-engine/internal/model"
)

// ValuationSource supplies mark-to-market values for positions. Implementations
// must respect the context deadline; a slow feed must not stall the sweep.
type ValuationSource interface {
	Valuation(ctx context.Context, positionID string) (model.Valuation, error)
}

// VolatilitySource supplies the market-wide volatility signal, polled once
// per sweep. Returning an error is treated as a missing signal, never as a
// reason to skip the sweep.
type VolatilitySource interface {
	Signal(ctx context.Context) (model.VolatilitySignal, error)
}

// Executor carries rebalance instructions to the external trading venue.
// Execution is asynchronous: the fill comes back through the ledger as a
// RebalanceResult, not through this call.
type Executor interface {
	Execute(ctx context.Context, instr model.RebalanceInstruction) error
}

// Autopilot manages the cron tasks driving the tick loop.
type Autopilot struct {
	cron     *cron.Cron
	ledger   *ledger.Ledger
	vals     ValuationSource
	vol      VolatilitySource
	executor Executor

	tickTimeout       time.Duration // per-position budget within a sweep
	instructionExpiry time.Duration // in-flight deadline before fail-open
}

// New creates an autopilot over the given sources and executor.
func New(led *ledger.Ledger, vals ValuationSource, vol VolatilitySource, exec Executor, tickTimeout, instructionExpiry time.Duration) *Autopilot {
	if tickTimeout <= 0 {
		tickTimeout = 5 * time.Second
	}
	if instructionExpiry <= 0 {
		instructionExpiry = 2 * time.Minute
	}
	return &Autopilot{
		cron:              cron.New(cron.WithSeconds()),
		ledger:            led,
		vals:              vals,
		vol:               vol,
		executor:          exec,
		tickTimeout:       tickTimeout,
		instructionExpiry: instructionExpiry,
	}
}

// Register wires the sweeps onto the cron. tickSpec and maturitySpec are
// six-field cron expressions (with seconds).
func (a *Autopilot) Register(tickSpec, maturitySpec string) error {
	if _, err := a.cron.AddFunc(tickSpec, func() { a.RunTick(context.Background()) }); err != nil {
		return fmt.Errorf("register tick sweep: %w", err)
	}
	if _, err := a.cron.AddFunc(tickSpec, func() { a.RunExpiry(context.Background()) }); err != nil {
		return fmt.Errorf("register expiry sweep: %w", err)
	}
	if _, err := a.cron.AddFunc(maturitySpec, func() { a.RunMaturity(context.Background()) }); err != nil {
		return fmt.Errorf("register maturity sweep: %w", err)
	}
	return nil
}

// RegisterMaintenance wires only the expiry and maturity sweeps, for
// push-mode deployments where valuations arrive over HTTP instead of a
// polled feed.
func (a *Autopilot) RegisterMaintenance(expirySpec, maturitySpec string) error {
	if _, err := a.cron.AddFunc(expirySpec, func() { a.RunExpiry(context.Background()) }); err != nil {
		return fmt.Errorf("register expiry sweep: %w", err)
	}
	if _, err := a.cron.AddFunc(maturitySpec, func() { a.RunMaturity(context.Background()) }); err != nil {
		return fmt.Errorf("register maturity sweep: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (a *Autopilot) Start() {
	a.cron.Start()
	slog.Info("autopilot started")
}

// Stop stops the scheduler and waits for running sweeps to finish.
func (a *Autopilot) Stop() {
	ctx := a.cron.Stop()
	<-ctx.Done()
	slog.Info("autopilot stopped")
}

// RunTick revalues every active position and dispatches any instructions
// the ledger issues. One position's failure never aborts the sweep.
func (a *Autopilot) RunTick(ctx context.Context) {
	if a.vals == nil {
		return
	}
	positions, err := a.ledger.ActivePositions(ctx)
	if err != nil {
		slog.Error("tick sweep: list positions", "err", err)
		return
	}

	vol := model.VolatilitySignal{}
	if a.vol != nil {
		sig, err := a.vol.Signal(ctx)
		if err != nil {
			slog.Warn("tick sweep: volatility signal unavailable", "err", err)
		} else {
			vol = sig
		}
	}

	for i := range positions {
		p := &positions[i]
		if p.Status != model.StatusOpen {
			continue
		}
		a.tickOne(ctx, p.ID, vol)
	}
}

func (a *Autopilot) tickOne(parent context.Context, positionID string, vol model.VolatilitySignal) {
	ctx, cancel := context.WithTimeout(parent, a.tickTimeout)
	defer cancel()

	val, err := a.vals.Valuation(ctx, positionID)
	if err != nil {
		slog.Warn("tick sweep: valuation unavailable", "position", positionID, "err", err)
		return
	}

	instr, err := a.ledger.Revalue(ctx, positionID, val, vol)
	if err != nil {
		slog.Warn("tick sweep: revalue failed", "position", positionID, "err", err)
		return
	}
	if instr == nil {
		return
	}

	if err := a.executor.Execute(ctx, *instr); err != nil {
		// Fail open: clear the flag so the next tick retries.
		slog.Error("tick sweep: executor rejected instruction",
			"position", positionID, "instruction", instr.ID, "err", err)
		if cerr := a.ledger.CancelRebalance(ctx, positionID); cerr != nil {
			slog.Error("tick sweep: cancel after executor failure",
				"position", positionID, "err", cerr)
		}
	}
}

// RunExpiry clears in-flight instructions whose deadline has passed.
func (a *Autopilot) RunExpiry(ctx context.Context) {
	n, err := a.ledger.ExpireInflight(ctx, a.instructionExpiry)
	if err != nil {
		slog.Error("expiry sweep failed", "err", err)
		return
	}
	if n > 0 {
		slog.Warn("expired in-flight instructions", "count", n)
	}
}

// RunMaturity settles positions whose maturity date has passed.
func (a *Autopilot) RunMaturity(ctx context.Context) {
	positions, err := a.ledger.ActivePositions(ctx)
	if err != nil {
		slog.Error("maturity sweep: list positions", "err", err)
		return
	}

	now := time.Now().UTC()
	for i := range positions {
		p := &positions[i]
		if p.MaturityDate == nil || p.MaturityDate.After(now) {
			continue
		}
		settlement, err := a.ledger.Close(ctx, p.ID)
		if err != nil {
			slog.Error("maturity sweep: close failed", "position", p.ID, "err", err)
			continue
		}
		slog.Info("position matured",
			"position", p.ID,
			"final_value", settlement.FinalValue.String(),
			"total_return", settlement.TotalReturn.String(),
		)
	}
}

// LoopbackExecutor fills every instruction exactly at target with zero
// slippage. Used in development and tests when no trading venue is wired.
type LoopbackExecutor struct {
	Ledger *ledger.Ledger
}

// Execute applies the instruction's targets straight back to the ledger.
func (e *LoopbackExecutor) Execute(ctx context.Context, instr model.RebalanceInstruction) error {
	_, err := e.Ledger.ApplyRebalanceResult(ctx, model.RebalanceResult{
		PositionID:    instr.PositionID,
		InstructionID: instr.ID,
		AchievedSafe:  instr.TargetSafe,
		AchievedRisky: instr.TargetRisky,
		SlippageBps:   0,
		CostPaid:      decimal.Zero,
	})
	return err
}
