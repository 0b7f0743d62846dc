// Package ledger owns the authoritative state of every CPPI position. All
// mutation flows through its contract methods; no caller may touch Position
// fields directly.
//
// Concurrency model: per-position serialization. Each event (valuation tick,
// rebalance result, command) is processed to completion under that position's
// lock before the next one for the same position is applied; different
// positions proceed in parallel.
//
// A rebalance instruction and its result form one logical transaction: while
// an instruction is in flight the ledger keeps doing valuation bookkeeping
// but refuses to issue a second instruction until the result, a rejection,
// a cancellation, or a deadline expiry clears the flag.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/floorguard/cppi-engine/internal/catalog"
	"github.com/floorguard/cppi-engine/internal/cppi"
	"github.com/floorguard/cppi-engine/internal/metrics"
	"github.com/floorguard/cppi-engine/internal/model"
	"github.com/floorguard/cppi-engine/internal/store"
	"github.com/floorguard/cppi-engine/internal/trigger"
)

var (
	// ErrInvalidPrincipal is returned when opening with a non-positive principal.
	ErrInvalidPrincipal = errors.New("ledger: principal must be positive")

	// ErrInvalidFloor is returned when a custom floor is negative or above principal.
	ErrInvalidFloor = errors.New("ledger: custom floor must be between 0 and principal")

	// ErrInvalidValuation is returned for a negative mark-to-market value.
	ErrInvalidValuation = errors.New("ledger: valuation must be non-negative")

	// ErrInvalidTrigger is returned for an unknown trigger reason.
	ErrInvalidTrigger = errors.New("ledger: unknown trigger reason")

	// ErrRebalanceInFlight is returned when an instruction is already pending.
	ErrRebalanceInFlight = errors.New("ledger: rebalance already in flight")

	// ErrNoRebalanceInFlight is returned when a result or cancellation
	// arrives with nothing pending.
	ErrNoRebalanceInFlight = errors.New("ledger: no rebalance in flight")

	// ErrInstructionMismatch is returned when a result references an
	// instruction other than the pending one.
	ErrInstructionMismatch = errors.New("ledger: result does not match pending instruction")

	// ErrSlippageExceeded is returned when a fill's slippage is over the
	// instruction budget; the rebalance is rejected, not partially applied.
	ErrSlippageExceeded = errors.New("ledger: fill slippage exceeds instruction budget")

	// ErrInvalidResult is returned for a malformed fill (negative exposures).
	ErrInvalidResult = errors.New("ledger: malformed rebalance result")

	// ErrPositionClosed is returned for operations on a closed position.
	ErrPositionClosed = errors.New("ledger: position is closed")

	// ErrPositionHalted is returned for operations on a halted position.
	// Halted positions accept only Close and reads until manual review.
	ErrPositionHalted = errors.New("ledger: position halted pending manual review")

	// ErrInvariantViolation wraps programming-bug-class state corruption:
	// a decreased floor or an exposure sum mismatch. The position is halted,
	// never silently corrected.
	ErrInvariantViolation = errors.New("ledger: position invariant violated")
)

var one = decimal.NewFromInt(1)

// Ledger is the aggregate root for CPPI positions.
type Ledger struct {
	store   store.Store
	catalog *catalog.Catalog
	eval    *trigger.Evaluator

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-position serialization

	now func() time.Time
}

// New creates a ledger over the given store, strategy catalog, and trigger
// evaluator.
func New(st store.Store, cat *catalog.Catalog, eval *trigger.Evaluator) *Ledger {
	return &Ledger{
		store:   st,
		catalog: cat,
		eval:    eval,
		locks:   make(map[string]*sync.Mutex),
		now:     time.Now,
	}
}

// lockFor returns the mutex serializing events for one position.
func (l *Ledger) lockFor(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

// OpenParams are the caller-supplied inputs for opening a position.
type OpenParams struct {
	OwnerID       string
	StrategyID    string
	Principal     decimal.Decimal
	CustomFloor   *decimal.Decimal // nil → principal × strategy floor ratio
	AutoRebalance bool
	MaturityDate  *time.Time
}

// Open creates a new position with its initial allocation.
func (l *Ledger) Open(ctx context.Context, params OpenParams) (*model.Position, error) {
	strat, err := l.catalog.Get(params.StrategyID)
	if err != nil {
		return nil, err
	}
	alloc, err := l.catalog.Allocator(params.StrategyID)
	if err != nil {
		return nil, err
	}
	if params.Principal.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidPrincipal, params.Principal)
	}

	floor := params.Principal.Mul(strat.FloorRatio).Round(cppi.ValueScale)
	if params.CustomFloor != nil {
		cf := *params.CustomFloor
		if cf.IsNegative() || cf.GreaterThan(params.Principal) {
			return nil, fmt.Errorf("%w: got %s for principal %s", ErrInvalidFloor, cf, params.Principal)
		}
		floor = cf
	}

	now := l.now().UTC()
	safe, risky := alloc.Target(params.Principal, params.Principal, floor)

	pos := &model.Position{
		ID:              uuid.New().String(),
		OwnerID:         params.OwnerID,
		StrategyID:      params.StrategyID,
		Principal:       params.Principal,
		GuaranteedFloor: floor,
		CurrentValue:    params.Principal,
		SafeExposure:    safe,
		RiskyExposure:   risky,
		PeakValue:       params.Principal,
		MaxDrawdown:     decimal.Zero,
		AutoRebalance:   params.AutoRebalance,
		Status:          model.StatusOpen,
		MaturityDate:    params.MaturityDate,
		CreatedAt:       now,
		LastValuation:   params.Principal,
		LastValuationAt: now,
	}

	if err := l.store.CreatePosition(ctx, pos); err != nil {
		return nil, err
	}

	slog.Info("position opened",
		"position", pos.ID,
		"owner", pos.OwnerID,
		"strategy", pos.StrategyID,
		"principal", pos.Principal.String(),
		"floor", pos.GuaranteedFloor.String(),
		"risky", pos.RiskyExposure.String(),
	)
	return pos, nil
}

// Revalue applies a mark-to-market tick: it updates value, peak, drawdown
// and exposures, applies the floor ratchet, then asks the trigger whether a
// rebalance is due. It returns the instruction to hand to the executor, or
// nil when no action is due (including while a rebalance is in flight —
// bookkeeping still happens but no second instruction is issued).
func (l *Ledger) Revalue(ctx context.Context, positionID string, val model.Valuation, vol model.VolatilitySignal) (*model.RebalanceInstruction, error) {
	mu := l.lockFor(positionID)
	mu.Lock()
	defer mu.Unlock()

	pos, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	switch pos.Status {
	case model.StatusClosed:
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
	case model.StatusHalted:
		return nil, fmt.Errorf("%w: %s", ErrPositionHalted, positionID)
	}

	now := l.now().UTC()

	// Fail safe on suspect data: skip the whole tick.
	if err := l.eval.CheckFresh(val, now); err != nil {
		metrics.TicksTotal.WithLabelValues("stale").Inc()
		return nil, err
	}
	if val.Value.IsNegative() {
		metrics.TicksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: got %s", ErrInvalidValuation, val.Value)
	}

	// Idempotence: an identical (value, timestamp) pair is a no-op.
	if pos.LastValuation.Equal(val.Value) && pos.LastValuationAt.Equal(val.AsOf) {
		metrics.TicksTotal.WithLabelValues("duplicate").Inc()
		return nil, nil
	}

	strat, err := l.catalog.Get(pos.StrategyID)
	if err != nil {
		return nil, err
	}
	alloc, err := l.catalog.Allocator(pos.StrategyID)
	if err != nil {
		return nil, err
	}

	if err := l.applyValuation(pos, alloc, val); err != nil {
		// Invariant violations halt the position; persist the halt.
		l.halt(ctx, pos, err)
		return nil, err
	}

	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return nil, err
	}
	metrics.TicksTotal.WithLabelValues("applied").Inc()

	// At most one instruction in flight per position.
	if pos.RebalanceInFlight() {
		return nil, nil
	}

	if vol.Missing() {
		metrics.MissingVolSignals.Inc()
	}
	reason, ok := l.eval.Evaluate(pos, strat, alloc, vol, now)
	if !ok {
		return nil, nil
	}
	if pos.CurrentValue.LessThanOrEqual(pos.GuaranteedFloor) {
		metrics.FloorBreaches.Inc()
	}

	instr := l.issueInstruction(pos, strat, alloc, reason, now)
	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return nil, err
	}
	return instr, nil
}

// applyValuation performs the per-tick bookkeeping. Mark-to-market gains and
// losses accrue on the risky leg; the safe leg only changes through fills.
func (l *Ledger) applyValuation(pos *model.Position, alloc *cppi.Allocator, val model.Valuation) error {
	delta := val.Value.Sub(pos.CurrentValue)

	risky := pos.RiskyExposure.Add(delta)
	if risky.IsNegative() {
		risky = decimal.Zero
	}
	safe := val.Value.Sub(risky)
	if safe.IsNegative() {
		safe = decimal.Zero
		risky = val.Value
	}

	pos.CurrentValue = val.Value
	pos.SafeExposure = safe
	pos.RiskyExposure = risky
	pos.LastValuation = val.Value
	pos.LastValuationAt = val.AsOf

	if val.Value.GreaterThan(pos.PeakValue) {
		pos.PeakValue = val.Value
	}
	if pos.PeakValue.IsPositive() {
		dd := one.Sub(val.Value.Div(pos.PeakValue))
		if dd.GreaterThan(pos.MaxDrawdown) {
			pos.MaxDrawdown = dd
		}
	}

	// Ratchet before any allocation decision on this tick; the floor must
	// never decrease.
	newFloor := alloc.RatchetFloor(pos.Principal, pos.GuaranteedFloor, pos.PeakValue)
	if newFloor.LessThan(pos.GuaranteedFloor) {
		return fmt.Errorf("%w: floor decreased from %s to %s", ErrInvariantViolation, pos.GuaranteedFloor, newFloor)
	}
	pos.GuaranteedFloor = newFloor

	if err := cppi.CheckExposureSum(pos.SafeExposure, pos.RiskyExposure, pos.CurrentValue); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	return nil
}

// RequestRebalance issues an instruction outside the tick loop, e.g. a
// manual request from the owner. Manual requests bypass the trigger policy
// and the autopilot flag but still respect the at-most-one-in-flight rule.
func (l *Ledger) RequestRebalance(ctx context.Context, positionID string, reason model.TriggerReason) (*model.RebalanceInstruction, error) {
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTrigger, reason)
	}

	mu := l.lockFor(positionID)
	mu.Lock()
	defer mu.Unlock()

	pos, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	switch pos.Status {
	case model.StatusClosed:
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
	case model.StatusHalted:
		return nil, fmt.Errorf("%w: %s", ErrPositionHalted, positionID)
	}
	if pos.RebalanceInFlight() {
		return nil, fmt.Errorf("%w: instruction %s pending since %s",
			ErrRebalanceInFlight, pos.Pending.ID, pos.Pending.IssuedAt.Format(time.RFC3339))
	}

	strat, err := l.catalog.Get(pos.StrategyID)
	if err != nil {
		return nil, err
	}
	alloc, err := l.catalog.Allocator(pos.StrategyID)
	if err != nil {
		return nil, err
	}

	instr := l.issueInstruction(pos, strat, alloc, reason, l.now().UTC())
	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return nil, err
	}
	return instr, nil
}

// issueInstruction computes the target split and marks the position
// in-flight. Callers hold the position lock and persist afterwards.
func (l *Ledger) issueInstruction(pos *model.Position, strat model.Strategy, alloc *cppi.Allocator, reason model.TriggerReason, now time.Time) *model.RebalanceInstruction {
	targetSafe, targetRisky := alloc.Target(pos.Principal, pos.CurrentValue, pos.GuaranteedFloor)

	instr := &model.RebalanceInstruction{
		ID:             uuid.New().String(),
		PositionID:     pos.ID,
		Reason:         reason,
		TargetSafe:     targetSafe,
		TargetRisky:    targetRisky,
		MaxSlippageBps: strat.MaxSlippageBps,
		IssuedAt:       now,
	}
	pos.Pending = instr
	metrics.RebalancesTotal.WithLabelValues(string(reason)).Inc()

	slog.Info("rebalance instruction issued",
		"position", pos.ID,
		"instruction", instr.ID,
		"reason", reason,
		"target_safe", targetSafe.String(),
		"target_risky", targetRisky.String(),
		"max_slippage_bps", instr.MaxSlippageBps,
	)
	return instr
}

// ApplyRebalanceResult applies the executor's fill report for the pending
// instruction. A fill over the slippage budget is rejected whole: exposures
// stay unchanged and no event is recorded, but the in-flight flag clears so
// the next tick can retry.
func (l *Ledger) ApplyRebalanceResult(ctx context.Context, res model.RebalanceResult) (*model.RebalanceEvent, error) {
	mu := l.lockFor(res.PositionID)
	mu.Lock()
	defer mu.Unlock()

	pos, err := l.store.GetPosition(ctx, res.PositionID)
	if err != nil {
		return nil, err
	}
	if pos.Pending == nil {
		return nil, fmt.Errorf("%w: position %s", ErrNoRebalanceInFlight, res.PositionID)
	}
	if res.InstructionID != "" && res.InstructionID != pos.Pending.ID {
		return nil, fmt.Errorf("%w: got %s, pending %s", ErrInstructionMismatch, res.InstructionID, pos.Pending.ID)
	}
	if res.AchievedSafe.IsNegative() || res.AchievedRisky.IsNegative() {
		return nil, fmt.Errorf("%w: safe=%s risky=%s", ErrInvalidResult, res.AchievedSafe, res.AchievedRisky)
	}

	instr := pos.Pending
	now := l.now().UTC()

	if res.SlippageBps > instr.MaxSlippageBps {
		pos.Pending = nil
		pos.RejectedCount++
		if err := l.store.UpdatePosition(ctx, pos); err != nil {
			return nil, err
		}
		metrics.RebalanceResults.WithLabelValues("slippage_rejected").Inc()
		slog.Warn("rebalance rejected",
			"position", pos.ID,
			"instruction", instr.ID,
			"slippage_bps", res.SlippageBps,
			"budget_bps", instr.MaxSlippageBps,
		)
		return nil, fmt.Errorf("%w: %d bps over budget %d bps", ErrSlippageExceeded, res.SlippageBps, instr.MaxSlippageBps)
	}

	event := &model.RebalanceEvent{
		ID:          uuid.New().String(),
		PositionID:  pos.ID,
		Trigger:     instr.Reason,
		BeforeSafe:  pos.SafeExposure,
		AfterSafe:   res.AchievedSafe,
		BeforeRisky: pos.RiskyExposure,
		AfterRisky:  res.AchievedRisky,
		SlippageBps: res.SlippageBps,
		CostPaid:    res.CostPaid,
		Timestamp:   now,
	}

	newValue := res.AchievedSafe.Add(res.AchievedRisky)
	pos.SafeExposure = res.AchievedSafe
	pos.RiskyExposure = res.AchievedRisky
	pos.CurrentValue = newValue
	pos.RebalanceCount++
	pos.LastRebalancedAt = now
	pos.Pending = nil

	if err := cppi.CheckExposureSum(pos.SafeExposure, pos.RiskyExposure, pos.CurrentValue); err != nil {
		violation := fmt.Errorf("%w: %v", ErrInvariantViolation, err)
		l.halt(ctx, pos, violation)
		return nil, violation
	}

	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := l.store.AppendRebalanceEvent(ctx, event); err != nil {
		return nil, err
	}
	metrics.RebalanceResults.WithLabelValues("applied").Inc()

	slog.Info("rebalance applied",
		"position", pos.ID,
		"instruction", instr.ID,
		"seq", event.Seq,
		"after_safe", event.AfterSafe.String(),
		"after_risky", event.AfterRisky.String(),
		"slippage_bps", event.SlippageBps,
	)
	return event, nil
}

// CancelRebalance clears the in-flight flag without recording an event,
// e.g. on executor timeout. The target allocation is recomputed on the
// next tick.
func (l *Ledger) CancelRebalance(ctx context.Context, positionID string) error {
	mu := l.lockFor(positionID)
	mu.Lock()
	defer mu.Unlock()

	pos, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return err
	}
	if pos.Pending == nil {
		return fmt.Errorf("%w: position %s", ErrNoRebalanceInFlight, positionID)
	}

	instr := pos.Pending
	pos.Pending = nil
	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return err
	}
	metrics.RebalanceResults.WithLabelValues("cancelled").Inc()
	slog.Info("rebalance cancelled", "position", positionID, "instruction", instr.ID)
	return nil
}

// ExpireInflight clears instructions older than the deadline so a lost
// executor never stalls a position (fail-open: retry on the next tick).
// Returns the number of instructions expired.
func (l *Ledger) ExpireInflight(ctx context.Context, deadline time.Duration) (int, error) {
	positions, err := l.store.ListActivePositions(ctx)
	if err != nil {
		return 0, err
	}

	now := l.now().UTC()
	expired := 0
	for i := range positions {
		p := &positions[i]
		if p.Pending == nil || now.Sub(p.Pending.IssuedAt) < deadline {
			continue
		}

		mu := l.lockFor(p.ID)
		mu.Lock()
		fresh, err := l.store.GetPosition(ctx, p.ID)
		if err == nil && fresh.Pending != nil && now.Sub(fresh.Pending.IssuedAt) >= deadline {
			instr := fresh.Pending
			fresh.Pending = nil
			if err := l.store.UpdatePosition(ctx, fresh); err == nil {
				expired++
				metrics.RebalanceResults.WithLabelValues("expired").Inc()
				slog.Warn("rebalance instruction expired",
					"position", fresh.ID,
					"instruction", instr.ID,
					"issued_at", instr.IssuedAt.Format(time.RFC3339),
				)
			}
		}
		mu.Unlock()
	}
	return expired, nil
}

// ToggleAutoRebalance flips the autopilot flag. Floor protection stays
// active either way.
func (l *Ledger) ToggleAutoRebalance(ctx context.Context, positionID string, enabled bool) (*model.Position, error) {
	mu := l.lockFor(positionID)
	mu.Lock()
	defer mu.Unlock()

	pos, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	switch pos.Status {
	case model.StatusClosed:
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
	case model.StatusHalted:
		return nil, fmt.Errorf("%w: %s", ErrPositionHalted, positionID)
	}

	pos.AutoRebalance = enabled
	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return nil, err
	}
	slog.Info("autopilot toggled", "position", positionID, "enabled", enabled)
	return pos, nil
}

// Close settles a position and removes it from the active set. Closing is
// allowed on halted positions — it is the manual-review escape hatch.
func (l *Ledger) Close(ctx context.Context, positionID string) (*model.FinalSettlement, error) {
	mu := l.lockFor(positionID)
	mu.Lock()
	defer mu.Unlock()

	pos, err := l.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.Status == model.StatusClosed {
		return nil, fmt.Errorf("%w: %s", ErrPositionClosed, positionID)
	}

	now := l.now().UTC()
	totalReturn := decimal.Zero
	if pos.Principal.IsPositive() {
		totalReturn = pos.CurrentValue.Sub(pos.Principal).Div(pos.Principal).Round(cppi.ValueScale)
	}

	pos.Status = model.StatusClosed
	pos.Pending = nil
	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		return nil, err
	}

	settlement := &model.FinalSettlement{
		PositionID:     pos.ID,
		Principal:      pos.Principal,
		FinalValue:     pos.CurrentValue,
		TotalReturn:    totalReturn,
		RebalanceCount: pos.RebalanceCount,
		ClosedAt:       now,
	}
	slog.Info("position closed",
		"position", pos.ID,
		"final_value", pos.CurrentValue.String(),
		"total_return", totalReturn.String(),
	)
	return settlement, nil
}

// halt marks a position for manual review after an invariant violation and
// disables autopilot. The violation is logged, never swallowed.
func (l *Ledger) halt(ctx context.Context, pos *model.Position, cause error) {
	pos.Status = model.StatusHalted
	pos.AutoRebalance = false
	pos.Pending = nil
	if err := l.store.UpdatePosition(ctx, pos); err != nil {
		slog.Error("failed to persist halt", "position", pos.ID, "err", err)
	}
	metrics.HaltedPositions.Inc()
	slog.Error("position halted",
		"position", pos.ID,
		"cause", cause,
		"value", pos.CurrentValue.String(),
		"floor", pos.GuaranteedFloor.String(),
	)
}

// --- Read surface ---

// Get returns one position.
func (l *Ledger) Get(ctx context.Context, positionID string) (*model.Position, error) {
	return l.store.GetPosition(ctx, positionID)
}

// History returns the append-only rebalance history in sequence order.
func (l *Ledger) History(ctx context.Context, positionID string) ([]model.RebalanceEvent, error) {
	return l.store.GetRebalanceEvents(ctx, positionID)
}

// OwnerPositions returns all positions for an owner.
func (l *Ledger) OwnerPositions(ctx context.Context, ownerID string) ([]model.Position, error) {
	return l.store.ListPositionsByOwner(ctx, ownerID)
}

// ActivePositions returns all non-closed positions.
func (l *Ledger) ActivePositions(ctx context.Context) ([]model.Position, error) {
	return l.store.ListActivePositions(ctx)
}

// Pool folds all active positions into the pool-level read model.
func (l *Ledger) Pool(ctx context.Context) (model.PoolStats, error) {
	positions, err := l.store.ListActivePositions(ctx)
	if err != nil {
		return model.PoolStats{}, err
	}

	stats := model.PoolStats{
		TotalAUM:       decimal.Zero,
		TotalPrincipal: decimal.Zero,
		AvgMultiplier:  decimal.Zero,
		SuccessRate:    decimal.Zero,
	}
	multiplierSum := decimal.Zero
	var applied, rejected uint64

	for _, p := range positions {
		if p.Status == model.StatusHalted {
			stats.HaltedPositions++
		} else {
			stats.OpenPositions++
		}
		stats.TotalAUM = stats.TotalAUM.Add(p.CurrentValue)
		stats.TotalPrincipal = stats.TotalPrincipal.Add(p.Principal)
		applied += p.RebalanceCount
		rejected += p.RejectedCount

		if strat, err := l.catalog.Get(p.StrategyID); err == nil {
			multiplierSum = multiplierSum.Add(strat.Multiplier)
		}
	}

	if n := len(positions); n > 0 {
		stats.AvgMultiplier = multiplierSum.Div(decimal.NewFromInt(int64(n))).Round(4)
	}
	if total := applied + rejected; total > 0 {
		stats.SuccessRate = decimal.NewFromInt(int64(applied)).
			Div(decimal.NewFromInt(int64(total))).Round(4)
	}

	metrics.OpenPositions.Set(float64(stats.OpenPositions + stats.HaltedPositions))
	aum, _ := stats.TotalAUM.Float64()
	metrics.TotalAUM.Set(aum)
	return stats, nil
}
