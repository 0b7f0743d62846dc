package autopilot_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/floorguard/cppi-engine/internal/autopilot"
	"github.com/floorguard/cppi-engine/internal/catalog"
	"github.com/floorguard/cppi-engine/internal/ledger"
	"github.com/floorguard/cppi-engine/internal/model"
	"github.com/floorguard/cppi-engine/internal/store"
	"github.com/floorguard/cppi-engine/internal/trigger"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// feed is a ValuationSource backed by a map.
type feed struct {
	values map[string]decimal.Decimal
	errs   map[string]error
}

func (f *feed) Valuation(_ context.Context, positionID string) (model.Valuation, error) {
	if err, ok := f.errs[positionID]; ok {
		return model.Valuation{}, err
	}
	v, ok := f.values[positionID]
	if !ok {
		return model.Valuation{}, errors.New("no value")
	}
	return model.Valuation{PositionID: positionID, Value: v, AsOf: time.Now().UTC()}, nil
}

type calmVol struct{}

func (calmVol) Signal(_ context.Context) (model.VolatilitySignal, error) {
	return model.VolatilitySignal{Sigma: d(0.1), Regime: model.RegimeNormal, AsOf: time.Now().UTC()}, nil
}

// captureExecutor records instructions; fails when failing is set.
type captureExecutor struct {
	instructions []model.RebalanceInstruction
	failing      bool
}

func (e *captureExecutor) Execute(_ context.Context, instr model.RebalanceInstruction) error {
	if e.failing {
		return errors.New("venue unavailable")
	}
	e.instructions = append(e.instructions, instr)
	return nil
}

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.New(store.NewMemoryStore(), catalog.Default(), trigger.New(d(0.35), time.Minute))
}

func open(t *testing.T, led *ledger.Ledger, maturity *time.Time) *model.Position {
	t.Helper()
	pos, err := led.Open(context.Background(), ledger.OpenParams{
		OwnerID:       "owner-1",
		StrategyID:    "balanced-v1",
		Principal:     d(10000),
		AutoRebalance: true,
		MaturityDate:  maturity,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return pos
}

func TestRunTick_DispatchesInstruction(t *testing.T) {
	led := newTestLedger(t)
	pos := open(t, led, nil)

	exec := &captureExecutor{}
	ap := autopilot.New(led, &feed{values: map[string]decimal.Decimal{pos.ID: d(8200)}},
		calmVol{}, exec, time.Second, time.Minute)

	ap.RunTick(context.Background())

	if len(exec.instructions) != 1 {
		t.Fatalf("dispatched %d instructions, want 1", len(exec.instructions))
	}
	if exec.instructions[0].Reason != model.TriggerDrift {
		t.Errorf("reason = %s, want DRIFT", exec.instructions[0].Reason)
	}
}

func TestRunTick_NoInstructionWithinThreshold(t *testing.T) {
	led := newTestLedger(t)
	pos := open(t, led, nil)

	exec := &captureExecutor{}
	ap := autopilot.New(led, &feed{values: map[string]decimal.Decimal{pos.ID: d(10050)}},
		calmVol{}, exec, time.Second, time.Minute)

	ap.RunTick(context.Background())

	if len(exec.instructions) != 0 {
		t.Fatalf("dispatched %d instructions, want 0", len(exec.instructions))
	}
	got, _ := led.Get(context.Background(), pos.ID)
	if !got.CurrentValue.Equal(d(10050)) {
		t.Errorf("value = %s, want 10050", got.CurrentValue)
	}
}

func TestRunTick_FeedErrorSkipsPosition(t *testing.T) {
	led := newTestLedger(t)
	broken := open(t, led, nil)
	healthy := open(t, led, nil)

	exec := &captureExecutor{}
	ap := autopilot.New(led, &feed{
		values: map[string]decimal.Decimal{healthy.ID: d(8200)},
		errs:   map[string]error{broken.ID: errors.New("feed down")},
	}, calmVol{}, exec, time.Second, time.Minute)

	ap.RunTick(context.Background())

	if len(exec.instructions) != 1 {
		t.Fatalf("dispatched %d instructions, want 1", len(exec.instructions))
	}
	if exec.instructions[0].PositionID != healthy.ID {
		t.Errorf("instruction for %s, want %s", exec.instructions[0].PositionID, healthy.ID)
	}
}

func TestRunTick_ExecutorFailureFailsOpen(t *testing.T) {
	led := newTestLedger(t)
	pos := open(t, led, nil)

	exec := &captureExecutor{failing: true}
	ap := autopilot.New(led, &feed{values: map[string]decimal.Decimal{pos.ID: d(8200)}},
		calmVol{}, exec, time.Second, time.Minute)

	ap.RunTick(context.Background())

	got, _ := led.Get(context.Background(), pos.ID)
	if got.RebalanceInFlight() {
		t.Fatal("executor failure must clear the in-flight flag")
	}
}

func TestRunTick_LoopbackExecutorCompletesRebalance(t *testing.T) {
	led := newTestLedger(t)
	pos := open(t, led, nil)

	ap := autopilot.New(led, &feed{values: map[string]decimal.Decimal{pos.ID: d(8200)}},
		calmVol{}, &autopilot.LoopbackExecutor{Ledger: led}, time.Second, time.Minute)

	ap.RunTick(context.Background())

	got, _ := led.Get(context.Background(), pos.ID)
	if got.RebalanceCount != 1 {
		t.Fatalf("rebalance count = %d, want 1", got.RebalanceCount)
	}
	if got.RebalanceInFlight() {
		t.Fatal("loopback fill must clear the in-flight flag")
	}
	// cushion 200 → risky 600
	if !got.RiskyExposure.Equal(d(600)) {
		t.Errorf("risky = %s, want 600", got.RiskyExposure)
	}
}

func TestRunMaturity_ClosesMaturedPositions(t *testing.T) {
	led := newTestLedger(t)
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	matured := open(t, led, &past)
	running := open(t, led, &future)
	perpetual := open(t, led, nil)

	ap := autopilot.New(led, &feed{}, calmVol{}, &captureExecutor{}, time.Second, time.Minute)
	ap.RunMaturity(context.Background())

	got, _ := led.Get(context.Background(), matured.ID)
	if got.Status != model.StatusClosed {
		t.Errorf("matured position status = %s, want closed", got.Status)
	}
	for _, id := range []string{running.ID, perpetual.ID} {
		got, _ := led.Get(context.Background(), id)
		if got.Status != model.StatusOpen {
			t.Errorf("position %s status = %s, want open", id, got.Status)
		}
	}
}

func TestRegister_InvalidSpec(t *testing.T) {
	led := newTestLedger(t)
	ap := autopilot.New(led, &feed{}, calmVol{}, &captureExecutor{}, time.Second, time.Minute)

	if err := ap.Register("not a cron spec", "0 0 * * * *"); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
	if err := ap.Register("*/5 * * * * *", "0 0 0 * * *"); err != nil {
		t.Fatalf("valid specs rejected: %v", err)
	}
}
