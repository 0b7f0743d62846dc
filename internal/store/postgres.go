package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/floorguard/cppi-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision;
// the pending instruction travels as JSONB. The rebalance_events table is
// append-only with a per-position sequence number.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertStrategy(ctx context.Context, strat model.Strategy) error {
	var capStr *string
	if strat.Cap.Valid {
		v := strat.Cap.Decimal.String()
		capStr = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO strategies (id, name, multiplier, floor_ratio, cap, rebalance_threshold,
		                         ratchet_enabled, rebalance_interval_ns, max_slippage_bps)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   multiplier = EXCLUDED.multiplier,
		   floor_ratio = EXCLUDED.floor_ratio,
		   cap = EXCLUDED.cap,
		   rebalance_threshold = EXCLUDED.rebalance_threshold,
		   ratchet_enabled = EXCLUDED.ratchet_enabled,
		   rebalance_interval_ns = EXCLUDED.rebalance_interval_ns,
		   max_slippage_bps = EXCLUDED.max_slippage_bps`,
		strat.ID, strat.Name, strat.Multiplier.String(), strat.FloorRatio.String(),
		capStr, strat.RebalanceThreshold.String(),
		strat.RatchetEnabled, int64(strat.RebalanceInterval), strat.MaxSlippageBps,
	)
	return err
}

func (s *PostgresStore) ListStrategies(ctx context.Context) ([]model.Strategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, multiplier::TEXT, floor_ratio::TEXT, cap::TEXT,
		        rebalance_threshold::TEXT, ratchet_enabled, rebalance_interval_ns, max_slippage_bps
		 FROM strategies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var strategies []model.Strategy
	for rows.Next() {
		var strat model.Strategy
		var multiplier, floorRatio, threshold string
		var capStr *string
		var intervalNs int64
		if err := rows.Scan(&strat.ID, &strat.Name, &multiplier, &floorRatio, &capStr,
			&threshold, &strat.RatchetEnabled, &intervalNs, &strat.MaxSlippageBps); err != nil {
			return nil, err
		}
		strat.Multiplier, _ = decimal.NewFromString(multiplier)
		strat.FloorRatio, _ = decimal.NewFromString(floorRatio)
		strat.RebalanceThreshold, _ = decimal.NewFromString(threshold)
		if capStr != nil {
			c, _ := decimal.NewFromString(*capStr)
			strat.Cap = decimal.NullDecimal{Decimal: c, Valid: true}
		}
		strat.RebalanceInterval = time.Duration(intervalNs)
		strategies = append(strategies, strat)
	}
	return strategies, rows.Err()
}

const positionColumns = `id, owner_id, strategy_id,
	principal::TEXT, guaranteed_floor::TEXT, current_value::TEXT,
	safe_exposure::TEXT, risky_exposure::TEXT, peak_value::TEXT, max_drawdown::TEXT,
	rebalance_count, rejected_count, auto_rebalance, status, maturity_date,
	created_at, last_rebalanced_at, last_valuation::TEXT, last_valuation_at, pending`

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	pending, err := marshalPending(p.Pending)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO positions (id, owner_id, strategy_id,
		   principal, guaranteed_floor, current_value,
		   safe_exposure, risky_exposure, peak_value, max_drawdown,
		   rebalance_count, rejected_count, auto_rebalance, status, maturity_date,
		   created_at, last_rebalanced_at, last_valuation, last_valuation_at, pending)
		 VALUES ($1, $2, $3,
		   $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		   $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		   $11, $12, $13, $14, $15,
		   $16, $17, $18::NUMERIC, $19, $20)`,
		p.ID, p.OwnerID, p.StrategyID,
		p.Principal.String(), p.GuaranteedFloor.String(), p.CurrentValue.String(),
		p.SafeExposure.String(), p.RiskyExposure.String(), p.PeakValue.String(), p.MaxDrawdown.String(),
		p.RebalanceCount, p.RejectedCount, p.AutoRebalance, p.Status, p.MaturityDate,
		p.CreatedAt, p.LastRebalancedAt, p.LastValuation.String(), p.LastValuationAt, pending,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
		}
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	pending, err := marshalPending(p.Pending)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET
		   guaranteed_floor = $2::NUMERIC, current_value = $3::NUMERIC,
		   safe_exposure = $4::NUMERIC, risky_exposure = $5::NUMERIC,
		   peak_value = $6::NUMERIC, max_drawdown = $7::NUMERIC,
		   rebalance_count = $8, rejected_count = $9, auto_rebalance = $10,
		   status = $11, last_rebalanced_at = $12,
		   last_valuation = $13::NUMERIC, last_valuation_at = $14, pending = $15
		 WHERE id = $1`,
		p.ID,
		p.GuaranteedFloor.String(), p.CurrentValue.String(),
		p.SafeExposure.String(), p.RiskyExposure.String(),
		p.PeakValue.String(), p.MaxDrawdown.String(),
		p.RebalanceCount, p.RejectedCount, p.AutoRebalance,
		p.Status, p.LastRebalancedAt,
		p.LastValuation.String(), p.LastValuationAt, pending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, p.ID)
	}
	return nil
}

func (s *PostgresStore) ListActivePositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status <> 'closed' ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, ownerID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) AppendRebalanceEvent(ctx context.Context, e *model.RebalanceEvent) error {
	// The per-position sequence is assigned inside the insert so concurrent
	// appends for different positions never contend.
	return s.pool.QueryRow(ctx,
		`INSERT INTO rebalance_events (id, position_id, seq, trigger, before_safe, after_safe,
		   before_risky, after_risky, slippage_bps, cost_paid, timestamp)
		 VALUES ($1, $2,
		   (SELECT COALESCE(MAX(seq), 0) + 1 FROM rebalance_events WHERE position_id = $2),
		   $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10)
		 RETURNING seq`,
		e.ID, e.PositionID, string(e.Trigger),
		e.BeforeSafe.String(), e.AfterSafe.String(),
		e.BeforeRisky.String(), e.AfterRisky.String(),
		e.SlippageBps, e.CostPaid.String(), e.Timestamp,
	).Scan(&e.Seq)
}

func (s *PostgresStore) GetRebalanceEvents(ctx context.Context, positionID string) ([]model.RebalanceEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, seq, trigger,
		        before_safe::TEXT, after_safe::TEXT, before_risky::TEXT, after_risky::TEXT,
		        slippage_bps, cost_paid::TEXT, timestamp
		 FROM rebalance_events WHERE position_id = $1 ORDER BY seq`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.RebalanceEvent
	for rows.Next() {
		var e model.RebalanceEvent
		var trig, beforeSafe, afterSafe, beforeRisky, afterRisky, cost string
		if err := rows.Scan(&e.ID, &e.PositionID, &e.Seq, &trig,
			&beforeSafe, &afterSafe, &beforeRisky, &afterRisky,
			&e.SlippageBps, &cost, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Trigger = model.TriggerReason(trig)
		e.BeforeSafe, _ = decimal.NewFromString(beforeSafe)
		e.AfterSafe, _ = decimal.NewFromString(afterSafe)
		e.BeforeRisky, _ = decimal.NewFromString(beforeRisky)
		e.AfterRisky, _ = decimal.NewFromString(afterRisky)
		e.CostPaid, _ = decimal.NewFromString(cost)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var principal, floor, value, safe, risky, peak, drawdown, lastVal string
	var maturity *time.Time
	var pending []byte

	if err := row.Scan(&p.ID, &p.OwnerID, &p.StrategyID,
		&principal, &floor, &value,
		&safe, &risky, &peak, &drawdown,
		&p.RebalanceCount, &p.RejectedCount, &p.AutoRebalance, &p.Status, &maturity,
		&p.CreatedAt, &p.LastRebalancedAt, &lastVal, &p.LastValuationAt, &pending); err != nil {
		return nil, err
	}

	p.Principal, _ = decimal.NewFromString(principal)
	p.GuaranteedFloor, _ = decimal.NewFromString(floor)
	p.CurrentValue, _ = decimal.NewFromString(value)
	p.SafeExposure, _ = decimal.NewFromString(safe)
	p.RiskyExposure, _ = decimal.NewFromString(risky)
	p.PeakValue, _ = decimal.NewFromString(peak)
	p.MaxDrawdown, _ = decimal.NewFromString(drawdown)
	p.LastValuation, _ = decimal.NewFromString(lastVal)
	p.MaturityDate = maturity

	if len(pending) > 0 {
		var instr model.RebalanceInstruction
		if err := json.Unmarshal(pending, &instr); err != nil {
			return nil, fmt.Errorf("decode pending instruction: %w", err)
		}
		p.Pending = &instr
	}
	return &p, nil
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func marshalPending(instr *model.RebalanceInstruction) ([]byte, error) {
	if instr == nil {
		return nil, nil
	}
	data, err := json.Marshal(instr)
	if err != nil {
		return nil, fmt.Errorf("encode pending instruction: %w", err)
	}
	return data, nil
}
