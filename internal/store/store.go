// Package store defines the persistence interface for the CPPI engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/floorguard/cppi-engine/internal/model"
)

// ErrPositionNotFound is returned when a position ID is unknown.
var ErrPositionNotFound = errors.New("store: position not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Positions are mutated only by
// the ledger; rebalance events are append-only.
type Store interface {
	// --- Strategy table ---

	// UpsertStrategy persists a strategy template (idempotent).
	UpsertStrategy(ctx context.Context, s model.Strategy) error

	// ListStrategies returns every persisted strategy template. Used to
	// rehydrate the catalog at startup so positions opened against custom
	// strategies survive a restart.
	ListStrategies(ctx context.Context) ([]model.Strategy, error)

	// --- Position aggregate ---

	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by ID.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// UpdatePosition persists the full mutable state of a position,
	// including any pending rebalance instruction.
	UpdatePosition(ctx context.Context, p *model.Position) error

	// ListActivePositions returns all non-closed positions.
	ListActivePositions(ctx context.Context) ([]model.Position, error)

	// ListPositionsByOwner returns all positions for an owner, any status.
	ListPositionsByOwner(ctx context.Context, ownerID string) ([]model.Position, error)

	// --- Append-only rebalance history ---

	// AppendRebalanceEvent assigns the next per-position sequence number
	// and appends an immutable rebalance record.
	AppendRebalanceEvent(ctx context.Context, e *model.RebalanceEvent) error

	// GetRebalanceEvents returns a position's history in sequence order.
	GetRebalanceEvents(ctx context.Context, positionID string) ([]model.RebalanceEvent, error)
}
