// Package catalog holds the CPPI strategy templates. Templates are immutable
// once registered, but registration itself may happen at runtime (custom
// strategies arrive over the API), so the catalog is guarded by a RWMutex.
package catalog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/floorguard/cppi-engine/internal/cppi"
	"github.com/floorguard/cppi-engine/internal/model"
)

var (
	// ErrUnknownStrategy is returned when a strategy ID is not registered.
	ErrUnknownStrategy = errors.New("catalog: unknown strategy")

	// ErrDuplicateStrategy is returned when registering an ID twice.
	ErrDuplicateStrategy = errors.New("catalog: strategy already registered")
)

// Catalog maps strategy IDs to templates and their validated allocators.
type Catalog struct {
	mu         sync.RWMutex
	strategies map[string]model.Strategy
	allocators map[string]*cppi.Allocator
	order      []string
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		strategies: make(map[string]model.Strategy),
		allocators: make(map[string]*cppi.Allocator),
	}
}

// Register validates a strategy's CPPI parameters and adds it. Safe to call
// while other goroutines read the catalog.
func (c *Catalog) Register(s model.Strategy) error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownStrategy)
	}
	alloc, err := cppi.NewAllocator(s.Multiplier, s.FloorRatio, s.Cap, s.RebalanceThreshold, s.RatchetEnabled)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.strategies[s.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, s.ID)
	}
	c.strategies[s.ID] = s
	c.allocators[s.ID] = alloc
	c.order = append(c.order, s.ID)
	return nil
}

// Get returns the strategy template for an ID.
func (c *Catalog) Get(id string) (model.Strategy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.strategies[id]
	if !ok {
		return model.Strategy{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return s, nil
}

// Allocator returns the validated allocator for a strategy ID.
func (c *Catalog) Allocator(id string) (*cppi.Allocator, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.allocators[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return a, nil
}

// List returns all strategies in registration order.
func (c *Catalog) List() []model.Strategy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Strategy, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.strategies[id])
	}
	return out
}

func nullCap(f float64) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: decimal.NewFromFloat(f), Valid: true}
}

// Default returns a catalog seeded with the built-in strategy templates.
func Default() *Catalog {
	c := New()
	builtins := []model.Strategy{
		{
			ID:                 "defensive-v1",
			Name:               "Defensive",
			Multiplier:         decimal.NewFromInt(2),
			FloorRatio:         decimal.NewFromFloat(0.90),
			RebalanceThreshold: decimal.NewFromFloat(0.03),
			RebalanceInterval:  7 * 24 * time.Hour,
			MaxSlippageBps:     30,
		},
		{
			ID:                 "balanced-v1",
			Name:               "Balanced",
			Multiplier:         decimal.NewFromInt(3),
			FloorRatio:         decimal.NewFromFloat(0.80),
			RebalanceThreshold: decimal.NewFromFloat(0.05),
			RebalanceInterval:  24 * time.Hour,
			MaxSlippageBps:     50,
		},
		{
			ID:                 "growth-v1",
			Name:               "Growth",
			Multiplier:         decimal.NewFromInt(4),
			FloorRatio:         decimal.NewFromFloat(0.70),
			Cap:                nullCap(3),
			RebalanceThreshold: decimal.NewFromFloat(0.05),
			MaxSlippageBps:     75,
		},
		{
			ID:                 "ratchet-v1",
			Name:               "Balanced Ratchet",
			Multiplier:         decimal.NewFromInt(3),
			FloorRatio:         decimal.NewFromFloat(0.80),
			RebalanceThreshold: decimal.NewFromFloat(0.05),
			RatchetEnabled:     true,
			RebalanceInterval:  24 * time.Hour,
			MaxSlippageBps:     50,
		},
	}
	for _, s := range builtins {
		if err := c.Register(s); err != nil {
			// Built-ins are compile-time constants; a failure here is a bug.
			panic(err)
		}
	}
	return c
}
