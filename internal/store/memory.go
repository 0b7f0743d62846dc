package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/floorguard/cppi-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	strategies map[string]model.Strategy
	positions  map[string]*model.Position
	events     map[string][]model.RebalanceEvent // positionID → history
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strategies: make(map[string]model.Strategy),
		positions:  make(map[string]*model.Position),
		events:     make(map[string][]model.RebalanceEvent),
	}
}

func (s *MemoryStore) UpsertStrategy(_ context.Context, strat model.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strategies[strat.ID] = strat
	return nil
}

func (s *MemoryStore) ListStrategies(_ context.Context) ([]model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Strategy, 0, len(s.strategies))
	for _, strat := range s.strategies {
		out = append(out, strat)
	}
	return out, nil
}

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.positions[p.ID]; exists {
		return fmt.Errorf("position %s already exists", p.ID)
	}
	s.positions[p.ID] = copyPosition(p)
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return copyPosition(p), nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, p.ID)
	}
	s.positions[p.ID] = copyPosition(p)
	return nil
}

func (s *MemoryStore) ListActivePositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Status == model.StatusClosed {
			continue
		}
		out = append(out, *copyPosition(p))
	}
	return out, nil
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, ownerID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.OwnerID == ownerID {
			out = append(out, *copyPosition(p))
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendRebalanceEvent(_ context.Context, e *model.RebalanceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.Seq = uint64(len(s.events[e.PositionID])) + 1
	s.events[e.PositionID] = append(s.events[e.PositionID], *e)
	return nil
}

func (s *MemoryStore) GetRebalanceEvents(_ context.Context, positionID string) ([]model.RebalanceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.events[positionID]
	out := make([]model.RebalanceEvent, len(history))
	copy(out, history)
	return out, nil
}

// copyPosition deep-copies a position so callers cannot mutate stored state.
func copyPosition(p *model.Position) *model.Position {
	cp := *p
	if p.Pending != nil {
		pending := *p.Pending
		cp.Pending = &pending
	}
	if p.MaturityDate != nil {
		m := *p.MaturityDate
		cp.MaturityDate = &m
	}
	return &cp
}
