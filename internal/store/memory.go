package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sentinel/risk-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	trades   []model.Trade
	tradeIDs map[string]struct{}
	breaches map[string]*model.Breach
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tradeIDs: make(map[string]struct{}),
		breaches: make(map[string]*model.Breach),
	}
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tradeIDs[t.ID]; ok {
		return fmt.Errorf("%w: trade %s", ErrDuplicate, t.ID)
	}
	s.tradeIDs[t.ID] = struct{}{}
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Trade, len(s.trades))
	copy(out, s.trades)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) InsertBreach(_ context.Context, b *model.Breach) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.breaches[b.ID]; ok {
		return fmt.Errorf("%w: breach %s", ErrDuplicate, b.ID)
	}
	// Store a copy to avoid external mutation.
	cp := *b
	s.breaches[b.ID] = &cp
	return nil
}

func (s *MemoryStore) GetBreach(_ context.Context, id string) (*model.Breach, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.breaches[id]
	if !ok {
		return nil, fmt.Errorf("%w: breach %s", ErrNotFound, id)
	}
	cp := *b
	return &cp, nil
}

func (s *MemoryStore) ListBreaches(_ context.Context, status model.BreachStatus) ([]model.Breach, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Breach, 0, len(s.breaches))
	for _, b := range s.breaches {
		if status == "" || b.Status == status {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.After(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateBreachStatus(_ context.Context, id string, from, to model.BreachStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breaches[id]
	if !ok {
		return fmt.Errorf("%w: breach %s", ErrNotFound, id)
	}
	if b.Status != from {
		return fmt.Errorf("%w: breach %s is %s", ErrStatusConflict, id, b.Status)
	}
	b.Status = to
	return nil
}
