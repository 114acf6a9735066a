package book

import "github.com/sentinel/risk-engine/internal/model"

// PositionStore holds the signed net quantity per (trader, symbol).
// A position is created implicitly by its first delta and only disappears on
// Clear.
type PositionStore struct {
	m *shardedMap[model.PositionKey, int64]
}

// NewPositionStore creates an empty position store.
func NewPositionStore() *PositionStore {
	return &PositionStore{m: newShardedMap[model.PositionKey, int64]()}
}

// Apply adds delta to the stored quantity and returns the new quantity.
func (s *PositionStore) Apply(key model.PositionKey, delta int64) int64 {
	return s.m.update(key, func(cur int64, _ bool) int64 {
		return cur + delta
	})
}

// Get returns the quantity for key, 0 when never traded.
func (s *PositionStore) Get(key model.PositionKey) int64 {
	q, _ := s.m.load(key)
	return q
}

// Snapshot returns a point-in-time copy of every position.
func (s *PositionStore) Snapshot() map[model.PositionKey]int64 {
	return s.m.snapshot(nil)
}

// TraderSnapshot returns symbol → quantity for one trader's positions.
func (s *PositionStore) TraderSnapshot(trader string) map[string]int64 {
	all := s.m.snapshot(func(k model.PositionKey) bool { return k.Trader == trader })
	out := make(map[string]int64, len(all))
	for k, q := range all {
		out[k.Symbol] = q
	}
	return out
}

// Clear drops all positions.
func (s *PositionStore) Clear() {
	s.m.clear()
}
