package book

import "github.com/shopspring/decimal"

// PnLStore accumulates realized P&L per trader.
type PnLStore struct {
	m *shardedMap[string, decimal.Decimal]
}

// NewPnLStore creates an empty P&L store.
func NewPnLStore() *PnLStore {
	return &PnLStore{m: newShardedMap[string, decimal.Decimal]()}
}

// Apply adds delta to the trader's accumulator and returns the new total.
func (s *PnLStore) Apply(trader string, delta decimal.Decimal) decimal.Decimal {
	return s.m.update(trader, func(cur decimal.Decimal, _ bool) decimal.Decimal {
		return cur.Add(delta)
	})
}

// Daily returns the trader's accumulated P&L, zero when absent.
func (s *PnLStore) Daily(trader string) decimal.Decimal {
	v, _ := s.m.load(trader)
	return v
}

// Clear drops all accumulators.
func (s *PnLStore) Clear() {
	s.m.clear()
}
