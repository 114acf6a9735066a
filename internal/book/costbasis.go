package book

import (
	"github.com/shopspring/decimal"

	"github.com/sentinel/risk-engine/internal/model"
)

// CostBasisEntry is the tracked acquisition cost of a long holding.
type CostBasisEntry struct {
	TotalCost     decimal.Decimal `json:"totalCost"`
	TotalQuantity int64           `json:"totalQuantity"` // never negative
}

// AverageCost is TotalCost / TotalQuantity, zero for an empty entry.
func (e CostBasisEntry) AverageCost() decimal.Decimal {
	if e.TotalQuantity <= 0 {
		return decimal.Zero
	}
	return e.TotalCost.Div(decimal.NewFromInt(e.TotalQuantity))
}

// apply returns the entry after one trade.
//
// BUY adds qty×price to cost and qty to quantity. SELL releases
// min(qty, held) units at the current average cost; selling more than is
// held zeroes the entry and the excess is not tracked as a short basis.
func (e CostBasisEntry) apply(side model.Side, qty int64, price decimal.Decimal) CostBasisEntry {
	if side == model.SideBuy {
		e.TotalCost = e.TotalCost.Add(price.Mul(decimal.NewFromInt(qty)))
		e.TotalQuantity += qty
		return e
	}

	if e.TotalQuantity <= 0 {
		return e
	}
	released := min(qty, e.TotalQuantity)
	avg := e.AverageCost()
	e.TotalQuantity -= released
	if e.TotalQuantity == 0 {
		// avoid carrying division residue into the next fill
		e.TotalCost = decimal.Zero
	} else {
		e.TotalCost = e.TotalCost.Sub(avg.Mul(decimal.NewFromInt(released)))
	}
	return e
}

// CostBasisStore keeps a running average cost per (trader, symbol).
type CostBasisStore struct {
	m *shardedMap[model.PositionKey, CostBasisEntry]
}

// NewCostBasisStore creates an empty cost-basis store.
func NewCostBasisStore() *CostBasisStore {
	return &CostBasisStore{m: newShardedMap[model.PositionKey, CostBasisEntry]()}
}

// Apply updates the entry for key. Concurrent applies on one key serialize,
// so two racing SELLs never release the same units twice.
func (s *CostBasisStore) Apply(key model.PositionKey, side model.Side, qty int64, price decimal.Decimal) CostBasisEntry {
	return s.m.update(key, func(cur CostBasisEntry, _ bool) CostBasisEntry {
		return cur.apply(side, qty, price)
	})
}

// AverageCost returns the average cost for key, zero when absent.
func (s *CostBasisStore) AverageCost(key model.PositionKey) decimal.Decimal {
	e, _ := s.m.load(key)
	return e.AverageCost()
}

// Entry returns the tracked entry for key.
func (s *CostBasisStore) Entry(key model.PositionKey) (CostBasisEntry, bool) {
	return s.m.load(key)
}

// Clear drops all entries.
func (s *CostBasisStore) Clear() {
	s.m.clear()
}
