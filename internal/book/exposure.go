package book

import "github.com/shopspring/decimal"

// ExposureStore holds three independent exposure views:
//   - counterparty → cumulative absolute notional (merge-sum)
//   - symbol → absolute market value (last write wins)
//   - trader → total portfolio value (last write wins, a recomputed snapshot)
type ExposureStore struct {
	counterparty *shardedMap[string, decimal.Decimal]
	symbolValue  *shardedMap[string, decimal.Decimal]
	portfolio    *shardedMap[string, decimal.Decimal]
}

// NewExposureStore creates an empty exposure store.
func NewExposureStore() *ExposureStore {
	return &ExposureStore{
		counterparty: newShardedMap[string, decimal.Decimal](),
		symbolValue:  newShardedMap[string, decimal.Decimal](),
		portfolio:    newShardedMap[string, decimal.Decimal](),
	}
}

// AddCounterparty merges notional into the counterparty's exposure.
func (s *ExposureStore) AddCounterparty(counterparty string, notional decimal.Decimal) decimal.Decimal {
	return s.counterparty.update(counterparty, func(cur decimal.Decimal, _ bool) decimal.Decimal {
		return cur.Add(notional)
	})
}

// Counterparty returns the accumulated exposure to counterparty.
func (s *ExposureStore) Counterparty(counterparty string) decimal.Decimal {
	v, _ := s.counterparty.load(counterparty)
	return v
}

// SetSymbolValue overwrites the market value recorded for symbol.
func (s *ExposureStore) SetSymbolValue(symbol string, value decimal.Decimal) {
	s.symbolValue.store(symbol, value)
}

// SymbolValue returns the last market value written for symbol.
func (s *ExposureStore) SymbolValue(symbol string) decimal.Decimal {
	v, _ := s.symbolValue.load(symbol)
	return v
}

// SetTotalPortfolioValue overwrites the trader's total portfolio value.
func (s *ExposureStore) SetTotalPortfolioValue(trader string, value decimal.Decimal) {
	s.portfolio.store(trader, value)
}

// TotalPortfolioValue returns the last portfolio value written for trader.
func (s *ExposureStore) TotalPortfolioValue(trader string) decimal.Decimal {
	v, _ := s.portfolio.load(trader)
	return v
}

// Clear drops all three views.
func (s *ExposureStore) Clear() {
	s.counterparty.clear()
	s.symbolValue.clear()
	s.portfolio.clear()
}
