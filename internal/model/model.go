// Package model defines the core domain types shared across the risk engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"github.com/shopspring/decimal"
)

// PositionKey identifies a position by trader and instrument. Used as a map
// key directly; no delimited string encoding.
type PositionKey struct {
	Trader string `json:"trader"`
	Symbol string `json:"symbol"`
}

// Key returns the position key a trade applies to.
func (t Trade) Key() PositionKey {
	return PositionKey{Trader: t.Trader, Symbol: t.Symbol}
}

// Position is a read model of one (trader, symbol) holding.
type Position struct {
	Trader      string          `json:"trader"`
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`    // signed net quantity
	AverageCost decimal.Decimal `json:"averageCost"` // tracked cost basis per unit
}

// TraderRisk aggregates the risk figures tracked for one trader.
type TraderRisk struct {
	Trader              string          `json:"trader"`
	Positions           []Position      `json:"positions"`
	RealizedPnL         decimal.Decimal `json:"realizedPnl"`
	TotalPortfolioValue decimal.Decimal `json:"totalPortfolioValue"`
}
