// Package limits evaluates a trade against the configured risk limits and
// classifies how severe each violation is.
//
// Four rules run in a fixed order for every admitted trade:
//   - position limit:        |position(trader, symbol)| > limit
//   - daily stop-loss:       daily P&L(trader) <= stop-loss (negative bound)
//   - counterparty exposure: exposure(counterparty) > limit, only with a counterparty
//   - concentration:         symbol value / portfolio value > max, only when
//     the portfolio value is positive
//
// Evaluation is a pure function of its inputs: no state, no I/O.
package limits

import (
	"maps"

	"github.com/shopspring/decimal"
)

// Limits supplies the thresholds the checker compares against.
type Limits interface {
	PositionLimit(trader, symbol string) int64
	DailyStopLoss(trader string) decimal.Decimal
	CounterpartyLimit(counterparty string) decimal.Decimal
	ConcentrationMax() decimal.Decimal
}

// Settings is the plain configuration Static is built from.
type Settings struct {
	PositionLimit     int64           `yaml:"position_limit"`
	DailyStopLoss     decimal.Decimal `yaml:"daily_stop_loss"` // zero or negative
	CounterpartyLimit decimal.Decimal `yaml:"counterparty_limit"`
	ConcentrationMax  decimal.Decimal `yaml:"concentration_max"` // fraction, e.g. 0.4

	// Optional overrides. trader → symbol → limit for positions.
	PositionOverrides     map[string]map[string]int64 `yaml:"position_overrides"`
	StopLossOverrides     map[string]decimal.Decimal  `yaml:"stop_loss_overrides"`
	CounterpartyOverrides map[string]decimal.Decimal  `yaml:"counterparty_overrides"`
}

// Static is an immutable Limits built once at startup.
type Static struct {
	s Settings
}

// NewStatic copies s so later mutation of the caller's maps has no effect.
func NewStatic(s Settings) *Static {
	c := s
	c.PositionOverrides = make(map[string]map[string]int64, len(s.PositionOverrides))
	for trader, bySymbol := range s.PositionOverrides {
		c.PositionOverrides[trader] = maps.Clone(bySymbol)
	}
	c.StopLossOverrides = maps.Clone(s.StopLossOverrides)
	c.CounterpartyOverrides = maps.Clone(s.CounterpartyOverrides)
	return &Static{s: c}
}

func (l *Static) PositionLimit(trader, symbol string) int64 {
	if v, ok := l.s.PositionOverrides[trader][symbol]; ok {
		return v
	}
	return l.s.PositionLimit
}

func (l *Static) DailyStopLoss(trader string) decimal.Decimal {
	if v, ok := l.s.StopLossOverrides[trader]; ok {
		return v
	}
	return l.s.DailyStopLoss
}

func (l *Static) CounterpartyLimit(counterparty string) decimal.Decimal {
	if v, ok := l.s.CounterpartyOverrides[counterparty]; ok {
		return v
	}
	return l.s.CounterpartyLimit
}

func (l *Static) ConcentrationMax() decimal.Decimal {
	return l.s.ConcentrationMax
}
