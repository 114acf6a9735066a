package limits

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sentinel/risk-engine/internal/model"
)

// PositionReader reads signed net positions.
type PositionReader interface {
	Get(key model.PositionKey) int64
}

// PnLReader reads accumulated daily P&L.
type PnLReader interface {
	Daily(trader string) decimal.Decimal
}

// ExposureReader reads the exposure views.
type ExposureReader interface {
	Counterparty(counterparty string) decimal.Decimal
	SymbolValue(symbol string) decimal.Decimal
	TotalPortfolioValue(trader string) decimal.Decimal
}

// State is the post-trade view the checker reads.
type State struct {
	Positions PositionReader
	PnL       PnLReader
	Exposure  ExposureReader
}

// Evaluate runs all four rules for t and returns the violations in rule
// order. Rules are independent; any subset may fire. at stamps each
// violation.
func Evaluate(t model.Trade, st State, cfg Limits, at time.Time) []model.LimitViolation {
	var out []model.LimitViolation

	violation := func(typ model.LimitType, actual, threshold decimal.Decimal, counterparty string) model.LimitViolation {
		return model.LimitViolation{
			Type:         typ,
			Trader:       t.Trader,
			Symbol:       t.Symbol,
			Counterparty: counterparty,
			Actual:       actual,
			Threshold:    threshold,
			TradeID:      t.ID,
			OccurredAt:   at,
		}
	}

	// 1. Position limit.
	position := st.Positions.Get(t.Key())
	posLimit := cfg.PositionLimit(t.Trader, t.Symbol)
	if abs64(position) > posLimit {
		out = append(out, violation(model.LimitPosition,
			decimal.NewFromInt(position), decimal.NewFromInt(posLimit), ""))
	}

	// 2. Daily stop-loss. The bound is negative; reaching it is a breach.
	pnl := st.PnL.Daily(t.Trader)
	stopLoss := cfg.DailyStopLoss(t.Trader)
	if pnl.LessThanOrEqual(stopLoss) {
		out = append(out, violation(model.LimitPnLStopLoss, pnl, stopLoss, ""))
	}

	// 3. Counterparty exposure.
	if t.HasCounterparty() {
		exposure := st.Exposure.Counterparty(t.Counterparty)
		cpLimit := cfg.CounterpartyLimit(t.Counterparty)
		if exposure.GreaterThan(cpLimit) {
			out = append(out, violation(model.LimitCounterpartyExposure, exposure, cpLimit, t.Counterparty))
		}
	}

	// 4. Concentration.
	total := st.Exposure.TotalPortfolioValue(t.Trader)
	if total.IsPositive() {
		concentration := st.Exposure.SymbolValue(t.Symbol).Div(total)
		maxConc := cfg.ConcentrationMax()
		if concentration.GreaterThan(maxConc) {
			out = append(out, violation(model.LimitConcentration, concentration, maxConc, ""))
		}
	}

	return out
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
