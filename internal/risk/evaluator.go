// Package risk runs the per-trade risk pipeline: admission, store updates,
// limit evaluation and breach construction.
package risk

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sentinel/risk-engine/internal/book"
	"github.com/sentinel/risk-engine/internal/limits"
	"github.com/sentinel/risk-engine/internal/model"
)

// Deduper admits each trade id at most once.
type Deduper interface {
	Admit(ctx context.Context, tradeID string) (bool, error)
	Reset(ctx context.Context) error
}

// PriceProvider returns the last known price for a symbol.
type PriceProvider interface {
	LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Evaluator owns the aggregation stores and evaluates trades against them.
type Evaluator struct {
	dedup  Deduper
	prices PriceProvider
	limits limits.Limits

	positions *book.PositionStore
	costBasis *book.CostBasisStore
	pnl       *book.PnLStore
	exposure  *book.ExposureStore

	locks *keyLocks
	now   func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the clock used to stamp violations.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an Evaluator with empty stores.
func NewEvaluator(dedup Deduper, prices PriceProvider, cfg limits.Limits, opts ...Option) *Evaluator {
	e := &Evaluator{
		dedup:     dedup,
		prices:    prices,
		limits:    cfg,
		positions: book.NewPositionStore(),
		costBasis: book.NewCostBasisStore(),
		pnl:       book.NewPnLStore(),
		exposure:  book.NewExposureStore(),
		locks:     newKeyLocks(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ProcessTrade runs t through the pipeline and returns the resulting
// breaches. A trade whose id is not admitted returns no breaches and leaves
// every store untouched.
//
// Steps run in order: position, cost basis, P&L, exposure, limits. A
// failure aborts the remaining steps; steps already applied stay applied and
// the id stays admitted. t is normalized first, so callers may pass a raw
// payload.
func (e *Evaluator) ProcessTrade(ctx context.Context, t model.Trade) ([]model.Breach, error) {
	t = t.Normalize()
	key := t.Key()
	unlock := e.locks.lock(key)
	defer unlock()

	admitted, err := e.dedup.Admit(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("risk: admit %s: %w", t.ID, err)
	}
	if !admitted {
		return nil, nil
	}

	delta := t.SignedQuantity()
	position := e.positions.Apply(key, delta)

	entry := e.costBasis.Apply(key, t.Side, t.Quantity, t.Price)

	last, err := e.prices.LastPrice(ctx, t.Symbol)
	if err != nil {
		return nil, fmt.Errorf("risk: price %s: %w", t.Symbol, err)
	}

	// Marks the whole position against the average cost on every trade.
	pos := decimal.NewFromInt(position)
	e.pnl.Apply(t.Trader, pos.Mul(last.Sub(entry.AverageCost())))

	e.exposure.SetSymbolValue(t.Symbol, pos.Mul(last).Abs())
	if t.HasCounterparty() {
		e.exposure.AddCounterparty(t.Counterparty, decimal.NewFromInt(delta).Mul(last).Abs())
	}
	total, err := e.portfolioValue(ctx, t.Trader, t.Symbol, last)
	if err != nil {
		return nil, err
	}
	e.exposure.SetTotalPortfolioValue(t.Trader, total)

	st := limits.State{Positions: e.positions, PnL: e.pnl, Exposure: e.exposure}
	violations := limits.Evaluate(t, st, e.limits, e.now())

	breaches := make([]model.Breach, 0, len(violations))
	for _, v := range violations {
		breaches = append(breaches, model.Breach{
			ID:             uuid.NewString(),
			LimitViolation: v,
			Severity:       limits.Classify(v.Actual, v.Threshold),
			Status:         model.StatusNew,
		})
	}
	return breaches, nil
}

// portfolioValue sums |quantity × last price| over every symbol the trader
// holds. The current symbol reuses the price already fetched.
func (e *Evaluator) portfolioValue(ctx context.Context, trader, symbol string, last decimal.Decimal) (decimal.Decimal, error) {
	total := decimal.Zero
	for sym, qty := range e.positions.TraderSnapshot(trader) {
		if qty == 0 {
			continue
		}
		price := last
		if sym != symbol {
			var err error
			price, err = e.prices.LastPrice(ctx, sym)
			if err != nil {
				return decimal.Zero, fmt.Errorf("risk: price %s: %w", sym, err)
			}
		}
		total = total.Add(decimal.NewFromInt(qty).Mul(price).Abs())
	}
	return total, nil
}

// Reset clears the dedup set and all stores.
func (e *Evaluator) Reset(ctx context.Context) error {
	if err := e.dedup.Reset(ctx); err != nil {
		return fmt.Errorf("risk: reset dedup: %w", err)
	}
	e.positions.Clear()
	e.costBasis.Clear()
	e.pnl.Clear()
	e.exposure.Clear()
	return nil
}

// Positions returns every tracked position with its average cost, sorted by
// trader then symbol.
func (e *Evaluator) Positions() []model.Position {
	snap := e.positions.Snapshot()
	out := make([]model.Position, 0, len(snap))
	for key, qty := range snap {
		out = append(out, model.Position{
			Trader:      key.Trader,
			Symbol:      key.Symbol,
			Quantity:    qty,
			AverageCost: e.costBasis.AverageCost(key),
		})
	}
	sortPositions(out)
	return out
}

// TraderRisk returns the current risk view of one trader.
func (e *Evaluator) TraderRisk(trader string) model.TraderRisk {
	held := e.positions.TraderSnapshot(trader)
	positions := make([]model.Position, 0, len(held))
	for sym, qty := range held {
		key := model.PositionKey{Trader: trader, Symbol: sym}
		positions = append(positions, model.Position{
			Trader:      trader,
			Symbol:      sym,
			Quantity:    qty,
			AverageCost: e.costBasis.AverageCost(key),
		})
	}
	sortPositions(positions)
	return model.TraderRisk{
		Trader:              trader,
		Positions:           positions,
		RealizedPnL:         e.pnl.Daily(trader),
		TotalPortfolioValue: e.exposure.TotalPortfolioValue(trader),
	}
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Trader != ps[j].Trader {
			return ps[i].Trader < ps[j].Trader
		}
		return ps[i].Symbol < ps[j].Symbol
	})
}
