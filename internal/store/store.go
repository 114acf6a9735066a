// Package store defines the persistence interface for trades and breaches.
// Implementations include PostgreSQL (source of truth), SQLite (embedded,
// single node), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sentinel/risk-engine/internal/model"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrDuplicate      = errors.New("store: duplicate id")
	ErrStatusConflict = errors.New("store: breach status changed concurrently")
)

// Store is the persistence interface. The risk state itself lives in
// memory; the store keeps the audit trail of trades and the compliance
// record of breaches.
type Store interface {
	// --- Trades ---

	// InsertTrade appends a trade. ErrDuplicate if the id exists.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// ListTrades returns up to limit trades, newest first. limit <= 0 means all.
	ListTrades(ctx context.Context, limit int) ([]model.Trade, error)

	// --- Breaches ---

	// InsertBreach records a new breach. ErrDuplicate if the id exists.
	InsertBreach(ctx context.Context, b *model.Breach) error

	// GetBreach returns one breach or ErrNotFound.
	GetBreach(ctx context.Context, id string) (*model.Breach, error)

	// ListBreaches returns breaches in status, newest first. An empty
	// status returns all breaches.
	ListBreaches(ctx context.Context, status model.BreachStatus) ([]model.Breach, error)

	// UpdateBreachStatus moves a breach from one status to another. It
	// returns ErrNotFound for an unknown id and ErrStatusConflict when the
	// breach is no longer in from.
	UpdateBreachStatus(ctx context.Context, id string, from, to model.BreachStatus) error
}

// breachColumns is the flat persisted form of a breach shared by the SQL
// backends.
type breachColumns struct {
	ID, LimitType, Trader, Symbol, Counterparty string
	Actual, Threshold                           string
	TradeID                                     string
	OccurredAt                                  time.Time
	Severity, Status                            string
}

func toBreachColumns(b *model.Breach) breachColumns {
	return breachColumns{
		ID:           b.ID,
		LimitType:    b.Type.String(),
		Trader:       b.Trader,
		Symbol:       b.Symbol,
		Counterparty: b.Counterparty,
		Actual:       b.Actual.String(),
		Threshold:    b.Threshold.String(),
		TradeID:      b.TradeID,
		OccurredAt:   b.OccurredAt.UTC(),
		Severity:     b.Severity.String(),
		Status:       string(b.Status),
	}
}

func (c breachColumns) breach() (model.Breach, error) {
	typ, err := model.ParseLimitType(c.LimitType)
	if err != nil {
		return model.Breach{}, fmt.Errorf("store: breach %s: %w", c.ID, err)
	}
	sev, err := model.ParseSeverity(c.Severity)
	if err != nil {
		return model.Breach{}, fmt.Errorf("store: breach %s: %w", c.ID, err)
	}
	actual, err := decimal.NewFromString(c.Actual)
	if err != nil {
		return model.Breach{}, fmt.Errorf("store: breach %s actual: %w", c.ID, err)
	}
	threshold, err := decimal.NewFromString(c.Threshold)
	if err != nil {
		return model.Breach{}, fmt.Errorf("store: breach %s threshold: %w", c.ID, err)
	}
	return model.Breach{
		ID: c.ID,
		LimitViolation: model.LimitViolation{
			Type:         typ,
			Trader:       c.Trader,
			Symbol:       c.Symbol,
			Counterparty: c.Counterparty,
			Actual:       actual,
			Threshold:    threshold,
			TradeID:      c.TradeID,
			OccurredAt:   c.OccurredAt.UTC(),
		},
		Severity: sev,
		Status:   model.BreachStatus(c.Status),
	}, nil
}
