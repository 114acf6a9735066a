package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sentinel/risk-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks that the pool can reach the server.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	trader       TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	quantity     BIGINT NOT NULL,
	price        NUMERIC NOT NULL,
	counterparty TEXT NOT NULL DEFAULT '',
	ts           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_ts_idx ON trades (ts DESC);

CREATE TABLE IF NOT EXISTS breaches (
	id           TEXT PRIMARY KEY,
	limit_type   TEXT NOT NULL,
	trader       TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	counterparty TEXT NOT NULL DEFAULT '',
	actual       NUMERIC NOT NULL,
	threshold    NUMERIC NOT NULL,
	trade_id     TEXT NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	severity     TEXT NOT NULL,
	status       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS breaches_status_idx ON breaches (status, occurred_at DESC);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, trader, symbol, side, quantity, price, counterparty, ts)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Trader, t.Symbol, string(t.Side), t.Quantity,
		t.Price.String(), t.Counterparty, t.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: insert trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: trade %s", ErrDuplicate, t.ID)
	}
	return nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	q := `SELECT id, trader, symbol, side, quantity, price::TEXT, counterparty, ts
	      FROM trades ORDER BY ts DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, priceS string
		if err := rows.Scan(&t.ID, &t.Trader, &t.Symbol, &side, &t.Quantity,
			&priceS, &t.Counterparty, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan trade: %w", err)
		}
		t.Side = model.Side(side)
		if t.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("store: trade %s price: %w", t.ID, err)
		}
		t.Timestamp = t.Timestamp.UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) InsertBreach(ctx context.Context, b *model.Breach) error {
	c := toBreachColumns(b)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO breaches (id, limit_type, trader, symbol, counterparty,
		                       actual, threshold, trade_id, occurred_at, severity, status)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		c.ID, c.LimitType, c.Trader, c.Symbol, c.Counterparty,
		c.Actual, c.Threshold, c.TradeID, c.OccurredAt, c.Severity, c.Status,
	)
	if err != nil {
		return fmt.Errorf("store: insert breach %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: breach %s", ErrDuplicate, b.ID)
	}
	return nil
}

const breachSelect = `SELECT id, limit_type, trader, symbol, counterparty,
                             actual::TEXT, threshold::TEXT, trade_id, occurred_at, severity, status
                      FROM breaches`

func (s *PostgresStore) GetBreach(ctx context.Context, id string) (*model.Breach, error) {
	row := s.pool.QueryRow(ctx, breachSelect+` WHERE id = $1`, id)
	b, err := scanBreach(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: breach %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get breach %s: %w", id, err)
	}
	return &b, nil
}

func (s *PostgresStore) ListBreaches(ctx context.Context, status model.BreachStatus) ([]model.Breach, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if status == "" {
		rows, err = s.pool.Query(ctx, breachSelect+` ORDER BY occurred_at DESC, id`)
	} else {
		rows, err = s.pool.Query(ctx, breachSelect+` WHERE status = $1 ORDER BY occurred_at DESC, id`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("store: list breaches: %w", err)
	}
	defer rows.Close()

	out := []model.Breach{}
	for rows.Next() {
		b, err := scanBreach(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateBreachStatus(ctx context.Context, id string, from, to model.BreachStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE breaches SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("store: update breach %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM breaches WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: breach %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("store: update breach %s: %w", id, err)
	}
	return fmt.Errorf("%w: breach %s is %s", ErrStatusConflict, id, current)
}

func scanBreach(row pgx.Row) (model.Breach, error) {
	var c breachColumns
	var occurred time.Time
	if err := row.Scan(&c.ID, &c.LimitType, &c.Trader, &c.Symbol, &c.Counterparty,
		&c.Actual, &c.Threshold, &c.TradeID, &occurred, &c.Severity, &c.Status); err != nil {
		return model.Breach{}, err
	}
	c.OccurredAt = occurred
	return c.breach()
}
