package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/sentinel/risk-engine/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database through gorm.
// Decimals are stored as TEXT to keep them exact.
type SQLiteStore struct {
	db *gorm.DB
}

type tradeRow struct {
	ID           string `gorm:"primaryKey"`
	Trader       string `gorm:"index;not null"`
	Symbol       string `gorm:"not null"`
	Side         string `gorm:"not null"`
	Quantity     int64  `gorm:"not null"`
	Price        string `gorm:"not null"`
	Counterparty string
	Timestamp    time.Time `gorm:"index"`
}

func (tradeRow) TableName() string { return "trades" }

type breachRow struct {
	ID           string `gorm:"primaryKey"`
	LimitType    string `gorm:"not null"`
	Trader       string `gorm:"index;not null"`
	Symbol       string `gorm:"not null"`
	Counterparty string
	Actual       string `gorm:"not null"`
	Threshold    string `gorm:"not null"`
	TradeID      string `gorm:"index;not null"`
	OccurredAt   time.Time `gorm:"index"`
	Severity     string    `gorm:"not null"`
	Status       string    `gorm:"index;not null"`
}

func (breachRow) TableName() string { return "breaches" }

// NewSQLiteStore opens (or creates) the database at path and migrates it.
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	// SQLite serializes writers; one connection also keeps ":memory:" a
	// single database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&tradeRow{}, &breachRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	row := tradeRow{
		ID:           t.ID,
		Trader:       t.Trader,
		Symbol:       t.Symbol,
		Side:         string(t.Side),
		Quantity:     t.Quantity,
		Price:        t.Price.String(),
		Counterparty: t.Counterparty,
		Timestamp:    t.Timestamp.UTC(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("store: insert trade %s: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: trade %s", ErrDuplicate, t.ID)
	}
	return nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	var rows []tradeRow
	q := s.db.WithContext(ctx).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list trades: %w", err)
	}

	trades := make([]model.Trade, 0, len(rows))
	for _, r := range rows {
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			return nil, fmt.Errorf("store: trade %s price: %w", r.ID, err)
		}
		trades = append(trades, model.Trade{
			ID:           r.ID,
			Trader:       r.Trader,
			Symbol:       r.Symbol,
			Side:         model.Side(r.Side),
			Quantity:     r.Quantity,
			Price:        price,
			Counterparty: r.Counterparty,
			Timestamp:    r.Timestamp.UTC(),
		})
	}
	return trades, nil
}

func (s *SQLiteStore) InsertBreach(ctx context.Context, b *model.Breach) error {
	c := toBreachColumns(b)
	row := breachRow{
		ID: c.ID, LimitType: c.LimitType, Trader: c.Trader, Symbol: c.Symbol,
		Counterparty: c.Counterparty, Actual: c.Actual, Threshold: c.Threshold,
		TradeID: c.TradeID, OccurredAt: c.OccurredAt, Severity: c.Severity, Status: c.Status,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("store: insert breach %s: %w", b.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: breach %s", ErrDuplicate, b.ID)
	}
	return nil
}

func (s *SQLiteStore) GetBreach(ctx context.Context, id string) (*model.Breach, error) {
	var row breachRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: breach %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get breach %s: %w", id, err)
	}
	b, err := row.columns().breach()
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) ListBreaches(ctx context.Context, status model.BreachStatus) ([]model.Breach, error) {
	var rows []breachRow
	q := s.db.WithContext(ctx).Order("occurred_at DESC").Order("id")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list breaches: %w", err)
	}

	out := make([]model.Breach, 0, len(rows))
	for _, r := range rows {
		b, err := r.columns().breach()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateBreachStatus(ctx context.Context, id string, from, to model.BreachStatus) error {
	res := s.db.WithContext(ctx).Model(&breachRow{}).
		Where("id = ? AND status = ?", id, string(from)).
		Update("status", string(to))
	if res.Error != nil {
		return fmt.Errorf("store: update breach %s: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var row breachRow
	err := s.db.WithContext(ctx).Select("status").First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: breach %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("store: update breach %s: %w", id, err)
	}
	return fmt.Errorf("%w: breach %s is %s", ErrStatusConflict, id, row.Status)
}

func (r breachRow) columns() breachColumns {
	return breachColumns{
		ID: r.ID, LimitType: r.LimitType, Trader: r.Trader, Symbol: r.Symbol,
		Counterparty: r.Counterparty, Actual: r.Actual, Threshold: r.Threshold,
		TradeID: r.TradeID, OccurredAt: r.OccurredAt, Severity: r.Severity, Status: r.Status,
	}
}
