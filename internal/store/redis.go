package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sentinel/risk-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// breach reads. Writes go to the primary store and invalidate the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertBreach(ctx context.Context, b *model.Breach) error {
	if err := s.primary.InsertBreach(ctx, b); err != nil {
		return err
	}
	s.cacheBreach(ctx, b)
	s.invalidateLists(ctx)
	return nil
}

func (s *CachedStore) UpdateBreachStatus(ctx context.Context, id string, from, to model.BreachStatus) error {
	if err := s.primary.UpdateBreachStatus(ctx, id, from, to); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, breachKey(id))
	s.invalidateLists(ctx)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBreach(ctx context.Context, id string) (*model.Breach, error) {
	data, err := s.rdb.Get(ctx, breachKey(id)).Bytes()
	if err == nil {
		var b model.Breach
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBreach(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheBreach(ctx, b)
	return b, nil
}

func (s *CachedStore) ListBreaches(ctx context.Context, status model.BreachStatus) ([]model.Breach, error) {
	key := breachListKey(status)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var breaches []model.Breach
		if json.Unmarshal(data, &breaches) == nil {
			return breaches, nil
		}
	}

	breaches, err := s.primary.ListBreaches(ctx, status)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(breaches); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return breaches, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.InsertTrade(ctx, t)
}

func (s *CachedStore) ListTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, limit)
}

// --- Cache helpers ---

var listStatuses = []model.BreachStatus{"", model.StatusNew, model.StatusAcknowledged, model.StatusResolved}

func (s *CachedStore) invalidateLists(ctx context.Context) {
	keys := make([]string, 0, len(listStatuses))
	for _, st := range listStatuses {
		keys = append(keys, breachListKey(st))
	}
	s.rdb.Del(ctx, keys...)
}

func (s *CachedStore) cacheBreach(ctx context.Context, b *model.Breach) {
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, breachKey(b.ID), data, s.ttl)
	}
}

func breachKey(id string) string { return fmt.Sprintf("sentinel:breach:%s", id) }

func breachListKey(status model.BreachStatus) string {
	if status == "" {
		return "sentinel:breaches:all"
	}
	return fmt.Sprintf("sentinel:breaches:%s", status)
}
