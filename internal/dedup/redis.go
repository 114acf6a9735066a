package dedup

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the set holding admitted trade ids.
const DefaultRedisKey = "sentinel:processed-trades"

// RedisDeduplicator keeps the admitted set in Redis so that several engine
// replicas consuming the same stream share one admission gate. SADD is
// atomic, so concurrent admissions of one id yield a single winner across
// all replicas.
type RedisDeduplicator struct {
	rdb *redis.Client
	key string
}

// NewRedisDeduplicator creates a Redis-backed deduplicator. An empty key
// selects DefaultRedisKey.
func NewRedisDeduplicator(rdb *redis.Client, key string) *RedisDeduplicator {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisDeduplicator{rdb: rdb, key: key}
}

func (d *RedisDeduplicator) Admit(ctx context.Context, tradeID string) (bool, error) {
	if blank(tradeID) {
		return false, nil
	}
	added, err := d.rdb.SAdd(ctx, d.key, tradeID).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: admit %s: %w", tradeID, err)
	}
	return added == 1, nil
}

func (d *RedisDeduplicator) Size(ctx context.Context) (int64, error) {
	n, err := d.rdb.SCard(ctx, d.key).Result()
	if err != nil {
		return 0, fmt.Errorf("dedup: size: %w", err)
	}
	return n, nil
}

func (d *RedisDeduplicator) Reset(ctx context.Context) error {
	if err := d.rdb.Del(ctx, d.key).Err(); err != nil {
		return fmt.Errorf("dedup: reset: %w", err)
	}
	return nil
}
