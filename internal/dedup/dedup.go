// Package dedup gates idempotent trade intake. A trade id is admitted at
// most once; re-deliveries of the same id are refused.
//
// Implementations include in-memory (single instance) and Redis (shared
// across replicas).
package dedup

import (
	"context"
	"strings"
	"sync"
)

// Deduplicator tracks trade ids already admitted. The set only grows until
// an explicit Reset.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates an empty in-memory deduplicator.
func New() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// Admit records tradeID and returns true on first sight. Blank ids are never
// recorded and always refused.
func (d *Deduplicator) Admit(_ context.Context, tradeID string) (bool, error) {
	if blank(tradeID) {
		return false, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[tradeID]; ok {
		return false, nil
	}
	d.seen[tradeID] = struct{}{}
	return true, nil
}

// Size returns the number of distinct admitted ids.
func (d *Deduplicator) Size(_ context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.seen)), nil
}

// Reset forgets every admitted id. Test/ops use only.
func (d *Deduplicator) Reset(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{})
	return nil
}

func blank(id string) bool {
	return strings.TrimSpace(id) == ""
}
