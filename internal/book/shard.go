// Package book holds the four in-memory aggregation stores of the risk
// pipeline: positions, cost basis, P&L and exposure.
//
// Every store is safe for concurrent use. Updates are read-modify-write per
// key under the owning shard's lock, so writers to different keys rarely
// contend and writers to the same key serialize.
package book

import (
	"hash/maphash"
	"sync"
)

const shardCount = 32

type shard[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[K]V
}

// shardedMap is a map split across shardCount independently locked shards.
type shardedMap[K comparable, V any] struct {
	seed   maphash.Seed
	shards [shardCount]*shard[K, V]
}

func newShardedMap[K comparable, V any]() *shardedMap[K, V] {
	sm := &shardedMap[K, V]{seed: maphash.MakeSeed()}
	for i := range sm.shards {
		sm.shards[i] = &shard[K, V]{m: make(map[K]V)}
	}
	return sm
}

func (sm *shardedMap[K, V]) shardFor(key K) *shard[K, V] {
	return sm.shards[maphash.Comparable(sm.seed, key)%shardCount]
}

// update applies fn to the current value (zero and false when absent) and
// stores the result atomically with respect to other updates of key.
func (sm *shardedMap[K, V]) update(key K, fn func(cur V, ok bool) V) V {
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.m[key]
	next := fn(cur, ok)
	s.m[key] = next
	return next
}

func (sm *shardedMap[K, V]) load(key K) (V, bool) {
	s := sm.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (sm *shardedMap[K, V]) store(key K, v V) {
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = v
}

// snapshot copies the entries accepted by keep. Shards are copied one at a
// time, so the result is consistent per key but not across keys.
func (sm *shardedMap[K, V]) snapshot(keep func(K) bool) map[K]V {
	out := make(map[K]V)
	for _, s := range sm.shards {
		s.mu.RLock()
		for k, v := range s.m {
			if keep == nil || keep(k) {
				out[k] = v
			}
		}
		s.mu.RUnlock()
	}
	return out
}

func (sm *shardedMap[K, V]) clear() {
	for _, s := range sm.shards {
		s.mu.Lock()
		s.m = make(map[K]V)
		s.mu.Unlock()
	}
}
