package risk

import (
	"hash/maphash"
	"sync"

	"github.com/sentinel/risk-engine/internal/model"
)

const lockStripes = 256

// keyLocks serializes work per position key. Distinct keys may share a
// stripe; a caller never holds more than one stripe at a time.
type keyLocks struct {
	seed    maphash.Seed
	stripes [lockStripes]sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{seed: maphash.MakeSeed()}
}

func (l *keyLocks) lock(key model.PositionKey) func() {
	mu := &l.stripes[maphash.Comparable(l.seed, key)%lockStripes]
	mu.Lock()
	return mu.Unlock
}
