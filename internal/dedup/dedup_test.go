package dedup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmit_FirstThenDuplicate(t *testing.T) {
	ctx := context.Background()
	d := New()

	ok, err := d.Admit(ctx, "trade-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Admit(ctx, "trade-1")
	require.NoError(t, err)
	assert.False(t, ok)

	n, _ := d.Size(ctx)
	assert.Equal(t, int64(1), n)
}

func TestAdmit_BlankIDsNeverRecorded(t *testing.T) {
	ctx := context.Background()
	d := New()

	for _, id := range []string{"", " ", "\t\n"} {
		ok, err := d.Admit(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "id %q", id)
	}

	n, _ := d.Size(ctx)
	assert.Zero(t, n)
}

func TestReset_AllowsReadmission(t *testing.T) {
	ctx := context.Background()
	d := New()

	d.Admit(ctx, "trade-1")
	require.NoError(t, d.Reset(ctx))

	n, _ := d.Size(ctx)
	assert.Zero(t, n)

	ok, _ := d.Admit(ctx, "trade-1")
	assert.True(t, ok)
}

func TestAdmit_ConcurrentSameIDSingleWinner(t *testing.T) {
	ctx := context.Background()
	d := New()

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := d.Admit(ctx, "contested"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
}

func TestAdmit_ConcurrentDistinctIDs(t *testing.T) {
	ctx := context.Background()
	d := New()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, _ := d.Admit(ctx, fmt.Sprintf("trade-%d", i))
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()

	n, _ := d.Size(ctx)
	assert.Equal(t, int64(100), n)
}
