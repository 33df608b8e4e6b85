package seq

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMonotonicNoGaps(t *testing.T) {
	a := NewMemory()
	ctx := context.Background()

	for i := uint64(1); i <= 5; i++ {
		got, err := a.Next(ctx, "d:1-2", 1)
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}

	// 另一个发送方独立计数
	got, err := a.Next(ctx, "d:1-2", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)

	// 另一个频道独立计数
	got, err = a.Next(ctx, "g:9", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got)
}

func TestMemoryConcurrentUniqueAndDense(t *testing.T) {
	a := NewMemory()
	ctx := context.Background()

	const n = 200
	seqs := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := a.Next(ctx, "g:1", 42)
			require.NoError(t, err)
			seqs <- v
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool, n)
	for v := range seqs {
		assert.False(t, seen[v], "seq %d issued twice", v)
		seen[v] = true
	}
	for i := uint64(1); i <= n; i++ {
		assert.True(t, seen[i], "seq %d missing", i)
	}
}

func TestMemorySeedFloor(t *testing.T) {
	a := NewMemory()
	a.Seed("d:1-2", 1, 10)

	got, err := a.Next(context.Background(), "d:1-2", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 11, got)

	// 回退的播种被忽略
	a.Seed("d:1-2", 1, 3)
	got, _ = a.Next(context.Background(), "d:1-2", 1)
	assert.EqualValues(t, 12, got)
}
