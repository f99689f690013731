package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycle_LoadsOncePerKey(t *testing.T) {
	c := newCycle()
	ctx := context.Background()
	loads := 0
	load := func(context.Context) (int64, error) {
		loads++
		return 7, nil
	}

	_, cached := c.Cached("users.id")
	assert.False(t, cached)

	for want := int64(8); want <= 10; want++ {
		got, err := c.NextID(ctx, "users.id", load)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 1, loads)

	last, cached := c.Cached("users.id")
	assert.True(t, cached)
	assert.Equal(t, int64(10), last)

	other, err := c.NextID(ctx, "posts.id", func(context.Context) (int64, error) { return 0, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestCycle_LoadErrorIsNotCached(t *testing.T) {
	c := newCycle()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := c.NextID(ctx, "k", func(context.Context) (int64, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	got, err := c.NextID(ctx, "k", func(context.Context) (int64, error) { return 3, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(4), got)
}

func TestCycle_ConcurrentIDsAreUnique(t *testing.T) {
	c := newCycle()
	ctx := context.Background()
	load := func(context.Context) (int64, error) { return 0, nil }

	var mu sync.Mutex
	seen := map[int64]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := c.NextID(ctx, "k", load)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[id], "id %d handed out twice", id)
			seen[id] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 50)
}
