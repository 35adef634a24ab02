package cachepool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/compliance-scanner/internal/kv/memory"
)

type countingKV struct {
	*memory.Store
	mu   sync.Mutex
	sets map[string]int
}

func newCountingKV() *countingKV {
	return &countingKV{Store: memory.New(nil), sets: make(map[string]int)}
}

func (c *countingKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.sets[key]++
	c.mu.Unlock()
	return c.Store.Set(ctx, key, value, ttl)
}

func (c *countingKV) setCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets[key]
}

func TestPoolRotationEvictsOldestInserted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := newCountingKV()
	pool, err := New(kv, "dims", 3)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Set(ctx, fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("v%d", i))))
	}

	_, ok, err := pool.Get(ctx, "k0")
	require.NoError(t, err)
	assert.False(t, ok, "first inserted key should be evicted")

	for i := 1; i < 4; i++ {
		got, ok, err := pool.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("v%d", i), string(got))
	}

	idx, err := pool.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestPoolRoundRobinIgnoresReads(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	pool, err := New(newCountingKV(), "dims", 2)
	require.NoError(t, err)

	require.NoError(t, pool.Set(ctx, "hot", []byte("1")))
	require.NoError(t, pool.Set(ctx, "cold", []byte("2")))
	_, _, err = pool.Get(ctx, "hot")
	require.NoError(t, err)
	require.NoError(t, pool.Set(ctx, "new", []byte("3")))

	_, ok, err := pool.Get(ctx, "hot")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = pool.Get(ctx, "cold")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPoolSetSameValueIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := newCountingKV()
	pool, err := New(kv, "dims", 10)
	require.NoError(t, err)

	require.NoError(t, pool.Set(ctx, "k", []byte("v")))
	require.NoError(t, pool.Set(ctx, "k", []byte("v")))

	assert.Equal(t, 1, kv.setCount("dims-0"))
	assert.Equal(t, 1, kv.setCount("dims-pool-index"))
	idx, err := pool.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestPoolSetChangedValueRewritesSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := newCountingKV()
	pool, err := New(kv, "dims", 10)
	require.NoError(t, err)

	require.NoError(t, pool.Set(ctx, "k", []byte("v1")))
	require.NoError(t, pool.Set(ctx, "k", []byte("v2")))

	got, ok, err := pool.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v2", string(got))
	assert.Equal(t, 2, kv.setCount("dims-0"))
	assert.Equal(t, 1, kv.setCount("dims-pool-index"))
}

func TestPoolStateSurvivesNewInstance(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kv := newCountingKV()
	first, err := New(kv, "dims", 5)
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "a", []byte("1")))
	require.NoError(t, first.Set(ctx, "b", []byte("2")))

	second, err := New(kv, "dims", 5)
	require.NoError(t, err)
	got, ok, err := second.Get(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", string(got))

	idx, err := second.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestPoolEmptyIndexSentinel(t *testing.T) {
	t.Parallel()

	pool, err := New(newCountingKV(), "dims", 0)
	require.NoError(t, err)
	idx, err := pool.Index(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
	assert.Equal(t, DefaultSize, pool.size)
}

func TestPoolDelegatesToService(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backing := newCountingKV()
	pool, err := New(nil, "dims", 1, WithService(NewKVService(backing, "")))
	require.NoError(t, err)

	require.NoError(t, pool.Set(ctx, "a", []byte("1")))
	require.NoError(t, pool.Set(ctx, "b", []byte("2")))

	got, ok, err := pool.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok, "service path has no size bound")
	assert.Equal(t, "1", string(got))
	assert.Zero(t, backing.setCount("dims-pool-map"))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(newCountingKV(), "", 1)
	require.Error(t, err)
	_, err = New(newCountingKV(), "g", -1)
	require.Error(t, err)
	_, err = New(nil, "g", 1)
	require.Error(t, err)
}
