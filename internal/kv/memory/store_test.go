package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestStoreSetGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := New(nil)

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	payload := []byte("value")
	require.NoError(t, store.Set(ctx, "k", payload, 0))
	payload[0] = 'V'

	got, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "value", string(got))

	got[0] = 'X'
	again, _, _ := store.Get(ctx, "k")
	require.Equal(t, "value", string(again))

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreExpiresRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := New(clock)

	require.NoError(t, store.Set(ctx, "short", []byte("a"), time.Minute))
	require.NoError(t, store.Set(ctx, "forever", []byte("b"), 0))

	clock.Advance(59 * time.Second)
	_, ok, _ := store.Get(ctx, "short")
	require.True(t, ok)

	clock.Advance(time.Second)
	_, ok, _ = store.Get(ctx, "short")
	require.False(t, ok)

	_, ok, _ = store.Get(ctx, "forever")
	require.True(t, ok)
}

func TestStorePrune(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := New(clock)
	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Hour))
	require.NoError(t, store.Set(ctx, "c", []byte("3"), 0))

	clock.Advance(2 * time.Second)
	removed, err := store.Prune(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 2, store.Len())
}
