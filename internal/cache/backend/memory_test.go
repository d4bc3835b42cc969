package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(maxEntries int, maxBytes int64) *Memory {
	return NewMemory(MemoryConfig{
		MaxEntries:    maxEntries,
		MaxBytes:      maxBytes,
		SweepInterval: time.Minute,
	})
}

func TestMemory_RoundTrip(t *testing.T) {
	m := newTestMemory(10, 1024*1024)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "doc:button", []byte("payload"), time.Minute))

	got, found, err := m.Get(ctx, "doc:button")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("payload"), got)
}

func TestMemory_MissIsNotAnError(t *testing.T) {
	m := newTestMemory(10, 1024*1024)
	defer m.Close()

	got, found, err := m.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestMemory_Expiry(t *testing.T) {
	m := newTestMemory(10, 1024*1024)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "short", []byte("v"), 30*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, found, err := m.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemory_LRUEvictionOnEntryBound(t *testing.T) {
	m := newTestMemory(2, 1024*1024)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), time.Minute))

	// Touch "a" so "b" becomes the least recently used entry.
	_, found, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, m.Set(ctx, "c", []byte("3"), time.Minute))

	_, found, _ = m.Get(ctx, "b")
	assert.False(t, found, "least recently used entry should be evicted")

	_, found, _ = m.Get(ctx, "a")
	assert.True(t, found, "recently accessed entry should survive")

	_, found, _ = m.Get(ctx, "c")
	assert.True(t, found)
}

func TestMemory_ByteBoundEviction(t *testing.T) {
	m := newTestMemory(100, 100)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", make([]byte, 60), time.Minute))
	require.NoError(t, m.Set(ctx, "b", make([]byte, 60), time.Minute))

	_, found, _ := m.Get(ctx, "a")
	assert.False(t, found, "oldest entry should be evicted to satisfy the byte bound")

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
	assert.LessOrEqual(t, stats.Bytes, int64(100))
}

func TestMemory_DeleteAndClear(t *testing.T) {
	m := newTestMemory(10, 1024*1024)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), time.Minute))

	require.NoError(t, m.Delete(ctx, "a"))
	_, found, _ := m.Get(ctx, "a")
	assert.False(t, found)

	require.NoError(t, m.Clear(ctx))
	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
	assert.Equal(t, int64(0), stats.Bytes)
}

func TestMemory_Utilization(t *testing.T) {
	m := newTestMemory(4, 1024*1024)
	defer m.Close()
	ctx := context.Background()

	assert.Equal(t, 0.0, m.Utilization())

	require.NoError(t, m.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, m.Set(ctx, "b", []byte("2"), time.Minute))
	assert.InDelta(t, 0.5, m.Utilization(), 0.01)
}

func TestMemory_OverwriteUpdatesAccounting(t *testing.T) {
	m := newTestMemory(10, 1024*1024)
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "a", make([]byte, 100), time.Minute))
	require.NoError(t, m.Set(ctx, "a", make([]byte, 10), time.Minute))

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(10), stats.Bytes)
}
