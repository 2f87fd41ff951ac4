package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blobgate/blobgate/pkg/usage"
)

func entry(blob string, total uint64) usage.MetricEntry {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return usage.MetricEntry{
		Container: "c", Blob: blob, TotalAccesses: total,
		FirstAccessed: now, LastAccessed: now, RecentUsers: []string{"u"},
	}
}

func TestEntryCacheGetMiss(t *testing.T) {
	c := New(2)
	_, ok := c.Get("c/missing")
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Stats().Misses)
}

func TestEntryCacheRefreshAndGet(t *testing.T) {
	c := New(2)
	c.Refresh(entry("a", 1))

	got, ok := c.Get("c/a")
	require.True(t, ok)
	assert.EqualValues(t, 1, got.TotalAccesses)

	got.RecentUsers[0] = "mutated"
	again, _ := c.Get("c/a")
	assert.Equal(t, "u", again.RecentUsers[0], "Get must return a copy")
}

func TestEntryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Refresh(entry("a", 1), entry("b", 1))

	// Touch a so b becomes least recently used.
	_, ok := c.Get("c/a")
	require.True(t, ok)

	c.Refresh(entry("c", 1))

	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("c/b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get("c/a")
	assert.True(t, ok)
	assert.EqualValues(t, 1, c.Stats().Evictions)
}

func TestEntryCacheRefreshNeverRollsBack(t *testing.T) {
	c := New(10)
	c.Refresh(entry("a", 10))
	c.Refresh(entry("a", 3))

	got, _ := c.Get("c/a")
	assert.EqualValues(t, 10, got.TotalAccesses)

	c.Refresh(entry("a", 11))
	got, _ = c.Get("c/a")
	assert.EqualValues(t, 11, got.TotalAccesses)
}

func TestEntryCacheGetOrLoad(t *testing.T) {
	c := New(10)
	var calls atomic.Int32
	load := func(context.Context) (usage.MetricEntry, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return entry("a", 5), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.GetOrLoad(context.Background(), "c/a", load)
			assert.NoError(t, err)
			assert.EqualValues(t, 5, got.TotalAccesses)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(8))
	assert.Equal(t, 1, c.Len())

	before := calls.Load()
	_, err := c.GetOrLoad(context.Background(), "c/a", load)
	require.NoError(t, err)
	assert.Equal(t, before, calls.Load(), "second lookup must be served from cache")
}

func TestEntryCacheLoadErrorNotCached(t *testing.T) {
	c := New(10)
	boom := errors.New("boom")
	_, err := c.GetOrLoad(context.Background(), "c/a", func(context.Context) (usage.MetricEntry, error) {
		return usage.MetricEntry{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestEntryCacheRemoveAndPurge(t *testing.T) {
	c := New(100)
	for i := 0; i < 10; i++ {
		c.Refresh(entry(fmt.Sprintf("f%d", i), 1))
	}
	c.Remove("c/f0")
	assert.Equal(t, 9, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
	_, ok := c.Get("c/f1")
	assert.False(t, ok)
}

func TestEntryCacheDefaultCapacity(t *testing.T) {
	c := New(0)
	assert.Equal(t, DefaultMaxEntries, c.Stats().Capacity)
}
