package cache

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/blobgate/blobgate/pkg/metrics"
	"github.com/blobgate/blobgate/pkg/usage"
)

// DefaultMaxEntries is used when no capacity is configured.
const DefaultMaxEntries = 10000

// LoadFunc fetches an entry from the durable store on a cache miss.
type LoadFunc func(ctx context.Context) (usage.MetricEntry, error)

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// EntryCache is a bounded, least-recently-used cache of metric entries keyed
// by "container/blob". It is advisory: callers always fall through to the
// store on a miss.
type EntryCache struct {
	mu         sync.Mutex
	maxEntries int
	items      map[string]*list.Element
	order      *list.List // front = most recently used
	stats      Stats

	loads singleflight.Group
}

// New creates an EntryCache holding at most maxEntries entries.
func New(maxEntries int) *EntryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &EntryCache{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		stats:      Stats{Capacity: maxEntries},
	}
}

// Get returns a copy of the cached entry and marks it most recently used.
func (c *EntryCache) Get(key string) (usage.MetricEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		metrics.CacheMisses.Inc()
		return usage.MetricEntry{}, false
	}
	c.order.MoveToFront(el)
	c.stats.Hits++
	metrics.CacheHits.Inc()
	return el.Value.(*usage.MetricEntry).Clone(), true
}

// Refresh stores the merged result of an upsert for each entry and marks it
// most recently used. A cached entry is never replaced by one with fewer
// accesses, so a slow loader cannot roll back a newer merge.
func (c *EntryCache) Refresh(entries ...usage.MetricEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.putLocked(e)
	}
	c.evictLocked()
}

// GetOrLoad returns the cached entry or calls load, coalescing concurrent
// misses for the same key. Load errors are returned and not cached.
func (c *EntryCache) GetOrLoad(ctx context.Context, key string, load LoadFunc) (usage.MetricEntry, error) {
	if e, ok := c.Get(key); ok {
		return e, nil
	}

	v, err, _ := c.loads.Do(key, func() (any, error) {
		e, err := load(ctx)
		if err != nil {
			return usage.MetricEntry{}, err
		}
		c.Refresh(e)
		return e, nil
	})
	if err != nil {
		return usage.MetricEntry{}, err
	}
	return v.(usage.MetricEntry).Clone(), nil
}

// Remove drops a single key.
func (c *EntryCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
		metrics.CacheSize.Set(float64(len(c.items)))
	}
}

// Purge drops every entry.
func (c *EntryCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	metrics.CacheSize.Set(0)
}

// Len returns the number of cached entries.
func (c *EntryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns cache counters.
func (c *EntryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.items)
	return s
}

func (c *EntryCache) putLocked(e usage.MetricEntry) {
	key := e.Key()
	if el, ok := c.items[key]; ok {
		cur := el.Value.(*usage.MetricEntry)
		if e.TotalAccesses >= cur.TotalAccesses {
			*cur = e.Clone()
		}
		c.order.MoveToFront(el)
		return
	}
	clone := e.Clone()
	c.items[key] = c.order.PushFront(&clone)
}

func (c *EntryCache) evictLocked() {
	for len(c.items) > c.maxEntries {
		el := c.order.Back()
		if el == nil {
			break
		}
		c.order.Remove(el)
		delete(c.items, el.Value.(*usage.MetricEntry).Key())
		c.stats.Evictions++
		metrics.CacheEvictions.Inc()
	}
	metrics.CacheSize.Set(float64(len(c.items)))
}
