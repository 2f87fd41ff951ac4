package control

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/blobgate/blobgate/pkg/store"
	"github.com/blobgate/blobgate/pkg/usage"
)

// ContainerStat aggregates the entries of one container.
type ContainerStat struct {
	Container     string `json:"container"`
	TotalAccesses uint64 `json:"totalAccesses"`
	FileCount     int    `json:"fileCount"`
	UniqueUsers   int    `json:"uniqueUsers"`
}

// Quantiles of per-file access counts.
type Quantiles struct {
	P50 float64 `json:"p50"`
	P90 float64 `json:"p90"`
	P99 float64 `json:"p99"`
}

// Summary is the result of SummaryStats.
type Summary struct {
	TotalFiles             int        `json:"totalFiles"`
	TotalAccesses          uint64     `json:"totalAccesses"`
	UniqueUsers            int        `json:"uniqueUsers"`
	UniqueContainers       int        `json:"uniqueContainers"`
	AverageAccessesPerFile float64    `json:"averageAccessesPerFile"`
	AccessQuantiles        *Quantiles `json:"accessQuantiles,omitempty"`
}

// Queries read the store directly and may trail recorded events by one
// merge cycle. Call ForcePersist first for a point-in-time view.

// TopAccessedFiles returns the most accessed entries, highest first. Equal
// totals keep key order. limit <= 0 selects the default of 10 and values
// above the configured maximum are capped.
func (e *Engine) TopAccessedFiles(ctx context.Context, limit int, container string) ([]usage.MetricEntry, error) {
	if container != "" {
		if err := usage.ValidateContainer(container); err != nil {
			return nil, fmt.Errorf("control.TopAccessedFiles: %w", err)
		}
	}
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	if limit > e.cfg.MaxQueryLimit {
		limit = e.cfg.MaxQueryLimit
	}
	return e.query(ctx, store.Filter{Container: container, OrderByAccesses: true, Limit: limit})
}

// GetFileMetrics returns the entry for one file, or usage.ErrNotFound.
func (e *Engine) GetFileMetrics(ctx context.Context, container, blob string) (usage.MetricEntry, error) {
	if err := usage.ValidateContainer(container); err != nil {
		return usage.MetricEntry{}, fmt.Errorf("control.GetFileMetrics: %w", err)
	}
	if err := usage.ValidateBlob(blob); err != nil {
		return usage.MetricEntry{}, fmt.Errorf("control.GetFileMetrics: %w", err)
	}
	release, err := e.acquire()
	if err != nil {
		return usage.MetricEntry{}, err
	}
	defer release()

	return e.cache.GetOrLoad(ctx, usage.Key(container, blob), func(ctx context.Context) (usage.MetricEntry, error) {
		return e.store.Get(ctx, container, blob)
	})
}

// ContainerStats returns per-container totals sorted by total accesses,
// highest first, then by name. Unique users are counted over the retained
// recent-user lists.
func (e *Engine) ContainerStats(ctx context.Context) ([]ContainerStat, error) {
	entries, err := e.query(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*ContainerStat)
	users := make(map[string]map[string]struct{})
	for _, m := range entries {
		cs, ok := byName[m.Container]
		if !ok {
			cs = &ContainerStat{Container: m.Container}
			byName[m.Container] = cs
			users[m.Container] = make(map[string]struct{})
		}
		cs.TotalAccesses += m.TotalAccesses
		cs.FileCount++
		for _, u := range m.RecentUsers {
			users[m.Container][u] = struct{}{}
		}
	}

	stats := make([]ContainerStat, 0, len(byName))
	for name, cs := range byName {
		cs.UniqueUsers = len(users[name])
		stats = append(stats, *cs)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].TotalAccesses != stats[j].TotalAccesses {
			return stats[i].TotalAccesses > stats[j].TotalAccesses
		}
		return stats[i].Container < stats[j].Container
	})
	return stats, nil
}

// SummaryStats summarizes all entries, or those of one container.
func (e *Engine) SummaryStats(ctx context.Context, container string) (Summary, error) {
	if container != "" {
		if err := usage.ValidateContainer(container); err != nil {
			return Summary{}, fmt.Errorf("control.SummaryStats: %w", err)
		}
	}
	entries, err := e.query(ctx, store.Filter{Container: container})
	if err != nil {
		return Summary{}, err
	}
	return summarize(entries), nil
}

func summarize(entries []usage.MetricEntry) Summary {
	var s Summary
	users := make(map[string]struct{})
	containers := make(map[string]struct{})

	// Relative accuracy 1%; a nil sketch only disables quantiles.
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		slog.Debug("access quantiles disabled", "error", err)
		sketch = nil
	}
	for _, m := range entries {
		s.TotalFiles++
		s.TotalAccesses += m.TotalAccesses
		containers[m.Container] = struct{}{}
		for _, u := range m.RecentUsers {
			users[u] = struct{}{}
		}
		if sketch != nil {
			sketch.Add(float64(m.TotalAccesses))
		}
	}
	s.UniqueUsers = len(users)
	s.UniqueContainers = len(containers)

	if s.TotalFiles == 0 {
		return s
	}
	s.AverageAccessesPerFile = round2(float64(s.TotalAccesses) / float64(s.TotalFiles))

	if sketch != nil && !sketch.IsEmpty() {
		q, err := sketch.GetValuesAtQuantiles([]float64{0.50, 0.90, 0.99})
		if err == nil {
			s.AccessQuantiles = &Quantiles{P50: round2(q[0]), P90: round2(q[1]), P99: round2(q[2])}
		}
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// MetricsByTimeRange returns entries whose last access falls within
// [start, end]. end is extended to the end of its UTC day; a zero end means
// now. A zero start is unbounded.
func (e *Engine) MetricsByTimeRange(ctx context.Context, start, end time.Time, container string) ([]usage.MetricEntry, error) {
	if container != "" {
		if err := usage.ValidateContainer(container); err != nil {
			return nil, fmt.Errorf("control.MetricsByTimeRange: %w", err)
		}
	}
	f, err := e.rangeFilter(start, end, container, true)
	if err != nil {
		return nil, fmt.Errorf("control.MetricsByTimeRange: %w", err)
	}
	return e.query(ctx, f)
}

// rangeFilter builds a time-range filter. With defaultNow, a zero end means
// now; otherwise it leaves the range open-ended.
func (e *Engine) rangeFilter(start, end time.Time, container string, defaultNow bool) (store.Filter, error) {
	f := store.Filter{Container: container, Start: start}
	switch {
	case !end.IsZero():
		f.End = endOfDay(end)
		if !start.IsZero() && f.End.Before(start) {
			return f, usage.ErrInvalidRange
		}
	case defaultNow:
		f.End = e.now()
		if !start.IsZero() && f.End.Before(start) {
			return f, usage.ErrInvalidRange
		}
	}
	return f, nil
}

func endOfDay(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.Add(24*time.Hour - time.Nanosecond)
}

func (e *Engine) query(ctx context.Context, f store.Filter) ([]usage.MetricEntry, error) {
	release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return e.store.Query(ctx, f)
}
