package usage

import (
	"fmt"
	"strings"
	"time"
)

// UnknownUser is recorded when the caller identity could not be resolved.
const UnknownUser = "unknown"

// DefaultMaxRecentUsers bounds MetricEntry.RecentUsers when no limit is configured.
const DefaultMaxRecentUsers = 100

// AccessEvent is a single file access. Events are never persisted
// individually; they are folded into MetricEntry aggregates.
type AccessEvent struct {
	Container string    `json:"container"`
	Blob      string    `json:"blob"`
	UserID    string    `json:"user"`
	Timestamp time.Time `json:"ts"`
}

// Key returns the aggregate key for the event.
func (e AccessEvent) Key() string { return Key(e.Container, e.Blob) }

// MetricEntry is the durable aggregate for one (container, blob) pair.
type MetricEntry struct {
	Container     string    `json:"container"`
	Blob          string    `json:"blob"`
	TotalAccesses uint64    `json:"totalAccesses"`
	FirstAccessed time.Time `json:"firstAccessed"`
	LastAccessed  time.Time `json:"lastAccessed"`
	RecentUsers   []string  `json:"recentUsers"`
}

// Key returns the aggregate key for the entry.
func (m MetricEntry) Key() string { return Key(m.Container, m.Blob) }

// Clone returns a deep copy; RecentUsers is never shared between copies.
func (m MetricEntry) Clone() MetricEntry {
	out := m
	out.RecentUsers = append([]string(nil), m.RecentUsers...)
	return out
}

// Key joins container and blob into the "container/blob" form used for
// snapshots and the cache. Container names never contain a slash.
func Key(container, blob string) string {
	return container + "/" + blob
}

// SplitKey is the inverse of Key.
func SplitKey(key string) (container, blob string, err error) {
	container, blob, ok := strings.Cut(key, "/")
	if !ok || container == "" || blob == "" {
		return "", "", fmt.Errorf("usage.SplitKey: malformed key %q: %w", key, ErrInvalidInput)
	}
	return container, blob, nil
}
