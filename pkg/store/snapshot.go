package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/blobgate/blobgate/pkg/metrics"
	"github.com/blobgate/blobgate/pkg/usage"
)

const (
	snapshotPrefix  = "metrics-"
	snapshotExt     = ".json"
	snapshotTimeFmt = "20060102T150405.000000000Z"
	tempPattern     = ".snapshot-*.tmp"
)

// ErrNoSnapshot is returned when no readable snapshot exists.
var ErrNoSnapshot = errors.New("no valid snapshot")

// CleanupResult summarizes one retention sweep.
type CleanupResult struct {
	Deleted int
	Kept    int
	Err     error // joined per-file failures
}

// WriteSnapshot writes every stored entry to a new timestamped snapshot file
// and returns its path. The file appears atomically: it is written to a
// temp file, synced and renamed into place.
func (s *Store) WriteSnapshot(ctx context.Context) (string, error) {
	entries, err := s.Query(ctx, Filter{})
	if err != nil {
		return "", fmt.Errorf("store.WriteSnapshot: %w", err)
	}
	path, err := s.writeSnapshot(entries)
	if err != nil {
		return "", fmt.Errorf("store.WriteSnapshot: %w", err)
	}
	return path, nil
}

func (s *Store) writeSnapshot(entries []usage.MetricEntry) (string, error) {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	doc := make(map[string]usage.MetricEntry, len(entries))
	for _, e := range entries {
		doc[e.Key()] = e
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(s.opts.SnapshotDir, tempPattern)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("snapshot").Inc()
		return "", fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (string, error) {
		tmp.Close()
		os.Remove(tmpName)
		metrics.StoreErrors.WithLabelValues("snapshot").Inc()
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(fmt.Errorf("write snapshot: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync snapshot: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.StoreErrors.WithLabelValues("snapshot").Inc()
		return "", fmt.Errorf("close snapshot: %w", err)
	}

	final := filepath.Join(s.opts.SnapshotDir, snapshotPrefix+s.now().UTC().Format(snapshotTimeFmt)+snapshotExt)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		metrics.StoreErrors.WithLabelValues("snapshot").Inc()
		return "", fmt.Errorf("rename snapshot: %w", err)
	}

	metrics.SnapshotsWritten.Inc()
	slog.Info("metric snapshot written", "component", "store", "path", final, "entries", len(entries))
	return final, nil
}

// Snapshots lists snapshot files, newest first.
func (s *Store) Snapshots() ([]string, error) {
	dirents, err := os.ReadDir(s.opts.SnapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store.Snapshots: %w", err)
	}
	var paths []string
	for _, de := range dirents {
		if de.IsDir() || !isSnapshotName(de.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(s.opts.SnapshotDir, de.Name()))
	}
	// Names embed a fixed-width UTC timestamp, so lexical order is time order.
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}

func isSnapshotName(name string) bool {
	return strings.HasPrefix(name, snapshotPrefix) && strings.HasSuffix(name, snapshotExt)
}

// LoadLatestSnapshot returns the entries of the newest snapshot that parses.
// Unreadable snapshots are logged and skipped in favor of older ones.
func (s *Store) LoadLatestSnapshot() ([]usage.MetricEntry, string, error) {
	paths, err := s.Snapshots()
	if err != nil {
		return nil, "", err
	}
	for _, p := range paths {
		entries, err := readSnapshot(p, s.opts.MaxRecentUsers)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("snapshot_load").Inc()
			slog.Error("skipping unreadable snapshot", "path", p, "error", err)
			continue
		}
		return entries, p, nil
	}
	return nil, "", ErrNoSnapshot
}

func readSnapshot(path string, maxRecentUsers int) ([]usage.MetricEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]usage.MetricEntry
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("snapshot is not an object")
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]usage.MetricEntry, 0, len(doc))
	for _, k := range keys {
		e := doc[k]
		if e.Container == "" || e.Blob == "" {
			c, b, err := usage.SplitKey(k)
			if err != nil {
				slog.Warn("snapshot entry with malformed key skipped", "path", path, "key", k)
				continue
			}
			e.Container, e.Blob = c, b
		}
		if e.FirstAccessed.IsZero() || e.FirstAccessed.After(e.LastAccessed) {
			e.FirstAccessed = e.LastAccessed
		}
		e.RecentUsers = usage.AddRecentUsers(nil, e.RecentUsers, maxRecentUsers)
		entries = append(entries, e)
	}
	return entries, nil
}

// Recover seeds an empty store from the newest valid snapshot and returns the
// number of restored entries. A non-empty store is left alone.
func (s *Store) Recover(ctx context.Context) (int, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("store.Recover: %w", err)
	}
	if n > 0 {
		slog.Info("metric store loaded", "component", "store", "entries", n)
		return 0, nil
	}

	entries, path, err := s.LoadLatestSnapshot()
	if errors.Is(err, ErrNoSnapshot) {
		slog.Info("no snapshot to recover from, starting empty", "component", "store")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store.Recover: %w", err)
	}
	if err := s.Restore(ctx, entries); err != nil {
		return 0, fmt.Errorf("store.Recover: %w", err)
	}
	metrics.StoreEntries.Set(float64(len(entries)))
	slog.Info("metric store recovered from snapshot", "component", "store", "path", path, "entries", len(entries))
	return len(entries), nil
}

// CleanupSnapshots deletes snapshot files (and stray temp files) whose
// modification time is older than the retention window. The newest valid
// snapshot is always kept. A file that cannot be removed does not stop the
// sweep.
func (s *Store) CleanupSnapshots(now time.Time) CleanupResult {
	var res CleanupResult
	cutoff := now.Add(-time.Duration(s.opts.RetentionDays) * 24 * time.Hour)

	_, keep, err := s.LoadLatestSnapshot()
	if err != nil && !errors.Is(err, ErrNoSnapshot) {
		res.Err = err
		return res
	}

	dirents, err := os.ReadDir(s.opts.SnapshotDir)
	if err != nil {
		res.Err = fmt.Errorf("store.CleanupSnapshots: %w", err)
		return res
	}

	var errs []error
	for _, de := range dirents {
		name := de.Name()
		isTemp, _ := filepath.Match(tempPattern, name)
		if de.IsDir() || !(isSnapshotName(name) || isTemp) {
			continue
		}
		path := filepath.Join(s.opts.SnapshotDir, name)
		info, err := de.Info()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if path == keep || !info.ModTime().Before(cutoff) {
			res.Kept++
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("snapshot cleanup failed", "path", path, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		res.Deleted++
		metrics.SnapshotsDeleted.Inc()
	}
	res.Err = errors.Join(errs...)

	if res.Deleted > 0 {
		slog.Info("old snapshots removed", "component", "store",
			"deleted", res.Deleted, "kept", res.Kept, "retention_days", s.opts.RetentionDays)
	}
	return res
}
