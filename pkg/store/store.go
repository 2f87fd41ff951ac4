// Package store persists aggregated access metrics in badger.
//
// Each (container, blob) pair is one key, "m/<container>/<blob>", holding the
// JSON-encoded usage.MetricEntry. Keys sort by container, so per-container
// queries are prefix scans. Upserts run one transaction per key, giving an
// atomic read-modify-write that badger's conflict detection protects against
// concurrent writers. Point-in-time JSON snapshots back the store up and
// seed it on startup when it is empty.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/blobgate/blobgate/pkg/metrics"
	"github.com/blobgate/blobgate/pkg/usage"
)

const (
	keyPrefix          = "m/"
	maxConflictRetries = 8
	lockStripes        = 64
)

// ErrLocked is returned by Open when another process holds the database.
var ErrLocked = errors.New("metric store locked by another process")

// Options configures a Store.
type Options struct {
	Path           string // badger directory
	SnapshotDir    string // defaults to <Path>/../snapshots
	RetentionDays  int    // snapshot retention; defaults to 30
	MaxRecentUsers int
	ValueLogSize   int64 // badger value log file size in bytes; 0 keeps badger's default
	InMemory       bool  // tests only; snapshots still go to SnapshotDir
}

// Filter selects entries for Query. Zero values mean "no constraint".
type Filter struct {
	Container       string
	Start           time.Time // inclusive lower bound on LastAccessed
	End             time.Time // inclusive upper bound on LastAccessed
	OrderByAccesses bool      // TotalAccesses descending, ties in key order
	Limit           int
}

// Store is the durable metric store.
type Store struct {
	db   *badger.DB
	opts Options
	now  func() time.Time

	snapshotMu sync.Mutex
	keyLocks   [lockStripes]sync.Mutex // serializes in-process writers per key
}

// Open opens (or creates) the store. A directory badger cannot open is moved
// aside to <Path>.corrupt-<timestamp> and replaced by an empty one; callers
// then seed it from snapshots with Recover. A directory locked by another
// process is never moved: Open fails with ErrLocked instead.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" && !opts.InMemory {
		return nil, fmt.Errorf("store.Open: path is required")
	}
	if opts.SnapshotDir == "" {
		opts.SnapshotDir = filepath.Join(filepath.Dir(filepath.Clean(opts.Path)), "snapshots")
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 30
	}
	if opts.MaxRecentUsers <= 0 {
		opts.MaxRecentUsers = usage.DefaultMaxRecentUsers
	}
	if err := os.MkdirAll(opts.SnapshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("store.Open: create snapshot dir: %w", err)
	}

	db, err := openBadger(opts)
	if err != nil && isLockHeld(err) {
		metrics.StoreErrors.WithLabelValues("open").Inc()
		return nil, fmt.Errorf("store.Open: %s: %w: %v", opts.Path, ErrLocked, err)
	}
	if err != nil && !opts.InMemory {
		quarantine := fmt.Sprintf("%s.corrupt-%d", filepath.Clean(opts.Path), time.Now().UnixNano())
		slog.Error("metric store unreadable, moving aside",
			"path", opts.Path, "quarantine", quarantine, "error", err)
		metrics.StoreErrors.WithLabelValues("open").Inc()
		if rerr := os.Rename(opts.Path, quarantine); rerr != nil {
			return nil, fmt.Errorf("store.Open: quarantine %s: %w", opts.Path, rerr)
		}
		db, err = openBadger(opts)
	}
	if err != nil {
		return nil, fmt.Errorf("store.Open: %w", err)
	}

	slog.Info("metric store opened", "component", "store", "path", opts.Path, "snapshots", opts.SnapshotDir)
	return &Store{db: db, opts: opts, now: time.Now}, nil
}

// isLockHeld reports whether err is badger's directory lock failing because
// another process (or another Store in this one) holds it.
func isLockHeld(err error) bool {
	return errors.Is(err, syscall.EWOULDBLOCK) ||
		strings.Contains(err.Error(), "Cannot acquire directory lock")
}

func openBadger(opts Options) (*badger.DB, error) {
	bopts := badger.DefaultOptions(opts.Path).WithLogger(badgerLogger{})
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{})
	} else if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, err
	}
	if opts.ValueLogSize > 0 {
		bopts = bopts.WithValueLogFileSize(opts.ValueLogSize)
	}
	return badger.Open(bopts)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SnapshotDir returns the directory holding snapshot files.
func (s *Store) SnapshotDir() string { return s.opts.SnapshotDir }

func entryKey(container, blob string) []byte {
	return []byte(keyPrefix + container + "/" + blob)
}

func containerPrefix(container string) []byte {
	if container == "" {
		return []byte(keyPrefix)
	}
	return []byte(keyPrefix + container + "/")
}

// Upsert merges each delta into its stored entry and returns the merged
// entries. Every key commits in its own transaction; a key that fails is
// logged and reported through the returned *UpsertError while the other
// keys still commit.
func (s *Store) Upsert(ctx context.Context, deltas []usage.MetricEntry) ([]usage.MetricEntry, error) {
	merged := make([]usage.MetricEntry, 0, len(deltas))
	var failed []string
	var errs []error

	for _, d := range deltas {
		if err := ctx.Err(); err != nil {
			failed = append(failed, d.Key())
			errs = append(errs, err)
			continue
		}
		e, err := s.upsertOne(d)
		if err != nil {
			metrics.StoreErrors.WithLabelValues("upsert").Inc()
			slog.Error("metric upsert failed",
				"container", d.Container, "blob", d.Blob, "op", "upsert", "error", err)
			failed = append(failed, d.Key())
			errs = append(errs, fmt.Errorf("%s: %w", d.Key(), err))
			continue
		}
		merged = append(merged, e)
	}

	if len(failed) > 0 {
		return merged, &UpsertError{FailedKeys: failed, Err: errors.Join(errs...)}
	}
	return merged, nil
}

func (s *Store) upsertOne(delta usage.MetricEntry) (usage.MetricEntry, error) {
	key := entryKey(delta.Container, delta.Blob)
	h := fnv.New32a()
	h.Write(key)
	mu := &s.keyLocks[h.Sum32()%lockStripes]
	mu.Lock()
	defer mu.Unlock()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var out usage.MetricEntry
		err := s.db.Update(func(txn *badger.Txn) error {
			existing, err := readEntry(txn, key)
			if err != nil {
				return err
			}
			out = usage.Merge(existing, delta, s.opts.MaxRecentUsers)
			val, err := json.Marshal(out)
			if err != nil {
				return err
			}
			return txn.Set(key, val)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return usage.MetricEntry{}, err
		}
		return out, nil
	}
	return usage.MetricEntry{}, fmt.Errorf("store.Upsert: %d conflicting writers: %w", maxConflictRetries, badger.ErrConflict)
}

// readEntry returns nil when the key is absent. A value that no longer
// decodes is logged and treated as absent.
func readEntry(txn *badger.Txn, key []byte) (*usage.MetricEntry, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e usage.MetricEntry
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &e)
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("decode").Inc()
		slog.Error("corrupt metric entry ignored", "key", string(key), "error", err)
		return nil, nil
	}
	return &e, nil
}

// Get returns one entry or usage.ErrNotFound.
func (s *Store) Get(_ context.Context, container, blob string) (usage.MetricEntry, error) {
	var out *usage.MetricEntry
	err := s.db.View(func(txn *badger.Txn) error {
		e, err := readEntry(txn, entryKey(container, blob))
		out = e
		return err
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		return usage.MetricEntry{}, fmt.Errorf("store.Get: %w", err)
	}
	if out == nil {
		return usage.MetricEntry{}, fmt.Errorf("store.Get %s: %w", usage.Key(container, blob), usage.ErrNotFound)
	}
	return *out, nil
}

// Query returns the entries matching f.
func (s *Store) Query(ctx context.Context, f Filter) ([]usage.MetricEntry, error) {
	var result []usage.MetricEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = containerPrefix(f.Container)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var e usage.MetricEntry
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &e) }); err != nil {
				metrics.StoreErrors.WithLabelValues("decode").Inc()
				slog.Error("corrupt metric entry skipped", "key", string(item.Key()), "error", err)
				continue
			}
			if !f.Start.IsZero() && e.LastAccessed.Before(f.Start) {
				continue
			}
			if !f.End.IsZero() && e.LastAccessed.After(f.End) {
				continue
			}
			result = append(result, e)
		}
		return nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("query").Inc()
		return nil, fmt.Errorf("store.Query: %w", err)
	}

	if f.OrderByAccesses {
		sort.SliceStable(result, func(i, j int) bool {
			return result[i].TotalAccesses > result[j].TotalAccesses
		})
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store.Count: %w", err)
	}
	metrics.StoreEntries.Set(float64(n))
	return n, nil
}

// Restore writes entries verbatim, replacing any stored values for the same
// keys. It is used to seed an empty store from a snapshot.
func (s *Store) Restore(_ context.Context, entries []usage.MetricEntry) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		val, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("store.Restore: encode %s: %w", e.Key(), err)
		}
		if err := wb.Set(entryKey(e.Container, e.Blob), val); err != nil {
			return fmt.Errorf("store.Restore: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("store.Restore: flush: %w", err)
	}
	return nil
}

// DeleteAll removes every entry. It fails closed with usage.ErrForbidden when
// production is set. An empty snapshot is written afterwards so a restart
// does not resurrect the cleared data from an older snapshot.
func (s *Store) DeleteAll(_ context.Context, production bool) error {
	if production {
		return fmt.Errorf("store.DeleteAll: clearing metrics is disabled in production: %w", usage.ErrForbidden)
	}
	if err := s.db.DropPrefix([]byte(keyPrefix)); err != nil {
		metrics.StoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("store.DeleteAll: %w", err)
	}
	if _, err := s.writeSnapshot(nil); err != nil {
		return fmt.Errorf("store.DeleteAll: %w", err)
	}
	metrics.StoreEntries.Set(0)
	return nil
}

// Compact reclaims value-log space. It is safe to call while serving.
func (s *Store) Compact() error {
	rewrites := 0
	for {
		err := s.db.RunValueLogGC(0.5)
		if err == nil {
			rewrites++
			continue
		}
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) || errors.Is(err, badger.ErrGCInMemoryMode) {
			if rewrites > 0 {
				slog.Info("metric store compacted", "component", "store", "rewrites", rewrites)
			}
			return nil
		}
		metrics.StoreErrors.WithLabelValues("compact").Inc()
		return fmt.Errorf("store.Compact: %w", err)
	}
}

// UpsertError reports the keys a partial Upsert could not commit.
type UpsertError struct {
	FailedKeys []string
	Err        error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("store.Upsert: %d keys failed: %v", len(e.FailedKeys), e.Err)
}

func (e *UpsertError) Unwrap() error { return e.Err }

// badgerLogger routes badger's logging through slog.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, args ...interface{}) {
	slog.Error(strings.TrimSpace(fmt.Sprintf(f, args...)), "component", "badger")
}

func (badgerLogger) Warningf(f string, args ...interface{}) {
	slog.Warn(strings.TrimSpace(fmt.Sprintf(f, args...)), "component", "badger")
}

func (badgerLogger) Infof(f string, args ...interface{}) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(f, args...)), "component", "badger")
}

func (badgerLogger) Debugf(f string, args ...interface{}) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(f, args...)), "component", "badger")
}
