package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/blobgate/blobgate/pkg/cache"
	"github.com/blobgate/blobgate/pkg/metrics"
	"github.com/blobgate/blobgate/pkg/store"
	"github.com/blobgate/blobgate/pkg/telemetry"
	"github.com/blobgate/blobgate/pkg/usage"
)

const (
	DefaultQueryLimit          = 10
	DefaultMaxQueryLimit       = 1000
	DefaultMaintenanceInterval = 24 * time.Hour
	DefaultSnapshotInterval    = time.Hour
)

// EngineConfig configures the access-metrics engine.
type EngineConfig struct {
	Store     store.Options
	Collector telemetry.CollectorConfig

	MaxRecentUsers      int
	MaxCacheSize        int
	MaxQueryLimit       int
	MaintenanceInterval time.Duration
	SnapshotInterval    time.Duration

	// Production disables ClearMetrics.
	Production bool

	// Audit, if set, receives every merged batch after it is stored.
	Audit telemetry.Emitter

	// Now stamps recorded events and bounds open-ended queries. Defaults to
	// time.Now.
	Now func() time.Time
}

// Engine records file accesses and answers metric queries. It owns the
// collector, the durable store, the entry cache and the maintenance loop.
type Engine struct {
	cfg       EngineConfig
	store     *store.Store
	cache     *cache.EntryCache
	collector *telemetry.Collector
	now       func() time.Time

	// lifeMu guards the store against use after Close released it.
	lifeMu sync.RWMutex
	closed bool

	maintCancel context.CancelFunc
	maintWG     sync.WaitGroup
	startOnce   sync.Once
	closeOnce   sync.Once
	closeErr    error
}

// NewEngine opens the store, recovers it from the newest valid snapshot if
// it is empty, and starts accepting events. Call Start to run maintenance.
func NewEngine(ctx context.Context, cfg EngineConfig) (*Engine, error) {
	if cfg.MaxRecentUsers <= 0 {
		cfg.MaxRecentUsers = usage.DefaultMaxRecentUsers
	}
	if cfg.MaxQueryLimit <= 0 {
		cfg.MaxQueryLimit = DefaultMaxQueryLimit
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Store.MaxRecentUsers = cfg.MaxRecentUsers

	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("control.NewEngine: %w", err)
	}
	if _, err := st.Recover(ctx); err != nil {
		// The store is usable; it just starts without history.
		slog.Error("metric recovery failed, starting empty", "error", err)
	}

	e := &Engine{
		cfg:   cfg,
		store: st,
		cache: cache.New(cfg.MaxCacheSize),
		now:   cfg.Now,
	}

	var emitter telemetry.Emitter = &mergePipeline{engine: e}
	if cfg.Audit != nil {
		emitter = telemetry.NewTeeEmitter(emitter, cfg.Audit)
	}
	e.collector = telemetry.NewCollector(cfg.Collector, emitter)
	e.collector.SetClock(cfg.Now)
	return e, nil
}

// Start launches the maintenance loop. It is a no-op after the first call.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		mctx, cancel := context.WithCancel(ctx)
		e.maintCancel = cancel
		m := &maintainer{
			engine:           e,
			interval:         e.cfg.MaintenanceInterval,
			snapshotInterval: e.cfg.SnapshotInterval,
		}
		e.maintWG.Add(1)
		go func() {
			defer e.maintWG.Done()
			m.Run(mctx)
		}()
		slog.Info("access metrics engine started",
			"maintenance_interval", e.cfg.MaintenanceInterval,
			"snapshot_interval", e.cfg.SnapshotInterval,
			"production", e.cfg.Production)
	})
}

// Close stops accepting events, stops maintenance and waits for it, merges
// everything still pending, writes a final snapshot and releases the store.
// Later calls return the first call's result.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		e.collector.Stop()

		e.startOnce.Do(func() {}) // a later Start must not launch maintenance
		if e.maintCancel != nil {
			e.maintCancel()
		}
		e.maintWG.Wait()

		var errs []error
		if err := e.collector.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final flush: %w", err))
		}
		if _, err := e.store.WriteSnapshot(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final snapshot: %w", err))
		}

		e.lifeMu.Lock()
		e.closed = true
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		e.lifeMu.Unlock()

		e.closeErr = errors.Join(errs...)
		if e.closeErr != nil {
			slog.Error("access metrics engine shutdown incomplete", "error", e.closeErr)
		} else {
			slog.Info("access metrics engine stopped")
		}
	})
	return e.closeErr
}

// RecordAccess records one file access. It never blocks on I/O and never
// fails; invalid input and events arriving during shutdown are logged and
// dropped. An empty user is recorded as usage.UnknownUser.
func (e *Engine) RecordAccess(container, blob, userID string) {
	if userID == "" {
		userID = usage.UnknownUser
	}
	e.collector.Record(container, blob, userID)
}

// State reports the recorder's lifecycle state.
func (e *Engine) State() telemetry.State {
	return e.collector.State()
}

// Pending returns the number of recorded events not yet merged.
func (e *Engine) Pending() int {
	return e.collector.Pending()
}

// ForcePersist blocks until every event recorded before the call is merged
// into the store.
func (e *Engine) ForcePersist(ctx context.Context) error {
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()
	if err := e.collector.Flush(ctx); err != nil {
		return fmt.Errorf("control.ForcePersist: %w", err)
	}
	return nil
}

// ClearMetrics deletes every entry. It is rejected with usage.ErrForbidden
// when the engine runs in production, leaving all entries untouched.
func (e *Engine) ClearMetrics(ctx context.Context) error {
	if e.cfg.Production {
		slog.Warn("metrics clear rejected in production")
		return fmt.Errorf("control.ClearMetrics: %w", usage.ErrForbidden)
	}
	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	// Merge pending events first so they do not reappear after the clear.
	if err := e.collector.Flush(ctx); err != nil {
		return fmt.Errorf("control.ClearMetrics: %w", err)
	}
	if err := e.store.DeleteAll(ctx, e.cfg.Production); err != nil {
		return fmt.Errorf("control.ClearMetrics: %w", err)
	}
	e.cache.Purge()
	slog.Warn("all access metrics cleared")
	return nil
}

// acquire holds the store open for the duration of an operation.
func (e *Engine) acquire() (func(), error) {
	e.lifeMu.RLock()
	if e.closed {
		e.lifeMu.RUnlock()
		return nil, usage.ErrShuttingDown
	}
	return e.lifeMu.RUnlock, nil
}

// mergePipeline is the collector's primary emitter: it aggregates a batch
// into per-key deltas, upserts them, and refreshes the cache with the
// merged results.
type mergePipeline struct {
	engine *Engine
}

func (p *mergePipeline) Emit(ctx context.Context, events []usage.AccessEvent) error {
	e := p.engine
	deltas := usage.Aggregate(events, e.cfg.MaxRecentUsers)
	merged, err := e.store.Upsert(ctx, deltas)
	e.cache.Refresh(merged...)
	metrics.MergedKeys.Add(float64(len(merged)))

	if err != nil {
		var ue *store.UpsertError
		if !errors.As(err, &ue) {
			return err
		}
		failed := make(map[string]struct{}, len(ue.FailedKeys))
		for _, k := range ue.FailedKeys {
			failed[k] = struct{}{}
		}
		var retry []usage.AccessEvent
		for _, ev := range events {
			if _, ok := failed[ev.Key()]; ok {
				retry = append(retry, ev)
			}
		}
		return &telemetry.PartialError{Retry: retry, Err: err}
	}

	slog.Debug("merge cycle applied", "events", len(events), "keys", len(merged))
	return nil
}

func (p *mergePipeline) Close() error { return nil }
