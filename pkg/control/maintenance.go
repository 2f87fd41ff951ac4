package control

import (
	"context"
	"log/slog"
	"time"
)

// maintainer runs periodic snapshot and cleanup work for an Engine.
type maintainer struct {
	engine           *Engine
	interval         time.Duration // snapshot retention sweep + compaction
	snapshotInterval time.Duration
}

// Run blocks until ctx is cancelled. Failures are logged and never stop the
// loop.
func (m *maintainer) Run(ctx context.Context) {
	sweep := time.NewTicker(m.interval)
	defer sweep.Stop()
	snap := time.NewTicker(m.snapshotInterval)
	defer snap.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-snap.C:
			m.snapshot(ctx)
		case <-sweep.C:
			m.sweep(ctx)
		}
	}
}

func (m *maintainer) snapshot(ctx context.Context) {
	release, err := m.engine.acquire()
	if err != nil {
		return
	}
	defer release()
	if _, err := m.engine.store.WriteSnapshot(ctx); err != nil {
		slog.Error("periodic snapshot failed", "error", err)
	}
}

// sweep deletes expired snapshots and compacts the store.
func (m *maintainer) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	release, err := m.engine.acquire()
	if err != nil {
		return
	}
	defer release()

	start := time.Now()
	res := m.engine.store.CleanupSnapshots(m.engine.now())
	if res.Err != nil {
		slog.Error("snapshot cleanup incomplete", "deleted", res.Deleted, "error", res.Err)
	}
	if err := m.engine.store.Compact(); err != nil {
		slog.Error("store compaction failed", "error", err)
	}
	slog.Info("maintenance complete", "deleted", res.Deleted, "kept", res.Kept, "duration", time.Since(start))
}
