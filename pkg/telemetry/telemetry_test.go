package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blobgate/blobgate/pkg/usage"
)

func newTestCollector(t *testing.T, cfg CollectorConfig, em Emitter) *Collector {
	t.Helper()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	c := NewCollector(cfg, em)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestCollectorRecordAndFlush(t *testing.T) {
	mem := NewMemoryEmitter()
	c := newTestCollector(t, CollectorConfig{}, mem)

	c.Record("photos", "2025/a.jpg", "alice")

	if got := c.Pending(); got != 1 {
		t.Fatalf("expected 1 pending event, got %d", got)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mem.Len() != 1 {
		t.Fatalf("expected 1 emitted event after flush, got %d", mem.Len())
	}
	evt := mem.Events()[0]
	if evt.Container != "photos" || evt.Blob != "2025/a.jpg" || evt.UserID != "alice" {
		t.Errorf("unexpected event %+v", evt)
	}
	if evt.Timestamp.IsZero() {
		t.Error("expected event timestamp to be set")
	}
	if c.Pending() != 0 {
		t.Errorf("expected empty backlog after flush, got %d", c.Pending())
	}
}

func TestCollectorBatchSizeTriggersFlush(t *testing.T) {
	mem := NewMemoryEmitter()
	c := newTestCollector(t, CollectorConfig{BatchSize: 5}, mem)

	for i := 0; i < 5; i++ {
		c.Record("c", "f", "bob")
	}

	deadline := time.Now().Add(2 * time.Second)
	for mem.Len() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mem.Len() != 5 {
		t.Errorf("expected 5 emitted events, got %d", mem.Len())
	}
}

func TestCollectorIntervalFlush(t *testing.T) {
	mem := NewMemoryEmitter()
	c := newTestCollector(t, CollectorConfig{FlushInterval: 10 * time.Millisecond}, mem)

	c.Record("c", "f", "bob")

	deadline := time.Now().Add(2 * time.Second)
	for mem.Len() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if mem.Len() != 1 {
		t.Errorf("expected ticker to flush 1 event, got %d", mem.Len())
	}
}

func TestCollectorRejectsInvalidInput(t *testing.T) {
	mem := NewMemoryEmitter()
	c := newTestCollector(t, CollectorConfig{}, mem)

	c.Record("", "f", "alice")
	c.Record("c", "", "alice")
	c.Record("c", "f", "")

	if c.Pending() != 0 {
		t.Errorf("invalid events must not be queued, got %d pending", c.Pending())
	}
}

func TestCollectorOverflowDropsOldest(t *testing.T) {
	mem := NewMemoryEmitter()
	c := newTestCollector(t, CollectorConfig{MaxPending: 3}, mem)

	for i := 0; i < 5; i++ {
		c.Record("c", fmt.Sprintf("f%d", i), "u")
	}
	if got := c.Pending(); got != 3 {
		t.Fatalf("expected backlog capped at 3, got %d", got)
	}

	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	var blobs []string
	for _, e := range mem.Events() {
		blobs = append(blobs, e.Blob)
	}
	if strings.Join(blobs, ",") != "f2,f3,f4" {
		t.Errorf("expected newest events to survive, got %v", blobs)
	}
}

func TestCollectorStampsWithClock(t *testing.T) {
	mem := NewMemoryEmitter()
	c := newTestCollector(t, CollectorConfig{}, mem)
	fixed := time.Date(2025, 1, 5, 9, 30, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return fixed })

	c.Record("c", "f", "u")
	c.Flush(context.Background())

	if got := mem.Events()[0].Timestamp; !got.Equal(fixed) {
		t.Errorf("expected timestamp %v, got %v", fixed, got)
	}
}

func TestCollectorCloseFlushesRemaining(t *testing.T) {
	mem := NewMemoryEmitter()
	c := NewCollector(CollectorConfig{BatchSize: 100, FlushInterval: time.Hour}, mem)

	for i := 0; i < 3; i++ {
		c.Record("c", "f", "u1")
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	if mem.Len() != 3 {
		t.Errorf("expected 3 events after close, got %d", mem.Len())
	}
	if c.State() != StateStopped {
		t.Errorf("expected stopped state, got %s", c.State())
	}
}

func TestCollectorDropsDuringShutdown(t *testing.T) {
	mem := NewMemoryEmitter()
	c := NewCollector(CollectorConfig{BatchSize: 100, FlushInterval: time.Hour}, mem)

	c.Record("c", "f", "u1")
	c.Stop()
	if c.State() != StateShuttingDown {
		t.Fatalf("expected shutting_down, got %s", c.State())
	}
	c.Record("c", "f", "u2")

	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mem.Len() != 1 {
		t.Errorf("expected only the pre-shutdown event, got %d", mem.Len())
	}

	// Closing twice is harmless.
	if err := c.Close(context.Background()); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestCollectorFailedFlushRequeues(t *testing.T) {
	mem := NewMemoryEmitter()
	c := newTestCollector(t, CollectorConfig{}, mem)

	c.Record("c", "f", "u1")
	c.Record("c", "f", "u2")

	mem.FailWith(errors.New("store offline"))
	if err := c.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if c.Pending() != 2 {
		t.Fatalf("expected failed batch to be re-queued, got %d pending", c.Pending())
	}

	c.Record("c", "f", "u3")
	mem.FailWith(nil)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	events := mem.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].UserID != "u1" || events[2].UserID != "u3" {
		t.Errorf("expected re-queued events ahead of newer ones, got %+v", events)
	}
}

func TestCollectorPartialFailureRequeuesOnlyRetry(t *testing.T) {
	var calls int
	var got []usage.AccessEvent
	em := EmitterFunc(func(_ context.Context, events []usage.AccessEvent) error {
		calls++
		if calls == 1 {
			var retry []usage.AccessEvent
			for _, e := range events {
				if e.Blob == "bad" {
					retry = append(retry, e)
				}
			}
			return &PartialError{Retry: retry, Err: errors.New("write failed")}
		}
		got = append(got, events...)
		return nil
	})
	c := newTestCollector(t, CollectorConfig{}, em)

	c.Record("c", "good", "u1")
	c.Record("c", "bad", "u1")
	c.Record("c", "good", "u2")

	err := c.Flush(context.Background())
	var pe *PartialError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PartialError, got %v", err)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected only the failed event re-queued, got %d pending", c.Pending())
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Blob != "bad" {
		t.Errorf("expected retry of the failed event only, got %+v", got)
	}
}

// blockingEmitter holds the first Emit call until released.
type blockingEmitter struct {
	*MemoryEmitter
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingEmitter) Emit(ctx context.Context, events []usage.AccessEvent) error {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.started)
		<-b.release
	}
	return b.MemoryEmitter.Emit(ctx, events)
}

func TestCollectorFlushWaitsForInflightCycle(t *testing.T) {
	em := &blockingEmitter{
		MemoryEmitter: NewMemoryEmitter(),
		started:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	c := newTestCollector(t, CollectorConfig{}, em)

	c.Record("c", "f", "u1")
	go c.Flush(context.Background())
	<-em.started

	// Arrives while the first cycle is in flight: belongs to the next cycle.
	c.Record("c", "f", "u2")

	done := make(chan error, 1)
	go func() { done <- c.Flush(context.Background()) }()

	select {
	case <-done:
		t.Fatal("forced flush returned while a cycle was still in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(em.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if em.Len() != 2 {
		t.Fatalf("expected both events emitted, got %d", em.Len())
	}
	if em.Batches() != 2 {
		t.Errorf("expected two separate merge cycles, got %d", em.Batches())
	}
}

func TestCollectorConcurrentRecord(t *testing.T) {
	mem := NewMemoryEmitter()
	c := newTestCollector(t, CollectorConfig{BatchSize: 7, MaxPending: 100000}, mem)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				c.Record("c", "hot.bin", "u")
			}
		}()
	}
	wg.Wait()

	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if mem.Len() != 2000 {
		t.Errorf("expected 2000 events, got %d", mem.Len())
	}
}

func TestNewCollectorDefaults(t *testing.T) {
	c := NewCollector(CollectorConfig{}, nil)
	defer c.Close(context.Background())

	if c.cfg.BatchSize != 100 {
		t.Errorf("expected default BatchSize=100, got %d", c.cfg.BatchSize)
	}
	if c.cfg.FlushInterval != 5*time.Second {
		t.Errorf("expected default FlushInterval=5s, got %v", c.cfg.FlushInterval)
	}
	if c.cfg.MaxPending != 10000 {
		t.Errorf("expected default MaxPending=10000, got %d", c.cfg.MaxPending)
	}
}

func TestStateString(t *testing.T) {
	if StateRunning.String() != "running" || StateShuttingDown.String() != "shutting_down" || StateStopped.String() != "stopped" {
		t.Error("unexpected state names")
	}
}

func TestFileEmitter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.jsonl")

	fe, err := NewFileEmitter(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := fe.Emit(context.Background(), []usage.AccessEvent{{Container: "c", Blob: "f", UserID: "alice"}}); err != nil {
		t.Fatal(err)
	}
	if err := fe.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"user":"alice"`) {
		t.Errorf("unexpected file content %q", data)
	}
}

func TestFileEmitterBadPath(t *testing.T) {
	_, err := NewFileEmitter("/nonexistent/path/file.jsonl")
	if err == nil {
		t.Error("expected error for bad path")
	}
}

func TestTeeEmitter(t *testing.T) {
	primary := NewMemoryEmitter()
	secondary := NewMemoryEmitter()
	secondary.FailWith(errors.New("disk full"))
	tee := NewTeeEmitter(primary, secondary)

	if err := tee.Emit(context.Background(), []usage.AccessEvent{{UserID: "a"}}); err != nil {
		t.Fatalf("secondary failure must not surface: %v", err)
	}
	if primary.Len() != 1 {
		t.Errorf("expected primary to receive event, got %d", primary.Len())
	}

	primary.FailWith(errors.New("store down"))
	if err := tee.Emit(context.Background(), []usage.AccessEvent{{UserID: "b"}}); err == nil {
		t.Error("expected primary failure to surface")
	}
	if err := tee.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTeeEmitterForwardsAppliedPartOfPartialBatch(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	good1 := usage.AccessEvent{Container: "c", Blob: "good", UserID: "u1", Timestamp: at}
	bad := usage.AccessEvent{Container: "c", Blob: "bad", UserID: "u1", Timestamp: at}
	good2 := usage.AccessEvent{Container: "c", Blob: "good", UserID: "u2", Timestamp: at}

	primary := EmitterFunc(func(_ context.Context, events []usage.AccessEvent) error {
		var retry []usage.AccessEvent
		for _, e := range events {
			if e.Blob == "bad" {
				retry = append(retry, e)
			}
		}
		if len(retry) == 0 {
			return nil
		}
		return &PartialError{Retry: retry, Err: errors.New("write failed")}
	})
	audit := NewMemoryEmitter()
	tee := NewTeeEmitter(primary, audit)

	err := tee.Emit(context.Background(), []usage.AccessEvent{good1, bad, good2})
	var pe *PartialError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PartialError to surface, got %v", err)
	}
	got := audit.Events()
	if len(got) != 2 || got[0] != good1 || got[1] != good2 {
		t.Fatalf("expected applied events only, got %+v", got)
	}
}

func TestTeeEmitterPartialWithNothingApplied(t *testing.T) {
	ev := usage.AccessEvent{Container: "c", Blob: "bad", UserID: "u1"}
	primary := EmitterFunc(func(_ context.Context, events []usage.AccessEvent) error {
		return &PartialError{Retry: events, Err: errors.New("write failed")}
	})
	audit := NewMemoryEmitter()
	tee := NewTeeEmitter(primary, audit)

	if err := tee.Emit(context.Background(), []usage.AccessEvent{ev}); err == nil {
		t.Fatal("expected error")
	}
	if audit.Batches() != 0 {
		t.Errorf("expected no audit batch, got %d", audit.Batches())
	}
}

func TestNopEmitter(t *testing.T) {
	n := NewNopEmitter()
	if err := n.Emit(context.Background(), []usage.AccessEvent{{UserID: "test"}}); err != nil {
		t.Fatal(err)
	}
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
}
