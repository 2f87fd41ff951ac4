package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blobgate/blobgate/pkg/metrics"
	"github.com/blobgate/blobgate/pkg/usage"
)

// CollectorConfig configures access-event batching.
type CollectorConfig struct {
	BatchSize     int           `yaml:"batch_size"`     // pending events that trigger an early merge cycle
	FlushInterval time.Duration `yaml:"flush_interval"` // debounce interval between merge cycles
	MaxPending    int           `yaml:"max_pending"`    // backlog bound; oldest events beyond it are dropped
}

// State is the lifecycle state of a Collector. Transitions only move forward.
type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateStopped
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Collector admits access events into a pending batch and hands batches to
// an Emitter in merge cycles. Only one merge cycle runs at a time; events
// recorded while a cycle is running wait for the next one.
type Collector struct {
	cfg     CollectorConfig
	emitter Emitter
	now     func() time.Time

	mu      sync.Mutex // guards batch, dropped and state transitions
	batch   []usage.AccessEvent
	dropped int

	cycleMu sync.Mutex // held for the duration of a merge cycle

	state    atomic.Int32
	flushCh  chan struct{}
	closeCh  chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a collector and starts its background flush loop.
func NewCollector(cfg CollectorConfig, emitter Emitter) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 10000
	}
	if emitter == nil {
		emitter = NewNopEmitter()
	}

	c := &Collector{
		cfg:     cfg,
		emitter: emitter,
		now:     time.Now,
		batch:   make([]usage.AccessEvent, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.flushLoop()
	return c
}

// SetClock overrides the time source used to stamp events.
func (c *Collector) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Record admits one access fact. It never blocks on I/O and never fails:
// invalid input and events arriving during shutdown are logged and dropped.
func (c *Collector) Record(container, blob, userID string) {
	if err := usage.ValidateEvent(container, blob, userID); err != nil {
		metrics.EventsDropped.WithLabelValues("invalid").Inc()
		slog.Warn("access event rejected",
			"container", container, "blob", blob, "user", userID, "error", err)
		return
	}

	c.mu.Lock()
	if State(c.state.Load()) != StateRunning {
		c.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("shutdown").Inc()
		slog.Debug("access event dropped during shutdown", "container", container, "blob", blob)
		return
	}

	c.batch = append(c.batch, usage.AccessEvent{
		Container: container,
		Blob:      blob,
		UserID:    userID,
		Timestamp: c.now().UTC(),
	})
	overflow := c.trimLocked()
	pending := len(c.batch)
	shouldFlush := pending >= c.cfg.BatchSize
	c.mu.Unlock()

	metrics.EventsRecorded.Inc()
	metrics.PendingEvents.Set(float64(pending))
	if overflow {
		slog.Warn("access event backlog full, dropping oldest events",
			"max_pending", c.cfg.MaxPending)
	}

	if shouldFlush {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// trimLocked drops the oldest events beyond MaxPending. It reports true the
// first time it drops within the current cycle so callers warn only once.
func (c *Collector) trimLocked() bool {
	excess := len(c.batch) - c.cfg.MaxPending
	if excess <= 0 {
		return false
	}
	c.batch = c.batch[excess:]
	first := c.dropped == 0
	c.dropped += excess
	metrics.EventsDropped.WithLabelValues("overflow").Add(float64(excess))
	return first
}

// Flush runs a merge cycle now. It waits for any in-flight cycle, then
// emits every event pending at that point before returning.
func (c *Collector) Flush(ctx context.Context) error {
	return c.flush(ctx)
}

// Pending returns the number of events waiting for the next merge cycle.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batch)
}

// State returns the current lifecycle state.
func (c *Collector) State() State {
	return State(c.state.Load())
}

// Stop stops admitting events and halts the background flush loop.
// Pending events stay queued for the final flush performed by Close.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.state.Store(int32(StateShuttingDown))
		c.mu.Unlock()
		close(c.closeCh)
		c.wg.Wait()
	})
}

// Close stops the collector, flushes remaining events and closes the emitter.
func (c *Collector) Close(ctx context.Context) error {
	if c.State() == StateStopped {
		return nil
	}
	c.Stop()

	err := c.flush(ctx)
	if cerr := c.emitter.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	c.state.Store(int32(StateStopped))
	return err
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCh:
			return
		case <-c.flushCh:
			c.backgroundFlush()
		case <-ticker.C:
			c.backgroundFlush()
		}
	}
}

func (c *Collector) backgroundFlush() {
	if err := c.flush(context.Background()); err != nil {
		slog.Error("merge cycle failed, events re-queued", "error", err)
	}
}

func (c *Collector) flush(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.mu.Lock()
	batch := c.batch
	dropped := c.dropped
	c.batch = make([]usage.AccessEvent, 0, c.cfg.BatchSize)
	c.dropped = 0
	c.mu.Unlock()

	metrics.PendingEvents.Set(0)
	if dropped > 0 {
		slog.Warn("access events dropped due to backlog overflow", "count", dropped)
	}
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := c.emitter.Emit(ctx, batch)
	metrics.MergeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MergeCycles.WithLabelValues("failure").Inc()
		var pe *PartialError
		if errors.As(err, &pe) {
			c.requeue(pe.Retry)
		} else {
			c.requeue(batch)
		}
		return err
	}
	metrics.MergeCycles.WithLabelValues("success").Inc()
	return nil
}

// requeue puts a failed batch back ahead of newer events, still honoring
// the backlog bound.
func (c *Collector) requeue(batch []usage.AccessEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := make([]usage.AccessEvent, 0, len(batch)+len(c.batch))
	merged = append(merged, batch...)
	merged = append(merged, c.batch...)
	c.batch = merged
	if c.trimLocked() {
		slog.Warn("access event backlog full after failed merge, dropping oldest events",
			"max_pending", c.cfg.MaxPending)
	}
	metrics.PendingEvents.Set(float64(len(c.batch)))
}
