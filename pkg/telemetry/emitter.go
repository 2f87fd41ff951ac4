package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/blobgate/blobgate/pkg/usage"
)

// Emitter receives batches of access events at the end of a merge cycle.
type Emitter interface {
	Emit(ctx context.Context, events []usage.AccessEvent) error
	Close() error
}

// PartialError is returned by an Emitter that applied part of a batch. Only
// Retry is re-queued; re-queueing the whole batch would count the applied
// events twice.
type PartialError struct {
	Retry []usage.AccessEvent
	Err   error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("partial emit, %d events to retry: %v", len(e.Retry), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

// EmitterFunc adapts a function to the Emitter interface. Close is a no-op.
type EmitterFunc func(ctx context.Context, events []usage.AccessEvent) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, events []usage.AccessEvent) error {
	return f(ctx, events)
}

// Close is a no-op.
func (f EmitterFunc) Close() error { return nil }

// FileEmitter appends events as JSON lines to a file (access audit trail).
type FileEmitter struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewFileEmitter creates a file emitter that writes JSONL to the given path.
func NewFileEmitter(path string) (*FileEmitter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry.NewFileEmitter: %w", err)
	}
	return &FileEmitter{
		file:    f,
		encoder: json.NewEncoder(f),
	}, nil
}

// Emit writes events as JSON lines to file.
func (e *FileEmitter) Emit(_ context.Context, events []usage.AccessEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, evt := range events {
		if err := e.encoder.Encode(evt); err != nil {
			return fmt.Errorf("telemetry.FileEmitter: %w", err)
		}
	}
	return nil
}

// Close closes the file.
func (e *FileEmitter) Close() error {
	return e.file.Close()
}

// TeeEmitter sends every batch to a primary emitter and, best effort, to
// any number of secondaries. Only the primary's error is returned.
type TeeEmitter struct {
	primary     Emitter
	secondaries []Emitter
}

// NewTeeEmitter creates a tee over primary and secondaries.
func NewTeeEmitter(primary Emitter, secondaries ...Emitter) *TeeEmitter {
	return &TeeEmitter{primary: primary, secondaries: secondaries}
}

// Emit forwards events to the primary, then to the secondaries. When the
// primary applies only part of the batch, the secondaries receive the
// applied part and the PartialError is still returned.
func (t *TeeEmitter) Emit(ctx context.Context, events []usage.AccessEvent) error {
	err := t.primary.Emit(ctx, events)
	applied := events
	if err != nil {
		var pe *PartialError
		if !errors.As(err, &pe) {
			return err
		}
		applied = withoutRetry(events, pe.Retry)
	}
	if len(applied) == 0 {
		return err
	}
	for _, s := range t.secondaries {
		if serr := s.Emit(ctx, applied); serr != nil {
			slog.Warn("secondary emitter failed", "count", len(applied), "error", serr)
		}
	}
	return err
}

// withoutRetry returns events minus one occurrence of each retried event.
func withoutRetry(events, retry []usage.AccessEvent) []usage.AccessEvent {
	pending := make(map[usage.AccessEvent]int, len(retry))
	for _, e := range retry {
		pending[e]++
	}
	out := make([]usage.AccessEvent, 0, len(events))
	for _, e := range events {
		if pending[e] > 0 {
			pending[e]--
			continue
		}
		out = append(out, e)
	}
	return out
}

// Close closes all emitters, returning the first error.
func (t *TeeEmitter) Close() error {
	err := t.primary.Close()
	for _, s := range t.secondaries {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// NopEmitter discards all events.
type NopEmitter struct{}

// NewNopEmitter creates a no-op emitter.
func NewNopEmitter() *NopEmitter {
	return &NopEmitter{}
}

// Emit discards events.
func (e *NopEmitter) Emit(context.Context, []usage.AccessEvent) error {
	return nil
}

// Close is a no-op.
func (e *NopEmitter) Close() error {
	return nil
}

// MemoryEmitter stores events in memory (for testing).
type MemoryEmitter struct {
	mu      sync.Mutex
	events  []usage.AccessEvent
	batches int
	err     error
}

// NewMemoryEmitter creates a memory-backed emitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

// FailWith makes subsequent Emit calls return err without storing events.
// Pass nil to recover.
func (e *MemoryEmitter) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Emit stores events.
func (e *MemoryEmitter) Emit(_ context.Context, events []usage.AccessEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, events...)
	e.batches++
	return nil
}

// Close is a no-op.
func (e *MemoryEmitter) Close() error {
	return nil
}

// Events returns all stored events.
func (e *MemoryEmitter) Events() []usage.AccessEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]usage.AccessEvent, len(e.events))
	copy(out, e.events)
	return out
}

// Len returns the number of stored events.
func (e *MemoryEmitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.events)
}

// Batches returns the number of successful Emit calls.
func (e *MemoryEmitter) Batches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batches
}
