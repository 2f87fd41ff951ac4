package backend

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/blobgate/blobgate/pkg/metrics"
)

// InstrumentedBackend wraps a Backend and records request latency, errors
// and bytes served. A missing object is not counted as an error.
type InstrumentedBackend struct {
	inner Backend
}

// Instrument wraps b with metrics.
func Instrument(b Backend) *InstrumentedBackend {
	return &InstrumentedBackend{inner: b}
}

// Unwrap returns the wrapped backend.
func (ib *InstrumentedBackend) Unwrap() Backend { return ib.inner }

func (ib *InstrumentedBackend) Name() string { return ib.inner.Name() }
func (ib *InstrumentedBackend) Type() string { return ib.inner.Type() }

func (ib *InstrumentedBackend) observe(op string, start time.Time, err error) {
	metrics.BackendRequestDuration.WithLabelValues(ib.inner.Name(), op).Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, context.Canceled) {
		metrics.BackendErrors.WithLabelValues(ib.inner.Name(), op).Inc()
	}
}

func (ib *InstrumentedBackend) Properties(ctx context.Context, container, blob string) (ObjectInfo, error) {
	start := time.Now()
	info, err := ib.inner.Properties(ctx, container, blob)
	ib.observe("properties", start, err)
	return info, err
}

func (ib *InstrumentedBackend) Download(ctx context.Context, container, blob string) (io.ReadCloser, ObjectInfo, error) {
	start := time.Now()
	rc, info, err := ib.inner.Download(ctx, container, blob)
	ib.observe("download", start, err)
	if err != nil {
		return nil, info, err
	}
	return &countingReader{rc: rc, backend: ib.inner.Name()}, info, nil
}

func (ib *InstrumentedBackend) ListAll(ctx context.Context, container, prefix string) ([]ObjectInfo, error) {
	start := time.Now()
	out, err := ib.inner.ListAll(ctx, container, prefix)
	ib.observe("list", start, err)
	return out, err
}

func (ib *InstrumentedBackend) Close() error { return ib.inner.Close() }

// countingReader reports bytes read to BackendBytesServed on Close.
type countingReader struct {
	rc      io.ReadCloser
	backend string
	n       atomic.Int64
	closed  atomic.Bool
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.n.Add(int64(n))
	return n, err
}

func (c *countingReader) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		metrics.BackendBytesServed.WithLabelValues(c.backend).Add(float64(c.n.Load()))
	}
	return c.rc.Close()
}

// BytesRead returns the number of bytes read so far.
func (c *countingReader) BytesRead() int64 { return c.n.Load() }
