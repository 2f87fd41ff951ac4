package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Recorder metrics
	EventsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobgate_access_events_recorded_total",
		Help: "Access events admitted into the pending batch",
	})
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobgate_access_events_dropped_total",
		Help: "Access events dropped before aggregation, by reason",
	}, []string{"reason"})
	PendingEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blobgate_access_events_pending",
		Help: "Access events waiting for the next merge cycle",
	})

	// Aggregation metrics
	MergeCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobgate_merge_cycles_total",
		Help: "Merge cycles by outcome",
	}, []string{"status"})
	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "blobgate_merge_cycle_duration_seconds",
		Help:    "Time to aggregate and persist one batch",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
	})
	MergedKeys = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobgate_merged_keys_total",
		Help: "Metric entries upserted by merge cycles",
	})

	// Store metrics
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobgate_store_errors_total",
		Help: "Durable store errors by operation",
	}, []string{"operation"})
	StoreEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blobgate_store_entries",
		Help: "Metric entries in the durable store",
	})
	SnapshotsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobgate_snapshots_written_total",
		Help: "Snapshots written successfully",
	})
	SnapshotsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobgate_snapshots_deleted_total",
		Help: "Snapshot files removed by retention",
	})

	// Cache metrics
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobgate_metric_cache_hit_total",
		Help: "Metric cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobgate_metric_cache_miss_total",
		Help: "Metric cache misses",
	})
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blobgate_metric_cache_evictions_total",
		Help: "Metric cache evictions",
	})
	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blobgate_metric_cache_entries",
		Help: "Entries held by the metric cache",
	})

	// Backend metrics
	BackendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blobgate_backend_request_duration_seconds",
		Help:    "Backend request duration",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
	}, []string{"backend", "operation"})

	BackendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobgate_backend_errors_total",
		Help: "Backend errors by operation",
	}, []string{"backend", "operation"})

	BackendBytesServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobgate_backend_bytes_served_total",
		Help: "Total bytes streamed from backends to clients",
	}, []string{"backend"})

	// Auth metrics
	AuthRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobgate_auth_requests_total",
		Help: "Caller identity resolutions by provider and result",
	}, []string{"provider", "result"})

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blobgate_http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})
)

func init() {
	// Pre-initialize Vec metrics so they appear in /metrics output before first use.
	EventsDropped.WithLabelValues("invalid")
	EventsDropped.WithLabelValues("overflow")
	EventsDropped.WithLabelValues("shutdown")
	MergeCycles.WithLabelValues("success")
	MergeCycles.WithLabelValues("failure")
	StoreErrors.WithLabelValues("upsert")
	BackendRequestDuration.WithLabelValues("", "download")
	BackendErrors.WithLabelValues("", "download")
	BackendBytesServed.WithLabelValues("")
}

// HealthCheck holds a single health check function.
type HealthCheck struct {
	Name  string
	Check func() error
}

// HealthStatus represents the health response.
type HealthStatus struct {
	Status string            `json:"status"` // "ok" or "degraded"
	Checks map[string]string `json:"checks"`
}

// healthChecker holds registered health checks.
type healthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
}

var defaultHealthChecker = &healthChecker{}

// RegisterHealthCheck adds a health check.
func RegisterHealthCheck(name string, check func() error) {
	defaultHealthChecker.mu.Lock()
	defer defaultHealthChecker.mu.Unlock()
	defaultHealthChecker.checks = append(defaultHealthChecker.checks, HealthCheck{
		Name:  name,
		Check: check,
	})
}

// runChecks runs all registered health checks.
func runChecks() HealthStatus {
	defaultHealthChecker.mu.RLock()
	checks := make([]HealthCheck, len(defaultHealthChecker.checks))
	copy(checks, defaultHealthChecker.checks)
	defaultHealthChecker.mu.RUnlock()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]string),
	}

	for _, hc := range checks {
		if err := hc.Check(); err != nil {
			status.Status = "degraded"
			status.Checks[hc.Name] = err.Error()
		} else {
			status.Checks[hc.Name] = "ok"
		}
	}
	return status
}

// HealthzHandler handles GET /healthz requests.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	status := runChecks()
	w.Header().Set("Content-Type", "application/json")
	if status.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// MetricsServer starts an HTTP server for /metrics and /healthz on the given addr.
// It blocks until the provided stop channel is closed, then shuts down gracefully.
func MetricsServer(addr string, stop <-chan struct{}) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}
