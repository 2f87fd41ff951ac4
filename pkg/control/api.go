package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/blobgate/blobgate/pkg/auth"
	"github.com/blobgate/blobgate/pkg/metrics"
	"github.com/blobgate/blobgate/pkg/usage"
)

const maxImportBytes = 256 << 20

// ImportResult is the response of the import endpoint.
type ImportResult struct {
	Imported int `json:"imported"`
}

// RegisterAPIRoutes registers all REST API routes on the given mux.
func (s *Server) RegisterAPIRoutes(mux *http.ServeMux) {
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, metrics.InstrumentHandler(pattern, h))
	}
	route("GET /api/v1/metrics/top", s.handleTop)
	route("GET /api/v1/metrics/containers", s.handleContainers)
	route("GET /api/v1/metrics/summary", s.handleSummary)
	route("GET /api/v1/metrics/range", s.handleRange)
	route("GET /api/v1/metrics/files/{container}/{blob...}", s.handleFile)
	route("GET /api/v1/metrics/export", s.handleExport)
	route("POST /api/v1/metrics/import", s.handleImport)
	route("POST /api/v1/metrics/persist", s.handlePersist)
	route("DELETE /api/v1/metrics", s.handleClear)
}

// GET /api/v1/metrics/top?limit=10&container=<name>
func (s *Server) handleTop(w http.ResponseWriter, r *http.Request) {
	limit, err := parseIntParam(r, "limit", DefaultQueryLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.engine.TopAccessedFiles(r.Context(), limit, r.URL.Query().Get("container"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, nonNil(entries))
}

// GET /api/v1/metrics/containers
func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.ContainerStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if stats == nil {
		stats = []ContainerStat{}
	}
	writeJSON(w, stats)
}

// GET /api/v1/metrics/summary?container=<name>
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.SummaryStats(r.Context(), r.URL.Query().Get("container"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, summary)
}

// GET /api/v1/metrics/range?start=2025-01-01&end=2025-01-31&container=<name>
func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("start") == "" {
		writeError(w, fmt.Errorf("start is required: %w", usage.ErrInvalidInput))
		return
	}
	start, err := parseDateParam(r, "start")
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := parseDateParam(r, "end")
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.engine.MetricsByTimeRange(r.Context(), start, end, q.Get("container"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, nonNil(entries))
}

// GET /api/v1/metrics/files/{container}/{blob...}
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	entry, err := s.engine.GetFileMetrics(r.Context(), r.PathValue("container"), r.PathValue("blob"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, entry)
}

// GET /api/v1/metrics/export?format=json|csv|parquet&container=&start=&end=
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format, err := ParseExportFormat(q.Get("format"))
	if err != nil {
		writeError(w, err)
		return
	}
	start, err := parseDateParam(r, "start")
	if err != nil {
		writeError(w, err)
		return
	}
	end, err := parseDateParam(r, "end")
	if err != nil {
		writeError(w, err)
		return
	}

	// Buffered so a failure can still produce an error status.
	var buf bytes.Buffer
	err = s.engine.Export(r.Context(), ExportRequest{
		Format:     format,
		Container:  q.Get("container"),
		Start:      start,
		End:        end,
		ExportedBy: auth.UserFromContext(r.Context()),
	}, &buf)
	if err != nil {
		writeError(w, err)
		return
	}

	filename := fmt.Sprintf("access-metrics-%s.%s", time.Now().UTC().Format("20060102-150405"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	buf.WriteTo(w)
}

// POST /api/v1/metrics/import?format=json|parquet
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	format, err := ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, fmt.Errorf("read body: %w: %v", usage.ErrInvalidInput, err))
		return
	}
	entries, err := DecodeImport(format, data)
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.engine.ImportEntries(r.Context(), entries)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("metrics imported via API", "user", auth.UserFromContext(r.Context()), "format", format, "entries", n)
	writeJSON(w, ImportResult{Imported: n})
}

// POST /api/v1/metrics/persist
func (s *Server) handlePersist(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ForcePersist(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// DELETE /api/v1/metrics
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	if err := s.engine.ClearMetrics(r.Context()); err != nil {
		slog.Warn("metrics clear failed", "user", user, "error", err)
		writeError(w, err)
		return
	}
	slog.Warn("metrics cleared via API", "user", user)
	writeJSON(w, map[string]string{"status": "ok"})
}

// ─── Helpers ──────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, usage.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, usage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, usage.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, usage.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("api request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func parseIntParam(r *http.Request, name string, defaultVal int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", name, usage.ErrInvalidInput)
	}
	return n, nil
}

// parseDateParam accepts YYYY-MM-DD (midnight UTC) or RFC 3339. A missing
// parameter yields the zero time.
func parseDateParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := parseTimestamp(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q: %w", s, usage.ErrInvalidInput)
}
