// Package proxy serves objects from the configured backend and records one
// access per completed download.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/blobgate/blobgate/pkg/auth"
	"github.com/blobgate/blobgate/pkg/backend"
	"github.com/blobgate/blobgate/pkg/metrics"
	"github.com/blobgate/blobgate/pkg/usage"
)

// Recorder receives access facts. control.Engine implements it.
type Recorder interface {
	RecordAccess(container, blob, userID string)
}

// Handler serves the file routes.
type Handler struct {
	backend  backend.Backend
	recorder Recorder
}

// New creates a Handler reading from b and reporting accesses to rec.
func New(b backend.Backend, rec Recorder) *Handler {
	return &Handler{backend: b, recorder: rec}
}

// Register mounts the file routes on mux. GET patterns also match HEAD.
func (h *Handler) Register(mux *http.ServeMux) {
	const (
		filePattern = "GET /api/v1/files/{container}/{blob...}"
		listPattern = "GET /api/v1/files/{container}"
	)
	mux.Handle(filePattern, metrics.InstrumentHandler(filePattern, http.HandlerFunc(h.serveFile)))
	mux.Handle(listPattern, metrics.InstrumentHandler(listPattern, http.HandlerFunc(h.listFiles)))
}

// GET|HEAD /api/v1/files/{container}/{blob...}
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request) {
	container, blob := r.PathValue("container"), r.PathValue("blob")
	if err := validate(container, blob); err != nil {
		writeError(w, err)
		return
	}

	info, err := h.backend.Properties(r.Context(), container, blob)
	if err != nil {
		writeError(w, err)
		return
	}
	if r.Method == http.MethodHead {
		setObjectHeaders(w, info)
		w.WriteHeader(http.StatusOK)
		return
	}

	rc, dlInfo, err := h.backend.Download(r.Context(), container, blob)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	if dlInfo.Size > 0 || dlInfo.ContentType != "" {
		info = dlInfo
	}

	setObjectHeaders(w, info)
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, rc)
	if err != nil {
		slog.Warn("download interrupted",
			"container", container, "blob", blob, "bytes", n, "error", err)
		return
	}

	h.recorder.RecordAccess(container, blob, auth.UserFromContext(r.Context()))
}

// GET /api/v1/files/{container}?prefix=<p>
func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	container := r.PathValue("container")
	if err := usage.ValidateContainer(container); err != nil {
		writeError(w, err)
		return
	}
	objs, err := h.backend.ListAll(r.Context(), container, r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, err)
		return
	}
	if objs == nil {
		objs = []backend.ObjectInfo{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(objs); err != nil {
		slog.Warn("list encode failed", "container", container, "error", err)
	}
}

func validate(container, blob string) error {
	if err := usage.ValidateContainer(container); err != nil {
		return err
	}
	return usage.ValidateBlob(blob)
}

func setObjectHeaders(w http.ResponseWriter, info backend.ObjectInfo) {
	ct := info.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if info.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}
	if !info.ModTime.IsZero() {
		w.Header().Set("Last-Modified", info.ModTime.UTC().Format(http.TimeFormat))
	}
	if info.ETag != "" {
		w.Header().Set("ETag", strconv.Quote(info.ETag))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, usage.ErrInvalidInput), errors.Is(err, backend.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusBadGateway {
		slog.Error("backend request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
