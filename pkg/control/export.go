package control

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/blobgate/blobgate/pkg/usage"
)

// ExportFormat selects the serialization of an export.
type ExportFormat string

const (
	FormatJSON    ExportFormat = "json"
	FormatCSV     ExportFormat = "csv"
	FormatParquet ExportFormat = "parquet"
)

// ParseExportFormat parses a format name; empty means JSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatCSV, FormatParquet:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", usage.ErrUnsupportedFormat, s)
	}
}

// ContentType returns the HTTP content type of the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatParquet:
		return "application/vnd.apache.parquet"
	default:
		return "application/json"
	}
}

// ExportRequest selects what Export writes.
type ExportRequest struct {
	Format     ExportFormat
	Container  string
	Start      time.Time
	End        time.Time // extended to the end of its UTC day; zero is open-ended
	ExportedBy string
}

// ExportDocument is the JSON export envelope.
type ExportDocument struct {
	ExportedAt time.Time           `json:"exportedAt"`
	ExportedBy string              `json:"exportedBy"`
	Metrics    []usage.MetricEntry `json:"metrics"`
}

var csvHeader = []string{"Path/Container", "Blob", "TotalAccesses", "FirstAccessed", "LastAccessed", "RecentUsersCount"}

// Export merges every pending event, then writes the selected entries to w.
// Entries are written in key order.
func (e *Engine) Export(ctx context.Context, req ExportRequest, w io.Writer) error {
	if req.Format == "" {
		req.Format = FormatJSON
	}
	if _, err := ParseExportFormat(string(req.Format)); err != nil {
		return fmt.Errorf("control.Export: %w", err)
	}
	if req.Container != "" {
		if err := usage.ValidateContainer(req.Container); err != nil {
			return fmt.Errorf("control.Export: %w", err)
		}
	}
	f, err := e.rangeFilter(req.Start, req.End, req.Container, false)
	if err != nil {
		return fmt.Errorf("control.Export: %w", err)
	}
	if req.ExportedBy == "" {
		req.ExportedBy = usage.UnknownUser
	}

	release, err := e.acquire()
	if err != nil {
		return err
	}
	defer release()

	if err := e.collector.Flush(ctx); err != nil {
		return fmt.Errorf("control.Export: flush: %w", err)
	}
	entries, err := e.store.Query(ctx, f)
	if err != nil {
		return fmt.Errorf("control.Export: %w", err)
	}

	switch req.Format {
	case FormatCSV:
		err = WriteCSV(w, entries)
	case FormatParquet:
		err = WriteParquet(w, entries)
	default:
		err = json.NewEncoder(w).Encode(ExportDocument{
			ExportedAt: e.now().UTC(),
			ExportedBy: req.ExportedBy,
			Metrics:    nonNil(entries),
		})
	}
	if err != nil {
		return fmt.Errorf("control.Export: write %s: %w", req.Format, err)
	}
	slog.Info("metrics exported", "format", req.Format, "count", len(entries),
		"container", req.Container, "user", req.ExportedBy)
	return nil
}

func nonNil(entries []usage.MetricEntry) []usage.MetricEntry {
	if entries == nil {
		return []usage.MetricEntry{}
	}
	return entries
}

// WriteCSV writes entries as CSV with a fixed header row.
func WriteCSV(w io.Writer, entries []usage.MetricEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, m := range entries {
		row := []string{
			m.Container,
			m.Blob,
			strconv.FormatUint(m.TotalAccesses, 10),
			m.FirstAccessed.UTC().Format(time.RFC3339),
			m.LastAccessed.UTC().Format(time.RFC3339),
			strconv.Itoa(len(m.RecentUsers)),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// exportRow is the parquet layout of an exported entry.
type exportRow struct {
	Container       string   `parquet:"container,zstd"`
	Blob            string   `parquet:"blob,zstd"`
	TotalAccesses   int64    `parquet:"total_accesses"`
	FirstAccessedMs int64    `parquet:"first_accessed_ms"`
	LastAccessedMs  int64    `parquet:"last_accessed_ms"`
	RecentUsers     []string `parquet:"recent_users"`
}

// WriteParquet writes entries as a zstd-compressed parquet file.
func WriteParquet(w io.Writer, entries []usage.MetricEntry) error {
	rows := make([]exportRow, len(entries))
	for i, m := range entries {
		rows[i] = exportRow{
			Container:       m.Container,
			Blob:            m.Blob,
			TotalAccesses:   int64(m.TotalAccesses),
			FirstAccessedMs: m.FirstAccessed.UnixMilli(),
			LastAccessedMs:  m.LastAccessed.UnixMilli(),
			RecentUsers:     m.RecentUsers,
		}
	}
	pw := parquet.NewGenericWriter[exportRow](w, parquet.Compression(&parquet.Zstd))
	if len(rows) > 0 {
		if _, err := pw.Write(rows); err != nil {
			pw.Close()
			return fmt.Errorf("write rows: %w", err)
		}
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// ReadParquet reads entries written by WriteParquet from a file of the given
// size. A file that is not parquet is rejected as invalid input.
func ReadParquet(r io.ReaderAt, size int64) ([]usage.MetricEntry, error) {
	if _, err := parquet.OpenFile(r, size); err != nil {
		return nil, fmt.Errorf("control.ReadParquet: %w: %v", usage.ErrInvalidInput, err)
	}
	pr := parquet.NewGenericReader[exportRow](r)
	defer pr.Close()

	rows := make([]exportRow, pr.NumRows())
	n, err := pr.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("control.ReadParquet: read rows: %w", err)
	}
	entries := make([]usage.MetricEntry, 0, n)
	for _, row := range rows[:n] {
		entries = append(entries, usage.MetricEntry{
			Container:     row.Container,
			Blob:          row.Blob,
			TotalAccesses: uint64(row.TotalAccesses),
			FirstAccessed: time.UnixMilli(row.FirstAccessedMs).UTC(),
			LastAccessed:  time.UnixMilli(row.LastAccessedMs).UTC(),
			RecentUsers:   row.RecentUsers,
		})
	}
	return entries, nil
}

// DecodeExport reads a JSON export document.
func DecodeExport(r io.Reader) (ExportDocument, error) {
	var doc ExportDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return ExportDocument{}, fmt.Errorf("control.DecodeExport: %w: %v", usage.ErrInvalidInput, err)
	}
	return doc, nil
}

// DecodeImport reads the entries of a JSON or parquet export. CSV exports
// carry only a user count and cannot be imported.
func DecodeImport(format ExportFormat, data []byte) ([]usage.MetricEntry, error) {
	switch format {
	case FormatJSON:
		doc, err := DecodeExport(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return doc.Metrics, nil
	case FormatParquet:
		return ReadParquet(bytes.NewReader(data), int64(len(data)))
	default:
		return nil, fmt.Errorf("control.DecodeImport: %w: %q", usage.ErrUnsupportedFormat, format)
	}
}

// ImportEntries merges exported entries into the store with the usual merge
// semantics, so importing an export into an empty engine reproduces its
// totals. Invalid entries are skipped. It returns the number merged.
func (e *Engine) ImportEntries(ctx context.Context, entries []usage.MetricEntry) (int, error) {
	valid := make([]usage.MetricEntry, 0, len(entries))
	for _, m := range entries {
		if err := usage.ValidateContainer(m.Container); err != nil {
			slog.Warn("import entry skipped", "container", m.Container, "blob", m.Blob, "error", err)
			continue
		}
		if err := usage.ValidateBlob(m.Blob); err != nil {
			slog.Warn("import entry skipped", "container", m.Container, "blob", m.Blob, "error", err)
			continue
		}
		valid = append(valid, m)
	}
	// Re-aggregate so duplicate keys within one import become one delta.
	deltas := combine(valid, e.cfg.MaxRecentUsers)

	release, err := e.acquire()
	if err != nil {
		return 0, err
	}
	defer release()

	merged, err := e.store.Upsert(ctx, deltas)
	e.cache.Refresh(merged...)
	if err != nil {
		return len(merged), fmt.Errorf("control.ImportEntries: %w", err)
	}
	slog.Info("metrics imported", "count", len(merged))
	return len(merged), nil
}

func combine(entries []usage.MetricEntry, maxRecentUsers int) []usage.MetricEntry {
	index := make(map[string]int, len(entries))
	out := make([]usage.MetricEntry, 0, len(entries))
	for _, m := range entries {
		if i, ok := index[m.Key()]; ok {
			out[i] = usage.Merge(&out[i], m, maxRecentUsers)
			continue
		}
		index[m.Key()] = len(out)
		out = append(out, usage.Merge(nil, m, maxRecentUsers))
	}
	return out
}
