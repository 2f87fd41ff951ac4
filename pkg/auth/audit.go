package auth

import (
	"log/slog"
	"sync"
	"time"
)

// AuditEntry records one identity resolution.
type AuditEntry struct {
	Timestamp time.Time `json:"ts"`
	Provider  string    `json:"provider"`
	UserID    string    `json:"user,omitempty"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// AuditLogger keeps the most recent identity resolutions in a ring buffer.
type AuditLogger struct {
	mu      sync.Mutex
	entries []AuditEntry
	maxSize int
	sink    func(AuditEntry) // optional external sink
}

// NewAuditLogger creates a new audit logger with the given ring buffer size.
func NewAuditLogger(maxSize int, sink func(AuditEntry)) *AuditLogger {
	return &AuditLogger{
		entries: make([]AuditEntry, 0, maxSize),
		maxSize: maxSize,
		sink:    sink,
	}
}

// Log records an audit entry.
func (al *AuditLogger) Log(entry AuditEntry) {
	al.mu.Lock()
	defer al.mu.Unlock()

	al.entries = append(al.entries, entry)
	if len(al.entries) > al.maxSize {
		// Trim to maxSize, keeping most recent entries
		al.entries = al.entries[len(al.entries)-al.maxSize:]
	}

	if entry.Success {
		slog.Debug("caller authenticated",
			"provider", entry.Provider,
			"user", entry.UserID,
			"path", entry.Path)
	} else {
		slog.Warn("caller rejected",
			"provider", entry.Provider,
			"method", entry.Method,
			"path", entry.Path,
			"error", entry.Error)
	}

	if al.sink != nil {
		al.sink(entry)
	}
}

// Recent returns the last N entries.
func (al *AuditLogger) Recent(limit int) []AuditEntry {
	al.mu.Lock()
	defer al.mu.Unlock()

	if limit > len(al.entries) {
		limit = len(al.entries)
	}
	if limit == 0 {
		return nil
	}
	result := make([]AuditEntry, limit)
	copy(result, al.entries[len(al.entries)-limit:])
	return result
}

// Len returns the current number of entries.
func (al *AuditLogger) Len() int {
	al.mu.Lock()
	defer al.mu.Unlock()
	return len(al.entries)
}
