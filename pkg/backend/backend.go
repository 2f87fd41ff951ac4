package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrNotFound is returned when a container or object does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidPath is returned for object names that would escape their
// container.
var ErrInvalidPath = errors.New("invalid object path")

// TypeS3Native selects the aws-sdk-go-v2 backend. Any other type names an
// rclone backend (e.g. "azureblob", "s3", "local").
const TypeS3Native = "s3native"

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Container   string    `json:"container"`
	Blob        string    `json:"blob"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"modTime"`
	ETag        string    `json:"etag,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
}

// Backend is the object storage the proxy serves from. Containers are
// Azure containers, S3 buckets, or top-level directories of an rclone root.
type Backend interface {
	// Name returns the configured name of this backend.
	Name() string

	// Type returns the backend type (e.g. "azureblob", "s3native").
	Type() string

	// Properties returns metadata for one object.
	Properties(ctx context.Context, container, blob string) (ObjectInfo, error)

	// Download opens the object for reading. The caller closes the reader.
	Download(ctx context.Context, container, blob string) (io.ReadCloser, ObjectInfo, error)

	// ListAll returns every object in container whose name starts with
	// prefix, recursively.
	ListAll(ctx context.Context, container, prefix string) ([]ObjectInfo, error)

	// Close releases resources held by this backend.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Name   string
	Type   string
	Root   string            // rclone root path; containers live beneath it
	Params map[string]string // rclone config keys
	S3     S3Config          // used when Type is TypeS3Native
}

// New creates the configured backend, wrapped with request metrics. The
// variant is chosen once here; callers only see the Backend interface.
func New(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Name == "" {
		cfg.Name = cfg.Type
	}
	var (
		b   Backend
		err error
	)
	switch cfg.Type {
	case "":
		return nil, fmt.Errorf("backend.New: type is required")
	case TypeS3Native:
		b, err = NewS3Backend(ctx, cfg.Name, cfg.S3)
	default:
		b, err = NewRcloneBackend(ctx, cfg.Name, cfg.Type, cfg.Root, cfg.Params)
	}
	if err != nil {
		return nil, err
	}
	return Instrument(b), nil
}

// checkPath rejects names that are empty, absolute or contain ".."
// segments.
func checkPath(container, blob string) error {
	if container == "" || blob == "" || strings.Contains(container, "/") {
		return fmt.Errorf("%w: %q/%q", ErrInvalidPath, container, blob)
	}
	if strings.HasPrefix(blob, "/") || container == ".." || container == "." {
		return fmt.Errorf("%w: %q/%q", ErrInvalidPath, container, blob)
	}
	for _, seg := range strings.Split(blob, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("%w: %q/%q", ErrInvalidPath, container, blob)
		}
	}
	return nil
}
