package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	// Register rclone backends via blank imports.
	_ "github.com/rclone/rclone/backend/azureblob"
	_ "github.com/rclone/rclone/backend/googlecloudstorage"
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/s3"
	_ "github.com/rclone/rclone/backend/sftp"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/config/configmap"
	"github.com/rclone/rclone/fs/hash"
)

// RcloneBackend serves containers from an rclone fs.Fs. For azureblob and
// s3 the root is usually empty and containers are buckets; for local it
// is a directory whose subdirectories are containers.
type RcloneBackend struct {
	name     string
	backType string
	rfs      fs.Fs
}

// NewRcloneBackend creates a backend from config.
// backendType is the rclone backend name (e.g. "azureblob", "s3", "local").
// params maps rclone config keys to values.
func NewRcloneBackend(ctx context.Context, name, backendType, root string, params map[string]string) (*RcloneBackend, error) {
	regInfo, err := fs.Find(backendType)
	if err != nil {
		return nil, fmt.Errorf("backend.NewRcloneBackend: unknown type %q: %w", backendType, err)
	}

	rfs, err := regInfo.NewFs(ctx, name, root, configmap.Simple(params))
	if err != nil && !errors.Is(err, fs.ErrorIsFile) {
		return nil, fmt.Errorf("backend.NewRcloneBackend: create %q (%s): %w", name, backendType, err)
	}

	slog.Info("backend created",
		"component", "backend", "name", name,
		"type", backendType, "root", root,
	)
	return &RcloneBackend{name: name, backType: backendType, rfs: rfs}, nil
}

func (b *RcloneBackend) Name() string { return b.name }
func (b *RcloneBackend) Type() string { return b.backType }

func (b *RcloneBackend) object(ctx context.Context, op, container, blob string) (fs.Object, error) {
	if err := checkPath(container, blob); err != nil {
		return nil, fmt.Errorf("backend %s: %s: %w", b.name, op, err)
	}
	obj, err := b.rfs.NewObject(ctx, container+"/"+blob)
	switch {
	case err == nil:
		return obj, nil
	case errors.Is(err, fs.ErrorObjectNotFound), errors.Is(err, fs.ErrorIsDir),
		errors.Is(err, fs.ErrorNotAFile), errors.Is(err, fs.ErrorDirNotFound):
		return nil, fmt.Errorf("backend %s: %s %s/%s: %w", b.name, op, container, blob, ErrNotFound)
	default:
		return nil, fmt.Errorf("backend %s: %s %s/%s: %w", b.name, op, container, blob, err)
	}
}

// Properties returns metadata for one object.
func (b *RcloneBackend) Properties(ctx context.Context, container, blob string) (ObjectInfo, error) {
	obj, err := b.object(ctx, "Properties", container, blob)
	if err != nil {
		return ObjectInfo{}, err
	}
	return objectInfoFromRclone(ctx, container, obj), nil
}

// Download opens the object for reading.
func (b *RcloneBackend) Download(ctx context.Context, container, blob string) (io.ReadCloser, ObjectInfo, error) {
	obj, err := b.object(ctx, "Download", container, blob)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	rc, err := obj.Open(ctx)
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("backend %s: Download %s/%s: %w", b.name, container, blob, err)
	}
	return rc, objectInfoFromRclone(ctx, container, obj), nil
}

// ListAll walks the container and returns objects whose name starts with
// prefix.
func (b *RcloneBackend) ListAll(ctx context.Context, container, prefix string) ([]ObjectInfo, error) {
	if container == "" || strings.Contains(container, "/") {
		return nil, fmt.Errorf("backend %s: ListAll: %w: %q", b.name, ErrInvalidPath, container)
	}
	var out []ObjectInfo
	if err := b.walk(ctx, container, container, prefix, &out); err != nil {
		if errors.Is(err, fs.ErrorDirNotFound) {
			return nil, fmt.Errorf("backend %s: ListAll %s: %w", b.name, container, ErrNotFound)
		}
		return nil, fmt.Errorf("backend %s: ListAll %s: %w", b.name, container, err)
	}
	return out, nil
}

func (b *RcloneBackend) walk(ctx context.Context, container, dir, prefix string, out *[]ObjectInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := b.rfs.List(ctx, dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := strings.TrimPrefix(entry.Remote(), container+"/")
		switch e := entry.(type) {
		case fs.Directory:
			// Skip subtrees that cannot contain a match.
			sub := name + "/"
			if !strings.HasPrefix(sub, prefix) && !strings.HasPrefix(prefix, sub) {
				continue
			}
			if err := b.walk(ctx, container, e.Remote(), prefix, out); err != nil {
				return err
			}
		case fs.Object:
			if strings.HasPrefix(name, prefix) {
				*out = append(*out, objectInfoFromRclone(ctx, container, e))
			}
		}
	}
	return nil
}

// Close releases resources.
func (b *RcloneBackend) Close() error {
	slog.Info("backend closed", "component", "backend", "name", b.name)
	return nil
}

func objectInfoFromRclone(ctx context.Context, container string, obj fs.Object) ObjectInfo {
	oi := ObjectInfo{
		Container:   container,
		Blob:        strings.TrimPrefix(obj.Remote(), container+"/"),
		Size:        obj.Size(),
		ModTime:     obj.ModTime(ctx),
		ContentType: fs.MimeType(ctx, obj),
	}
	if h, err := obj.Hash(ctx, hash.MD5); err == nil && h != "" {
		oi.ETag = h
	}
	return oi
}
