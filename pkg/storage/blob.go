package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/noah-isme/image-attribute-api/pkg/config"
)

// ErrNotFound is returned by Get when no blob exists under the reference.
var ErrNotFound = errors.New("blob not found")

// BlobStore persists raw uploaded bytes under opaque references. Implementations
// guarantee read-after-write and treat deleting a missing blob as success.
type BlobStore interface {
	Put(ctx context.Context, ref string, data []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// NewReference returns a fresh, collision-free reference below dir keeping ext.
func NewReference(dir, ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(dir, uuid.NewString()+ext)
}

// New builds the blob store selected by cfg.Driver.
func New(ctx context.Context, cfg config.StorageConfig) (BlobStore, error) {
	switch cfg.Driver {
	case "", config.StorageDriverLocal:
		return NewLocalStorage(cfg.LocalDir, cfg.Namespace)
	case config.StorageDriverS3:
		return NewS3Storage(ctx, cfg.S3, cfg.Namespace)
	case config.StorageDriverMinio:
		return NewMinioStorage(ctx, cfg.Minio, cfg.Namespace)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func objectKey(namespace, ref string) string {
	return path.Join(namespace, path.Clean("/"+ref)[1:])
}
