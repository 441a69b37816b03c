package server

import (
	"context"
	"io"
	"strings"

	"github.com/google/uuid"
)

// BlobStore defines the interface for blob storage operations
type BlobStore interface {
	// Put writes content under a newly generated key and returns the key.
	// A blob that failed to write is never visible to Get.
	Put(ctx context.Context, content io.Reader, sizeHint int64) (string, error)

	// Get opens a blob for reading. The caller must close the reader.
	Get(ctx context.Context, storageKey string) (io.ReadCloser, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, storageKey string) error

	// Exists reports whether a blob is present
	Exists(ctx context.Context, storageKey string) (bool, error)
}

// newStorageKey generates a random, collision-resistant blob key.
func newStorageKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// validStorageKey reports whether key has the shape newStorageKey produces.
func validStorageKey(key string) bool {
	if len(key) != 32 {
		return false
	}
	for _, r := range key {
		if !(r >= '0' && r <= '9') && !(r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// contextReader fails reads once its context is done, so an upload aborted by
// the caller stops at the next chunk.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
