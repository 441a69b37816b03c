package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	fsTempDirName = ".tmp"
	fsBlobDirName = "blobs"
)

// FSBlobStore implements the BlobStore interface on a local directory.
//
// Blobs live under <root>/blobs/<k[0:2]>/<k[2:4]>/<k>. Content is first
// written to <root>/.tmp and renamed into place once fully synced, so a
// blob is either complete or absent.
type FSBlobStore struct {
	root     string
	fileMode os.FileMode
	dirMode  os.FileMode
}

// FSOption configures an FSBlobStore
type FSOption func(*FSBlobStore)

// WithFileMode sets the permission bits of blob files. Default is 0640.
func WithFileMode(mode os.FileMode) FSOption {
	return func(s *FSBlobStore) {
		s.fileMode = mode
	}
}

// WithDirMode sets the permission bits of shard directories. Default is 0750.
func WithDirMode(mode os.FileMode) FSOption {
	return func(s *FSBlobStore) {
		s.dirMode = mode
	}
}

// NewFSBlobStore creates a blob store rooted at root, creating the
// directory layout if needed
func NewFSBlobStore(root string, opts ...FSOption) (*FSBlobStore, error) {
	s := &FSBlobStore{
		root:     filepath.Clean(root),
		fileMode: 0640,
		dirMode:  0750,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, dir := range []string{fsBlobDirName, fsTempDirName} {
		if err := os.MkdirAll(filepath.Join(s.root, dir), s.dirMode); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return s, nil
}

// Put writes content to a temp file and publishes it under a new key
func (s *FSBlobStore) Put(ctx context.Context, content io.Reader, sizeHint int64) (string, error) {
	key := newStorageKey()

	tmp, err := os.CreateTemp(filepath.Join(s.root, fsTempDirName), key+"-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp file: %v", ErrStorageWrite, err)
	}
	tmpPath := tmp.Name()
	published := false
	defer func() {
		if !published {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, &contextReader{ctx: ctx, r: content}); err != nil {
		return "", fmt.Errorf("%w: write blob %s: %w", ErrStorageWrite, key, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("%w: sync blob %s: %v", ErrStorageWrite, key, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: close blob %s: %v", ErrStorageWrite, key, err)
	}
	if err := os.Chmod(tmpPath, s.fileMode); err != nil {
		return "", fmt.Errorf("%w: chmod blob %s: %v", ErrStorageWrite, key, err)
	}

	if err := s.publish(tmpPath, s.pathFor(key)); err != nil {
		return "", fmt.Errorf("%w: publish blob %s: %v", ErrStorageWrite, key, err)
	}
	published = true

	return key, nil
}

// publish renames a finished temp file into its shard directory. A
// concurrent Delete may prune the freshly created shard directory between
// MkdirAll and Rename, so the pair is retried a few times.
func (s *FSBlobStore) publish(tmpPath, dst string) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = os.MkdirAll(filepath.Dir(dst), s.dirMode); err != nil {
			return err
		}
		if err = os.Rename(tmpPath, dst); err == nil || !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return err
}

// Get opens a blob for reading
func (s *FSBlobStore) Get(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	if !validStorageKey(storageKey) {
		return nil, fmt.Errorf("blob %q: %w", storageKey, ErrNotFound)
	}

	f, err := os.Open(s.pathFor(storageKey))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blob %q: %w", storageKey, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: open blob %q: %v", ErrStorageRead, storageKey, err)
	}

	return f, nil
}

// Delete removes a blob and any shard directories left empty
func (s *FSBlobStore) Delete(ctx context.Context, storageKey string) error {
	if !validStorageKey(storageKey) {
		return nil
	}

	path := s.pathFor(storageKey)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %q: %w", storageKey, err)
	}

	s.cleanupEmptyDirs(path)
	return nil
}

// Exists reports whether a blob is present
func (s *FSBlobStore) Exists(ctx context.Context, storageKey string) (bool, error) {
	if !validStorageKey(storageKey) {
		return false, nil
	}

	_, err := os.Stat(s.pathFor(storageKey))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stat blob %q: %v", ErrStorageRead, storageKey, err)
	}
	return true, nil
}

// pathFor maps a key onto the two-level shard layout.
func (s *FSBlobStore) pathFor(key string) string {
	return filepath.Join(s.root, fsBlobDirName, key[0:2], key[2:4], key)
}

// cleanupEmptyDirs walks up from a deleted blob removing empty shard
// directories, stopping at the first non-empty one.
func (s *FSBlobStore) cleanupEmptyDirs(path string) {
	blobsDir := filepath.Join(s.root, fsBlobDirName)
	parent := filepath.Dir(path)

	for parent != blobsDir && parent != s.root && parent != "." && parent != "/" {
		entries, err := os.ReadDir(parent)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(parent); err != nil {
			break
		}
		parent = filepath.Dir(parent)
	}
}
