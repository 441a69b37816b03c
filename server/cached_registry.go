package server

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// CachedRegistry wraps a Registry with a read-through record cache. Only
// lookups by ID are cached; List always reads the underlying registry.
// Cache failures are logged and never fail the operation.
type CachedRegistry struct {
	Registry
	cache Cache
}

// NewCachedRegistry decorates registry with cache
func NewCachedRegistry(registry Registry, cache Cache) *CachedRegistry {
	if cache == nil {
		cache = &NoOpCache{}
	}
	return &CachedRegistry{Registry: registry, cache: cache}
}

// Insert stores the record and primes the cache with it
func (r *CachedRegistry) Insert(ctx context.Context, record *UploadRecord) (*UploadRecord, error) {
	stored, err := r.Registry.Insert(ctx, record)
	if err != nil {
		return nil, err
	}

	if err := r.cache.SetRecord(ctx, stored); err != nil {
		log.WithError(err).WithField("upload_id", stored.ID).Warn("Failed to cache upload")
	}
	return stored, nil
}

// Get serves from the cache when possible and fills it on a miss
func (r *CachedRegistry) Get(ctx context.Context, id int64) (*UploadRecord, error) {
	if record, err := r.cache.GetRecord(ctx, id); err == nil {
		return record, nil
	} else if !IsNotFound(err) {
		log.WithError(err).WithField("upload_id", id).Warn("Failed to read upload from cache")
	}

	record, err := r.Registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := r.cache.SetRecord(ctx, record); err != nil {
		log.WithError(err).WithField("upload_id", id).Warn("Failed to cache upload")
	}
	return record, nil
}

// Delete invalidates the cache entry before removing the record, so a
// deleted record is never served from the cache afterwards
func (r *CachedRegistry) Delete(ctx context.Context, id int64) error {
	if err := r.cache.DeleteRecord(ctx, id); err != nil {
		log.WithError(err).WithField("upload_id", id).Warn("Failed to invalidate cached upload")
	}
	if err := r.Registry.Delete(ctx, id); err != nil {
		return err
	}
	// A concurrent Get may have refilled the entry between the two calls.
	if err := r.cache.DeleteRecord(ctx, id); err != nil {
		log.WithError(err).WithField("upload_id", id).Warn("Failed to invalidate cached upload")
	}
	return nil
}

// Close closes the cache and the underlying registry
func (r *CachedRegistry) Close(ctx context.Context) error {
	if err := r.cache.Close(); err != nil {
		log.WithError(err).Warn("Failed to close cache")
	}
	return r.Registry.Close(ctx)
}
