package server

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache, err := NewRedisCache(context.Background(), mr.Addr(), 60)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache, mr
}

func TestRedisCache_SetGetDelete(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	ctx := context.Background()

	record := &UploadRecord{
		ID:               12,
		Description:      "invoice",
		StorageKey:       newStorageKey(),
		OriginalFilename: "a.pdf",
		ContentType:      "application/pdf",
		SizeBytes:        5,
		CreatedAt:        time.Date(2024, 5, 1, 8, 0, 0, 42, time.UTC),
	}

	_, err := cache.GetRecord(ctx, record.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, cache.SetRecord(ctx, record))
	assert.True(t, mr.Exists("upload:12"))
	assert.Equal(t, 60*time.Second, mr.TTL("upload:12"))

	got, err := cache.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record, got)

	require.NoError(t, cache.DeleteRecord(ctx, record.ID))
	_, err = cache.GetRecord(ctx, record.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCache_Expiry(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	ctx := context.Background()

	require.NoError(t, cache.SetRecord(ctx, &UploadRecord{ID: 1, StorageKey: newStorageKey(), SizeBytes: 1}))
	mr.FastForward(61 * time.Second)

	_, err := cache.GetRecord(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisCache(ctx, addr, 60)
	assert.Error(t, err)
}

func TestCachedRegistry_ReadThrough(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	counting := &countingGetRegistry{Registry: NewMemoryRegistry()}
	reg := NewCachedRegistry(counting, cache)
	ctx := context.Background()

	record, err := reg.Insert(ctx, newTestRecord(1))
	require.NoError(t, err)
	assert.True(t, mr.Exists("upload:1"), "insert primes the cache")

	got, err := reg.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.StorageKey, got.StorageKey)
	assert.Equal(t, 0, counting.gets)

	mr.FlushAll()
	_, err = reg.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counting.gets)
	assert.True(t, mr.Exists("upload:1"), "a miss refills the cache")
}

func TestCachedRegistry_DeleteInvalidates(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	reg := NewCachedRegistry(NewMemoryRegistry(), cache)
	ctx := context.Background()

	record, err := reg.Insert(ctx, newTestRecord(1))
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, record.ID))
	assert.False(t, mr.Exists("upload:1"))

	_, err = reg.Get(ctx, record.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, reg.Delete(ctx, record.ID), ErrNotFound)
}

func TestCachedRegistry_CacheOutage(t *testing.T) {
	cache, mr := newTestRedisCache(t)
	reg := NewCachedRegistry(NewMemoryRegistry(), cache)
	ctx := context.Background()

	mr.Close()

	record, err := reg.Insert(ctx, newTestRecord(1))
	require.NoError(t, err, "cache failures never fail the operation")

	got, err := reg.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)

	require.NoError(t, reg.Delete(ctx, record.ID))
}

func TestCachedRegistry_NilCache(t *testing.T) {
	reg := NewCachedRegistry(NewMemoryRegistry(), nil)
	ctx := context.Background()

	record, err := reg.Insert(ctx, newTestRecord(1))
	require.NoError(t, err)
	got, err := reg.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	require.NoError(t, reg.Close(ctx))
}

type countingGetRegistry struct {
	Registry
	gets int
}

func (r *countingGetRegistry) Get(ctx context.Context, id int64) (*UploadRecord, error) {
	r.gets++
	return r.Registry.Get(ctx, id)
}
