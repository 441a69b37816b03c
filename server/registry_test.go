package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type registryFactory func(t *testing.T) Registry

func registryBackends() map[string]registryFactory {
	return map[string]registryFactory{
		"memory": func(t *testing.T) Registry {
			return NewMemoryRegistry()
		},
		"sqlite": func(t *testing.T) Registry {
			path := filepath.Join(t.TempDir(), "uploads.db")
			r, err := NewSQLiteRegistry(context.Background(), path, 0)
			require.NoError(t, err)
			t.Cleanup(func() { r.Close(context.Background()) })
			return r
		},
	}
}

func newTestRecord(n int) *UploadRecord {
	return &UploadRecord{
		Description:      fmt.Sprintf("document %d", n),
		StorageKey:       newStorageKey(),
		OriginalFilename: fmt.Sprintf("file-%d.pdf", n),
		ContentType:      "application/pdf",
		SizeBytes:        int64(100 + n),
	}
}

func TestRegistryConformance(t *testing.T) {
	for name, factory := range registryBackends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("InsertAssignsIDAndTime", func(t *testing.T) { testRegistryInsert(t, factory(t)) })
			t.Run("InsertValidates", func(t *testing.T) { testRegistryInsertValidates(t, factory(t)) })
			t.Run("GetAndDelete", func(t *testing.T) { testRegistryGetDelete(t, factory(t)) })
			t.Run("ListOrderAndPaging", func(t *testing.T) { testRegistryList(t, factory(t)) })
			t.Run("ListEmpty", func(t *testing.T) { testRegistryListEmpty(t, factory(t)) })
			t.Run("ListPageSizeBounds", func(t *testing.T) { testRegistryPageSizeBounds(t, factory(t)) })
			t.Run("ListInvalidCursor", func(t *testing.T) { testRegistryInvalidCursor(t, factory(t)) })
			t.Run("ListStableUnderInsert", func(t *testing.T) { testRegistryStableUnderInsert(t, factory(t)) })
			t.Run("ConcurrentInsert", func(t *testing.T) { testRegistryConcurrentInsert(t, factory(t)) })
		})
	}
}

func testRegistryInsert(t *testing.T, r Registry) {
	ctx := context.Background()
	in := newTestRecord(1)

	first, err := r.Insert(ctx, in)
	require.NoError(t, err)
	assert.Positive(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())
	assert.Equal(t, in.StorageKey, first.StorageKey)
	assert.Equal(t, in.OriginalFilename, first.OriginalFilename)
	assert.Equal(t, in.SizeBytes, first.SizeBytes)
	assert.Zero(t, in.ID, "input record must not be modified")

	second, err := r.Insert(ctx, newTestRecord(2))
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)
	assert.False(t, second.CreatedAt.Before(first.CreatedAt))
}

func testRegistryInsertValidates(t *testing.T, r Registry) {
	ctx := context.Background()

	zero := newTestRecord(1)
	zero.SizeBytes = 0
	_, err := r.Insert(ctx, zero)
	assert.ErrorIs(t, err, ErrValidation)

	noKey := newTestRecord(2)
	noKey.StorageKey = ""
	_, err = r.Insert(ctx, noKey)
	assert.ErrorIs(t, err, ErrValidation)

	page, err := r.List(ctx, 10, "")
	require.NoError(t, err)
	assert.Empty(t, page.Records)
}

func testRegistryGetDelete(t *testing.T, r Registry) {
	ctx := context.Background()

	rec, err := r.Insert(ctx, newTestRecord(1))
	require.NoError(t, err)

	got, err := r.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.Description, got.Description)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, r.Delete(ctx, rec.ID))

	_, err = r.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Delete(ctx, rec.ID), ErrNotFound)

	_, err = r.Get(ctx, 999999)
	assert.True(t, IsNotFound(err))
}

func testRegistryList(t *testing.T, r Registry) {
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 7; i++ {
		rec, err := r.Insert(ctx, newTestRecord(i))
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	var seen []int64
	cursor := ""
	pages := 0
	for {
		page, err := r.List(ctx, 3, cursor)
		require.NoError(t, err)
		pages++
		assert.LessOrEqual(t, len(page.Records), 3)
		for _, rec := range page.Records {
			seen = append(seen, rec.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	require.Len(t, seen, len(ids))
	for i := range seen {
		// newest first
		assert.Equal(t, ids[len(ids)-1-i], seen[i])
	}
}

func testRegistryListEmpty(t *testing.T, r Registry) {
	page, err := r.List(context.Background(), 10, "")
	require.NoError(t, err)
	assert.NotNil(t, page.Records)
	assert.Empty(t, page.Records)
	assert.Empty(t, page.NextCursor)
}

func testRegistryPageSizeBounds(t *testing.T, r Registry) {
	ctx := context.Background()
	for i := 0; i < MaxPageSize+5; i++ {
		_, err := r.Insert(ctx, newTestRecord(i))
		require.NoError(t, err)
	}

	page, err := r.List(ctx, 0, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, DefaultPageSize)
	assert.NotEmpty(t, page.NextCursor)

	page, err = r.List(ctx, MaxPageSize*10, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, MaxPageSize)
	assert.NotEmpty(t, page.NextCursor)
}

func testRegistryInvalidCursor(t *testing.T, r Registry) {
	_, err := r.List(context.Background(), 10, "not a cursor!")
	assert.ErrorIs(t, err, ErrInvalidCursor)
	assert.True(t, IsValidation(err))
}

// Records inserted mid-traversal are newer than every cursor already handed
// out, so they never shift older records across page boundaries.
func testRegistryStableUnderInsert(t *testing.T, r Registry) {
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := r.Insert(ctx, newTestRecord(i))
		require.NoError(t, err)
	}

	first, err := r.List(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, first.Records, 2)

	_, err = r.Insert(ctx, newTestRecord(10))
	require.NoError(t, err)

	second, err := r.List(ctx, 2, first.NextCursor)
	require.NoError(t, err)
	require.Len(t, second.Records, 2)
	assert.Empty(t, second.NextCursor)
	assert.Less(t, second.Records[0].ID, first.Records[1].ID)
}

func testRegistryConcurrentInsert(t *testing.T, r Registry) {
	ctx := context.Background()
	const n = 20

	var wg sync.WaitGroup
	ids := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := r.Insert(ctx, newTestRecord(i))
			if assert.NoError(t, err) {
				ids <- rec.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	unique := make(map[int64]bool)
	for id := range ids {
		assert.False(t, unique[id], "duplicate id %d", id)
		unique[id] = true
	}
	assert.Len(t, unique, n)
}

func TestMemoryRegistry_ClampsCreatedAt(t *testing.T) {
	r := NewMemoryRegistry()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	times := []time.Time{base, base.Add(-time.Hour), base.Add(time.Second)}
	r.now = func() time.Time {
		next := times[0]
		times = times[1:]
		return next
	}

	ctx := context.Background()
	a, err := r.Insert(ctx, newTestRecord(1))
	require.NoError(t, err)
	b, err := r.Insert(ctx, newTestRecord(2))
	require.NoError(t, err)
	c, err := r.Insert(ctx, newTestRecord(3))
	require.NoError(t, err)

	assert.True(t, a.CreatedAt.Equal(base))
	assert.True(t, b.CreatedAt.Equal(base), "clock going backwards must not reorder records")
	assert.True(t, c.CreatedAt.Equal(base.Add(time.Second)))

	page, err := r.List(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	assert.Equal(t, []int64{c.ID, b.ID, a.ID},
		[]int64{page.Records[0].ID, page.Records[1].ID, page.Records[2].ID})
}

func TestSQLiteRegistry_ClampsCreatedAt(t *testing.T) {
	r, err := NewSQLiteRegistry(context.Background(), filepath.Join(t.TempDir(), "uploads.db"), 1)
	require.NoError(t, err)
	defer r.Close(context.Background())

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	ctx := context.Background()
	a, err := r.Insert(ctx, newTestRecord(1))
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(-time.Hour) }
	b, err := r.Insert(ctx, newTestRecord(2))
	require.NoError(t, err)

	assert.True(t, a.CreatedAt.Equal(base))
	assert.True(t, b.CreatedAt.Equal(base))
	assert.Greater(t, b.ID, a.ID)
}

func TestSQLiteRegistry_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploads.db")
	ctx := context.Background()

	r, err := NewSQLiteRegistry(ctx, path, 0)
	require.NoError(t, err)
	rec, err := r.Insert(ctx, newTestRecord(1))
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx))

	r, err = NewSQLiteRegistry(ctx, path, 0)
	require.NoError(t, err)
	defer r.Close(ctx)

	got, err := r.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.StorageKey, got.StorageKey)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}
