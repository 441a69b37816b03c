package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingRegistry records how many List calls reach the registry.
type countingRegistry struct {
	Registry
	lists int
	err   error
}

func (r *countingRegistry) List(ctx context.Context, pageSize int, cursor string) (*Page, error) {
	r.lists++
	if r.err != nil {
		return nil, r.err
	}
	return r.Registry.List(ctx, pageSize, cursor)
}

func seedRegistry(t *testing.T, r Registry, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		rec, err := r.Insert(context.Background(), newTestRecord(i))
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	return ids
}

func TestRecordIterator_WalksAllNewestFirst(t *testing.T) {
	reg := &countingRegistry{Registry: NewMemoryRegistry()}
	ids := seedRegistry(t, reg, 5)

	iter := NewRecordIterator(context.Background(), reg, 2)
	var seen []int64
	for iter.Next() {
		seen = append(seen, iter.Record().ID)
	}
	require.NoError(t, iter.Err())

	assert.Equal(t, []int64{ids[4], ids[3], ids[2], ids[1], ids[0]}, seen)
	assert.Equal(t, 3, reg.lists)
	assert.False(t, iter.Next(), "exhausted iterator stays exhausted")
	assert.Nil(t, iter.Record())
}

func TestRecordIterator_Lazy(t *testing.T) {
	reg := &countingRegistry{Registry: NewMemoryRegistry()}
	seedRegistry(t, reg, 10)

	iter := NewRecordIterator(context.Background(), reg, 3)
	assert.Equal(t, 0, reg.lists, "no page is fetched before Next")

	require.True(t, iter.Next())
	require.True(t, iter.Next())
	assert.Equal(t, 1, reg.lists)
}

func TestRecordIterator_RestartFromCursor(t *testing.T) {
	reg := NewMemoryRegistry()
	ids := seedRegistry(t, reg, 6)

	iter := NewRecordIterator(context.Background(), reg, 4)
	require.True(t, iter.Next())
	require.True(t, iter.Next())
	cursor := iter.Cursor()

	resumed := NewRecordIteratorFrom(context.Background(), reg, 4, cursor)
	var seen []int64
	for resumed.Next() {
		seen = append(seen, resumed.Record().ID)
	}
	require.NoError(t, resumed.Err())
	assert.Equal(t, []int64{ids[3], ids[2], ids[1], ids[0]}, seen)
}

func TestRecordIterator_Empty(t *testing.T) {
	iter := NewRecordIterator(context.Background(), NewMemoryRegistry(), 0)
	assert.False(t, iter.Next())
	assert.NoError(t, iter.Err())
}

func TestRecordIterator_Errors(t *testing.T) {
	boom := errors.New("registry unavailable")
	reg := &countingRegistry{Registry: NewMemoryRegistry(), err: boom}

	iter := NewRecordIterator(context.Background(), reg, 10)
	assert.False(t, iter.Next())
	assert.ErrorIs(t, iter.Err(), boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	iter = NewRecordIterator(ctx, NewMemoryRegistry(), 10)
	assert.False(t, iter.Next())
	assert.ErrorIs(t, iter.Err(), context.Canceled)
}
