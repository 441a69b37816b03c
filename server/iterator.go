package server

import (
	"context"
)

// RecordIterator walks a Registry page by page, newest record first.
//
// Pages are fetched lazily. Each position is addressed by a keyset cursor
// rather than an offset, so records inserted while the walk is in progress
// never cause an older record to be skipped or returned twice. A walk can be
// restarted from any value returned by Cursor.
//
//	iter := NewRecordIterator(ctx, registry, 50)
//	for iter.Next() {
//		record := iter.Record()
//		// process record...
//	}
//	if err := iter.Err(); err != nil {
//		// handle error
//	}
type RecordIterator struct {
	ctx      context.Context
	registry Registry
	pageSize int

	buffered []*UploadRecord
	cursor   string
	current  *UploadRecord
	done     bool
	err      error
}

// NewRecordIterator returns an iterator starting at the newest record.
func NewRecordIterator(ctx context.Context, registry Registry, pageSize int) *RecordIterator {
	return NewRecordIteratorFrom(ctx, registry, pageSize, "")
}

// NewRecordIteratorFrom returns an iterator resuming after cursor.
func NewRecordIteratorFrom(ctx context.Context, registry Registry, pageSize int, cursor string) *RecordIterator {
	return &RecordIterator{
		ctx:      ctx,
		registry: registry,
		pageSize: normalizePageSize(pageSize),
		cursor:   cursor,
	}
}

// Next advances to the next record. It returns false when the walk is
// complete or an error occurred.
func (it *RecordIterator) Next() bool {
	if it.err != nil {
		return false
	}

	for len(it.buffered) == 0 {
		if it.done {
			it.current = nil
			return false
		}
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}

		page, err := it.registry.List(it.ctx, it.pageSize, it.cursor)
		if err != nil {
			it.err = err
			return false
		}
		it.buffered = page.Records
		if page.NextCursor == "" {
			it.done = true
		}
	}

	it.current = it.buffered[0]
	it.buffered = it.buffered[1:]
	it.cursor = CursorFor(it.current)
	return true
}

// Record returns the current record. Only valid after Next returns true.
func (it *RecordIterator) Record() *UploadRecord {
	return it.current
}

// Cursor returns a cursor that resumes the walk after the current record.
func (it *RecordIterator) Cursor() string {
	return it.cursor
}

// Err returns the error that stopped the walk, if any.
func (it *RecordIterator) Err() error {
	return it.err
}
