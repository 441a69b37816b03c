package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry implements the Registry interface in process memory. It is
// used for tests and single-process deployments that do not need records to
// survive a restart.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[int64]*UploadRecord
	nextID  int64
	newest  time.Time
	now     func() time.Time
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[int64]*UploadRecord),
		now:     time.Now,
	}
}

// Insert assigns the next ID and a creation time no earlier than any record
// already stored
func (r *MemoryRegistry) Insert(ctx context.Context, record *UploadRecord) (*UploadRecord, error) {
	if err := validateRecord(record); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	createdAt := timestamp(r.now().UnixNano())
	if createdAt.Before(r.newest) {
		createdAt = r.newest
	}
	r.newest = createdAt
	r.nextID++

	stored := copyRecord(record)
	stored.ID = r.nextID
	stored.CreatedAt = createdAt
	r.records[stored.ID] = stored

	return copyRecord(stored), nil
}

// List returns records newest-first, strictly after cursor
func (r *MemoryRegistry) List(ctx context.Context, pageSize int, cursor string) (*Page, error) {
	pageSize = normalizePageSize(pageSize)
	pos, hasCursor, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	matches := make([]*UploadRecord, 0, len(r.records))
	for _, record := range r.records {
		if hasCursor && !pos.after(record) {
			continue
		}
		matches = append(matches, copyRecord(record))
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID > matches[j].ID
	})

	if len(matches) > pageSize+1 {
		matches = matches[:pageSize+1]
	}
	return newPage(matches, pageSize), nil
}

// Get retrieves a record by ID
func (r *MemoryRegistry) Get(ctx context.Context, id int64) (*UploadRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.records[id]
	if !exists {
		return nil, fmt.Errorf("upload %d: %w", id, ErrNotFound)
	}
	return copyRecord(record), nil
}

// Delete removes a record
func (r *MemoryRegistry) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; !exists {
		return fmt.Errorf("upload %d: %w", id, ErrNotFound)
	}
	delete(r.records, id)
	return nil
}

// Close is a no-op
func (r *MemoryRegistry) Close(ctx context.Context) error {
	return nil
}

// timestamp converts unix nanoseconds into the UTC time stored on records.
func timestamp(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}

func nowNanos() int64 {
	return time.Now().UnixNano()
}
