package server

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultPageSize is used when List is called with a non-positive page size.
	DefaultPageSize = 20
	// MaxPageSize caps the number of records returned by a single List call.
	MaxPageSize = 100

	// uploadCounterName names the counter backends use for ID allocation
	uploadCounterName = "upload_id"
)

// UploadRecord represents the metadata of one uploaded file
type UploadRecord struct {
	ID               int64     `json:"id" msgpack:"id"`
	Description      string    `json:"description" msgpack:"description"`
	StorageKey       string    `json:"storage_key" msgpack:"storage_key"`
	OriginalFilename string    `json:"original_filename" msgpack:"original_filename"`
	ContentType      string    `json:"content_type" msgpack:"content_type"`
	SizeBytes        int64     `json:"size_bytes" msgpack:"size_bytes"`
	CreatedAt        time.Time `json:"created_at" msgpack:"created_at"`
}

// Page is one slice of a List traversal
type Page struct {
	Records    []*UploadRecord `json:"uploads"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Registry defines the interface for upload record operations.
//
// Implementations assign IDs and CreatedAt on Insert without races and list
// newest-first by CreatedAt, breaking ties by descending ID.
type Registry interface {
	// Insert stores a new record and returns a copy with ID and CreatedAt set
	Insert(ctx context.Context, record *UploadRecord) (*UploadRecord, error)

	// List returns up to pageSize records positioned strictly after cursor
	List(ctx context.Context, pageSize int, cursor string) (*Page, error)

	// Get retrieves a record by ID
	Get(ctx context.Context, id int64) (*UploadRecord, error)

	// Delete removes a record. The blob it references is left untouched.
	Delete(ctx context.Context, id int64) error

	// Close releases the resources held by the registry
	Close(ctx context.Context) error
}

// validateRecord checks the fields every registry requires before insert.
func validateRecord(record *UploadRecord) error {
	if record == nil {
		return fmt.Errorf("%w: record is nil", ErrValidation)
	}
	if record.SizeBytes <= 0 {
		return fmt.Errorf("%w: size_bytes must be positive, got %d", ErrValidation, record.SizeBytes)
	}
	if record.StorageKey == "" {
		return fmt.Errorf("%w: storage_key is required", ErrValidation)
	}
	return nil
}

// normalizePageSize applies the default and maximum page sizes.
func normalizePageSize(pageSize int) int {
	if pageSize <= 0 {
		return DefaultPageSize
	}
	if pageSize > MaxPageSize {
		return MaxPageSize
	}
	return pageSize
}

// newPage trims a result fetched with one extra row into a Page.
func newPage(records []*UploadRecord, pageSize int) *Page {
	page := &Page{Records: records}
	if len(records) > pageSize {
		page.Records = records[:pageSize]
		page.NextCursor = CursorFor(page.Records[pageSize-1])
	}
	if page.Records == nil {
		page.Records = []*UploadRecord{}
	}
	return page
}

func copyRecord(record *UploadRecord) *UploadRecord {
	c := *record
	return &c
}
