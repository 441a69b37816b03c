package server

import (
	"context"
)

// Cache defines the interface for record caching operations
type Cache interface {
	GetRecord(ctx context.Context, id int64) (*UploadRecord, error)
	SetRecord(ctx context.Context, record *UploadRecord) error
	DeleteRecord(ctx context.Context, id int64) error
	Close() error
}

// NoOpCache implements the Cache interface but does nothing
type NoOpCache struct{}

// GetRecord returns a not found error
func (c *NoOpCache) GetRecord(ctx context.Context, id int64) (*UploadRecord, error) {
	return nil, ErrNotFound
}

// SetRecord does nothing
func (c *NoOpCache) SetRecord(ctx context.Context, record *UploadRecord) error {
	return nil
}

// DeleteRecord does nothing
func (c *NoOpCache) DeleteRecord(ctx context.Context, id int64) error {
	return nil
}

// Close does nothing
func (c *NoOpCache) Close() error {
	return nil
}
