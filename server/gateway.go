package server

import (
	"context"
	"io"

	log "github.com/sirupsen/logrus"
)

// Download is an open blob stream together with the metadata needed to
// serve it. The caller must close Body.
type Download struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	Size        int64
}

// Gateway resolves upload records to their content
type Gateway struct {
	blobs    BlobStore
	registry Registry
}

// NewGateway creates a gateway over the given stores
func NewGateway(blobs BlobStore, registry Registry) *Gateway {
	return &Gateway{blobs: blobs, registry: registry}
}

// Resolve looks up the record for id and opens its blob
func (g *Gateway) Resolve(ctx context.Context, id int64) (*Download, error) {
	record, err := g.registry.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	body, err := g.blobs.Get(ctx, record.StorageKey)
	if err != nil {
		if IsNotFound(err) {
			log.WithFields(log.Fields{
				"upload_id":   id,
				"storage_key": record.StorageKey,
			}).Error("Upload record references a missing blob")
		}
		return nil, err
	}

	return &Download{
		Body:        body,
		ContentType: record.ContentType,
		Filename:    record.OriginalFilename,
		Size:        record.SizeBytes,
	}, nil
}

// Audit walks every record and returns the IDs of those whose blob is
// missing. Such records are the result of out-of-band tampering with the
// blob store; Audit only reports them.
func (g *Gateway) Audit(ctx context.Context, pageSize int) ([]int64, error) {
	var dangling []int64
	iter := NewRecordIterator(ctx, g.registry, pageSize)
	for iter.Next() {
		record := iter.Record()
		exists, err := g.blobs.Exists(ctx, record.StorageKey)
		if err != nil {
			return dangling, err
		}
		if !exists {
			log.WithFields(log.Fields{
				"upload_id":   record.ID,
				"storage_key": record.StorageKey,
			}).Warn("Upload record references a missing blob")
			dangling = append(dangling, record.ID)
		}
	}
	return dangling, iter.Err()
}
