package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	log "github.com/sirupsen/logrus"
)

const (
	maxFilenameLength = 255
	// sniffLength is how much of the stream is inspected to infer a missing
	// content type.
	sniffLength = 3072
)

// IngestPolicy holds the limits applied to every upload
type IngestPolicy struct {
	MaxUploadBytes       int64
	MaxDescriptionLength int
	AllowedContentTypes  []string
	CompensationAttempts int
	CompensationTimeout  time.Duration
}

// IngestRequest describes one upload handed to the Coordinator
type IngestRequest struct {
	Description  string
	Filename     string
	ContentType  string
	Content      io.Reader
	DeclaredSize int64
}

// Coordinator validates uploads, writes their content to the BlobStore and
// registers their metadata, keeping the two consistent. It holds no
// per-call state and is safe for concurrent use.
type Coordinator struct {
	blobs    BlobStore
	registry Registry
	policy   IngestPolicy
}

// NewCoordinator creates a coordinator over the given stores
func NewCoordinator(blobs BlobStore, registry Registry, policy IngestPolicy) *Coordinator {
	if policy.CompensationAttempts <= 0 {
		policy.CompensationAttempts = 1
	}
	if policy.CompensationTimeout <= 0 {
		policy.CompensationTimeout = 5 * time.Second
	}
	return &Coordinator{blobs: blobs, registry: registry, policy: policy}
}

// Ingest validates and stores an upload, returning its registered record
func (c *Coordinator) Ingest(ctx context.Context, req IngestRequest) (*UploadRecord, error) {
	if err := validateFilename(req.Filename); err != nil {
		return nil, err
	}
	if req.DeclaredSize <= 0 {
		return nil, ErrEmptyPayload
	}
	if c.policy.MaxUploadBytes > 0 && req.DeclaredSize > c.policy.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, req.DeclaredSize, c.policy.MaxUploadBytes)
	}
	if req.Content == nil {
		return nil, ErrEmptyPayload
	}

	contentType, content, err := c.resolveContentType(req.ContentType, req.Content)
	if err != nil {
		return nil, err
	}
	if err := c.validateDescription(req.Description); err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{
		"filename":      req.Filename,
		"declared_size": req.DeclaredSize,
	})

	key, err := c.blobs.Put(ctx, &sizedReader{r: content, remaining: req.DeclaredSize}, req.DeclaredSize)
	if err != nil {
		if errors.Is(err, ErrSizeMismatch) {
			return nil, ErrSizeMismatch
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	logger = logger.WithField("storage_key", key)

	// The blob is complete, but the caller may have given up while it was
	// being written. Nothing has been registered yet, so back out.
	if err := ctx.Err(); err != nil {
		logger.Info("Upload canceled before registration")
		c.compensate(logger, key)
		return nil, err
	}

	record, err := c.registry.Insert(ctx, &UploadRecord{
		Description:      req.Description,
		StorageKey:       key,
		OriginalFilename: req.Filename,
		ContentType:      contentType,
		SizeBytes:        req.DeclaredSize,
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to register upload")
		c.compensate(logger, key)
		return nil, err
	}

	logger.WithField("upload_id", record.ID).Info("Upload ingested")
	return record, nil
}

// Delete removes an upload: record lookup, then blob, then record. A blob
// that cannot be deleted is logged and left behind; the record is removed
// regardless, since a stray blob is harmless while a record pointing at a
// missing blob is not.
func (c *Coordinator) Delete(ctx context.Context, id int64) error {
	record, err := c.registry.Get(ctx, id)
	if err != nil {
		return err
	}

	logger := log.WithFields(log.Fields{
		"upload_id":   id,
		"storage_key": record.StorageKey,
	})

	if err := c.blobs.Delete(ctx, record.StorageKey); err != nil {
		logger.WithError(err).Warn("Failed to delete blob, leaving it orphaned")
	}

	if err := c.registry.Delete(ctx, id); err != nil {
		return err
	}

	logger.Info("Upload deleted")
	return nil
}

// compensate deletes a blob whose registration did not happen. It runs on a
// detached context so a canceled request still cleans up, and never returns
// an error: failures are logged so they cannot mask the original error.
func (c *Coordinator) compensate(logger *log.Entry, key string) {
	for attempt := 1; attempt <= c.policy.CompensationAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.policy.CompensationTimeout)
		err := c.blobs.Delete(ctx, key)
		cancel()
		if err == nil {
			return
		}
		logger.WithError(err).WithField("attempt", attempt).Warn("Failed to delete unregistered blob")
	}
	logger.Warn("Giving up on unregistered blob")
}

// resolveContentType returns the declared content type, or sniffs one from
// the head of the stream. The returned reader still yields the full content.
func (c *Coordinator) resolveContentType(declared string, content io.Reader) (string, io.Reader, error) {
	contentType := strings.TrimSpace(declared)
	if contentType == "" {
		head := make([]byte, sniffLength)
		n, err := io.ReadFull(content, head)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return "", nil, fmt.Errorf("%w: read content: %v", ErrStorageRead, err)
		}
		head = head[:n]
		contentType = mimetype.Detect(head).String()
		content = io.MultiReader(bytes.NewReader(head), content)
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", nil, fmt.Errorf("%w: content type %q: %v", ErrValidation, contentType, err)
	}

	if len(c.policy.AllowedContentTypes) > 0 {
		allowed := false
		for _, t := range c.policy.AllowedContentTypes {
			if strings.EqualFold(t, mediaType) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", nil, fmt.Errorf("%w: content type %q is not allowed", ErrValidation, mediaType)
		}
	}

	return contentType, content, nil
}

func (c *Coordinator) validateDescription(description string) error {
	if c.policy.MaxDescriptionLength > 0 && utf8.RuneCountInString(description) > c.policy.MaxDescriptionLength {
		return fmt.Errorf("%w: description longer than %d characters", ErrValidation, c.policy.MaxDescriptionLength)
	}
	return nil
}

// validateFilename rejects names that could address anything other than a
// single file: separators, NUL, and the dot directories.
func validateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: filename is empty", ErrInvalidFilename)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	case len(name) > maxFilenameLength:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidFilename, maxFilenameLength)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidFilename, name)
	case !utf8.ValidString(name):
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidFilename)
	}
	return nil
}

// sizedReader yields exactly remaining bytes from r. It fails with
// ErrSizeMismatch when r ends early or holds more than declared, so a blob
// store never publishes content whose length disagrees with the record.
type sizedReader struct {
	r         io.Reader
	remaining int64
}

func (s *sizedReader) Read(p []byte) (int, error) {
	if s.remaining <= 0 {
		// Probe for surplus bytes beyond the declared size.
		var probe [1]byte
		n, err := s.r.Read(probe[:])
		if n > 0 {
			return 0, ErrSizeMismatch
		}
		if err == nil {
			return 0, nil
		}
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, err
	}

	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}
	n, err := s.r.Read(p)
	s.remaining -= int64(n)
	if errors.Is(err, io.EOF) {
		if s.remaining > 0 {
			return n, ErrSizeMismatch
		}
		// Defer EOF to the probe above so surplus input is still detected.
		return n, nil
	}
	return n, err
}
