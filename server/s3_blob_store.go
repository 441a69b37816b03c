package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3BlobStore implements the BlobStore interface using AWS S3
type S3BlobStore struct {
	s3Client   *s3.S3
	uploader   *s3manager.Uploader
	bucketName string
	keyPrefix  string
}

// NewS3BlobStore creates a new S3 blob store. endpoint may be empty; it is
// set for S3-compatible services such as MinIO or LocalStack.
func NewS3BlobStore(region, endpoint, bucketName, keyPrefix string) (*S3BlobStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}

	// Check if the bucket name contains placeholders
	if strings.Contains(bucketName, "[") || strings.Contains(bucketName, "]") {
		return nil, fmt.Errorf("S3 bucket name contains placeholders: %s", bucketName)
	}

	cfg := &aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}

	return &S3BlobStore{
		s3Client:   s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		bucketName: bucketName,
		keyPrefix:  keyPrefix,
	}, nil
}

// Put uploads a blob to S3. The object only becomes visible once the upload
// completes; the uploader aborts multipart uploads that fail midway.
func (s *S3BlobStore) Put(ctx context.Context, content io.Reader, sizeHint int64) (string, error) {
	key := newStorageKey()

	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(key)),
		Body:   &contextReader{ctx: ctx, r: content},
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to upload blob %s: %w", ErrStorageWrite, key, unwrapUploadErr(err))
	}

	return key, nil
}

// Get retrieves a blob from S3
func (s *S3BlobStore) Get(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	if !validStorageKey(storageKey) {
		return nil, fmt.Errorf("blob %q: %w", storageKey, ErrNotFound)
	}

	output, err := s.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(storageKey)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("blob %q: %w", storageKey, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: failed to get blob %q: %v", ErrStorageRead, storageKey, err)
	}

	return output.Body, nil
}

// Delete removes a blob from S3. S3 deletes are idempotent.
func (s *S3BlobStore) Delete(ctx context.Context, storageKey string) error {
	if !validStorageKey(storageKey) {
		return nil
	}

	_, err := s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(storageKey)),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("failed to delete blob %q: %v", storageKey, err)
	}

	return nil
}

// Exists checks for a blob with a HEAD request
func (s *S3BlobStore) Exists(ctx context.Context, storageKey string) (bool, error) {
	if !validStorageKey(storageKey) {
		return false, nil
	}

	_, err := s.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.objectKey(storageKey)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: failed to get blob metadata: %v", ErrStorageRead, err)
	}

	return true, nil
}

// objectKey prefixes a storage key with the configured key prefix
func (s *S3BlobStore) objectKey(storageKey string) string {
	return s.keyPrefix + storageKey
}

// isS3NotFound reports whether err is a missing object error. HEAD requests
// have no body, so S3 reports them as a bare "NotFound" code.
func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// unwrapUploadErr surfaces the reader error behind a failed upload, so that
// callers can match errors such as context.Canceled with errors.Is.
func unwrapUploadErr(err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.OrigErr() != nil {
		return aerr.OrigErr()
	}
	return err
}
