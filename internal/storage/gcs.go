package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSStore keeps import files in a Cloud Storage bucket
type GCSStore struct {
	bucket *gcs.BucketHandle
}

// NewGCSStore wraps a bucket of an existing client
func NewGCSStore(client *gcs.Client, bucketName string) (*GCSStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name must be provided for GCS storage")
	}
	return &GCSStore{bucket: client.Bucket(bucketName)}, nil
}

// Put writes the object only if it does not already exist
func (s *GCSStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	writer := s.bucket.Object(path).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write to GCS object %s: %w", path, mapGCSError(err))
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS object %s: %w", path, mapGCSError(err))
	}
	return nil
}

func (s *GCSStore) Get(ctx context.Context, path string) ([]byte, error) {
	reader, err := s.bucket.Object(path).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %s: %w", path, mapGCSError(err))
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", path, err)
	}
	return data, nil
}

func (s *GCSStore) Delete(ctx context.Context, path string) error {
	if err := s.bucket.Object(path).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete GCS object %s: %w", path, mapGCSError(err))
	}
	return nil
}

func mapGCSError(err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return ErrObjectNotFound
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed {
		return ErrObjectExists
	}
	return err
}
