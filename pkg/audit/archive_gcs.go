//go:build gcp

package audit

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSArchiveStore archives packs to Google Cloud Storage. Credentials come
// from Application Default Credentials.
type GCSArchiveStore struct {
	client *storage.Client
	bucket string
}

func NewGCSArchiveStore(ctx context.Context, bucket string) (*GCSArchiveStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: create GCS client: %w", err)
	}
	return &GCSArchiveStore{client: client, bucket: bucket}, nil
}

func (s *GCSArchiveStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/zip"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("audit: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("audit: gcs close %s: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// NewGCSArchive is the build-tagged factory hook.
func NewGCSArchive(ctx context.Context, bucket string) (ArchiveStore, error) {
	return NewGCSArchiveStore(ctx, bucket)
}
