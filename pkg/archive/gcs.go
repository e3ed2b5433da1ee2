package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSArchiver stores receipts in a Google Cloud Storage bucket.
type GCSArchiver struct {
	client *storage.Client
	bucket string
}

// NewGCSArchiver connects using ambient credentials.
func NewGCSArchiver(ctx context.Context, bucket string) (*GCSArchiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs backend requires GCS_BUCKET")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: bucket}, nil
}

// Archive implements Archiver.
func (a *GCSArchiver) Archive(ctx context.Context, key string, payload []byte) error {
	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gcs object %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gcs object %s: %w", key, err)
	}
	return nil
}
