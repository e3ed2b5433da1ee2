// Package archive writes receipts to long-term object storage, partitioned
// by hour. Archival is best-effort and never gates the relational write.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/pathwell/fabric/pkg/config"
)

// Archiver persists one serialized receipt per call.
type Archiver interface {
	Archive(ctx context.Context, key string, payload []byte) error
}

// New selects an archive backend from configuration: "s3" (default),
// "gcs", or "none".
func New(ctx context.Context, cfg *config.Receipt) (Archiver, error) {
	switch cfg.ArchiveBackend {
	case "s3":
		return NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint)
	case "gcs":
		return NewGCSArchiver(ctx, cfg.GCSBucket)
	case "none", "":
		return NopArchiver{}, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
}

// PartitionKey builds the hour-partitioned object key for a receipt taken
// at ts, e.g. receipts/2026/08/24/13/receipt_1756040400.json.
func PartitionKey(ts time.Time) string {
	utc := ts.UTC()
	return fmt.Sprintf("receipts/%04d/%02d/%02d/%02d/receipt_%d.json",
		utc.Year(), utc.Month(), utc.Day(), utc.Hour(), utc.Unix())
}

// NopArchiver drops every object. Used when archival is disabled.
type NopArchiver struct{}

// Archive implements Archiver.
func (NopArchiver) Archive(context.Context, string, []byte) error { return nil }
