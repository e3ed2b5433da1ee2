package archive

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archiver stores receipts in an S3 (or S3-compatible) bucket.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver loads AWS configuration from the environment. A non-empty
// endpoint switches to path-style addressing for MinIO and localstack.
func NewS3Archiver(ctx context.Context, bucket, region, endpoint string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires S3_BUCKET")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{client: client, bucket: bucket}, nil
}

// Archive implements Archiver.
func (a *S3Archiver) Archive(ctx context.Context, key string, payload []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put s3 object %s: %w", key, err)
	}
	return nil
}
