package audit

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveStore persists evidence packs to long-term object storage.
type ArchiveStore interface {
	// Put stores data under key and returns the storage location.
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// PackKey names an evidence pack by generation time and checksum.
func PackKey(generatedAt time.Time, checksum string) string {
	return fmt.Sprintf("evidence/%s/%s.zip", generatedAt.UTC().Format("2006/01/02"), checksum)
}

// S3ArchiveStore archives packs to AWS S3 (or any S3-compatible endpoint).
type S3ArchiveStore struct {
	client *s3.Client
	bucket string
}

// S3ArchiveConfig holds S3 connection settings.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
}

func NewS3ArchiveStore(ctx context.Context, cfg S3ArchiveConfig) (*S3ArchiveStore, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("audit: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})

	return &S3ArchiveStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3ArchiveStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("audit: s3 put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
