// Package objstore resolves layer source references held in S3-compatible
// object storage. A source ref is either "s3://bucket/key" or a bare key in
// the configured default bucket.
package objstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Store wraps a MinIO client for dataset lookups and presigned downloads.
type Store struct {
	client        *minio.Client
	defaultBucket string
}

// New connects to the object store and verifies the default bucket exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Store{client: client, defaultBucket: cfg.Bucket}, nil
}

// StatSource verifies that the object behind a source ref exists.
func (s *Store) StatSource(ctx context.Context, sourceRef string) error {
	bucket, key, err := s.splitRef(sourceRef)
	if err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		return fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignGet returns a time-limited download URL for a source ref.
func (s *Store) PresignGet(ctx context.Context, sourceRef string, expiry time.Duration) (string, error) {
	bucket, key, err := s.splitRef(sourceRef)
	if err != nil {
		return "", err
	}
	presigned, err := s.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return presigned.String(), nil
}

func (s *Store) splitRef(sourceRef string) (bucket, key string, err error) {
	if rest, ok := strings.CutPrefix(sourceRef, "s3://"); ok {
		bucket, key, ok = strings.Cut(rest, "/")
		if !ok || bucket == "" || key == "" {
			return "", "", fmt.Errorf("malformed source ref %q", sourceRef)
		}
		return bucket, key, nil
	}
	if sourceRef == "" {
		return "", "", fmt.Errorf("empty source ref")
	}
	return s.defaultBucket, sourceRef, nil
}
