package registry

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config locates a registry document in an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	Key       string
	AccessKey string
	SecretKey string
	// Insecure disables TLS, for local MinIO and tests.
	Insecure bool
}

// S3Source reads the registry document from object storage.
type S3Source struct {
	client *minio.Client
	bucket string
	key    string
	etag   string
}

// NewS3Source creates a MinIO client for cfg.
func NewS3Source(cfg S3Config) (*S3Source, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" || cfg.Key == "" {
		return nil, fmt.Errorf("s3 endpoint, bucket and key are required")
	}

	opts := &minio.Options{
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.AccessKey != "" {
		opts.Creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		opts.Creds = credentials.NewEnvAWS()
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &S3Source{client: client, bucket: cfg.Bucket, key: cfg.Key}, nil
}

// fetch downloads the document and its ETag.
func (s *S3Source) fetch(ctx context.Context) ([]byte, string, error) {
	object, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get registry from S3: %w", err)
	}
	defer object.Close()

	info, err := object.Stat()
	if err != nil {
		return nil, "", fmt.Errorf("failed to stat registry object: %w", err)
	}

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read registry object: %w", err)
	}
	return data, info.ETag, nil
}

// changed reports whether the object's ETag differs from the last load.
func (s *S3Source) changed(ctx context.Context) (bool, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key, minio.StatObjectOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to stat registry object: %w", err)
	}
	return info.ETag != s.etag, nil
}

// LoadS3 loads the registry from src.
func (r *Registry) LoadS3(ctx context.Context, src *S3Source) error {
	data, etag, err := src.fetch(ctx)
	if err != nil {
		return err
	}
	// A rejected document is not retried until the object changes again.
	src.etag = etag
	return r.Load(data)
}

// PollS3 reloads the registry whenever the object's ETag changes, checking
// every interval until ctx is done. Errors are logged and polling continues.
func (r *Registry) PollS3(ctx context.Context, src *S3Source, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := src.changed(ctx)
			if err != nil {
				r.logger.Warn("Registry S3 check failed", "error", err)
				continue
			}
			if !changed {
				continue
			}
			if err := r.LoadS3(ctx, src); err != nil {
				r.logger.Warn("Registry reload failed, keeping previous snapshot",
					"bucket", src.bucket,
					"key", src.key,
					"error", err)
			}
		}
	}
}
