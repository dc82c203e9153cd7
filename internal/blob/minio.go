package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

const noSuchKeyCode = "NoSuchKey"

var (
	// ErrObjectNotFound indicates that no object exists at the requested path.
	ErrObjectNotFound = errors.New("blob: object not found")

	errMissingEndpoint = errors.New("blob: endpoint is required")
	errMissingBucket   = errors.New("blob: bucket name is required")
	noOpLogger         = zap.NewNop()
)

// ObjectStore is the storage surface the version engine depends on. Blobs
// are immutable once written; Remove exists only for opportunistic cleanup
// of pruned or orphaned snapshots.
type ObjectStore interface {
	Upload(ctx context.Context, path string, payload []byte, contentType string) error
	Download(ctx context.Context, path string) ([]byte, error)
	Remove(ctx context.Context, path string) error
}

// MinioConfig holds the connection parameters for the snapshot bucket.
type MinioConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	Logger          *zap.Logger
}

// MinioStore implements ObjectStore against a MinIO/S3 bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinioStore connects to the object storage endpoint and ensures the
// snapshot bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, errMissingEndpoint
	}
	if cfg.Bucket == "" {
		return nil, errMissingBucket
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: connect to object storage: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("blob: check bucket %q: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("blob: create bucket %q: %w", cfg.Bucket, err)
		}
		logger.Info("snapshot bucket created", zap.String("bucket", cfg.Bucket))
	}

	return &MinioStore{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// Upload stores payload at path.
func (s *MinioStore) Upload(ctx context.Context, path string, payload []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, path,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("blob: upload %q: %w", path, err)
	}
	s.logger.Debug("blob uploaded",
		zap.String("path", path), zap.Int("bytes", len(payload)))
	return nil
}

// Download reads the full object at path.
func (s *MinioStore) Download(ctx context.Context, path string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blob: open %q: %w", path, err)
	}
	defer object.Close() //nolint:errcheck

	payload, err := io.ReadAll(object)
	if err != nil {
		var response minio.ErrorResponse
		if errors.As(err, &response) && response.Code == noSuchKeyCode {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("blob: read %q: %w", path, err)
	}
	return payload, nil
}

// Remove deletes the object at path. Removing an absent object is a no-op.
func (s *MinioStore) Remove(ctx context.Context, path string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blob: remove %q: %w", path, err)
	}
	return nil
}
