package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mikeyg42/stillwatch/internal/config"
)

const (
	minioMaxRetries   = 3
	minioRetryBackoff = 500 * time.Millisecond
)

// MinIOStore archives alert images in an S3-compatible bucket
type MinIOStore struct {
	client    *minio.Client
	bucket    string
	prefix    string
	maxStored int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewMinIOStore connects to the endpoint and creates the bucket if missing
func NewMinIOStore(ctx context.Context, cfg config.MinIOConfig, maxStored int, logger *zap.Logger) (*MinIOStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, &config.ConfigError{Field: "storage.minio", Value: cfg.Endpoint, Reason: "endpoint and bucket are required"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		maxStored: maxStored,
		timeout:   timeout,
		logger:    logger.Named("minio-store"),
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exists, err := client.BucketExists(cctx, cfg.Bucket)
	if err != nil {
		return nil, &StorageError{Op: "bucket_exists", Key: cfg.Bucket, Err: err, StatusCode: minioStatusCode(err)}
	}
	if !exists {
		if err := client.MakeBucket(cctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, &StorageError{Op: "make_bucket", Key: cfg.Bucket, Err: err, StatusCode: minioStatusCode(err)}
		}
		store.logger.Info("Created MinIO bucket", zap.String("bucket", cfg.Bucket))
	}

	return store, nil
}

func (s *MinIOStore) String() string {
	return "minio://" + s.bucket + "/" + s.prefix
}

// Key returns the object key for an image name
func (s *MinIOStore) Key(name string) string {
	return path.Join(s.prefix, name)
}

// Save uploads data with retries, then applies retention to the prefix
func (s *MinIOStore) Save(ctx context.Context, name string, data []byte, contentType string) error {
	key := s.Key(name)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = minioRetryBackoff
		ebo.Reset()
		return backoff.WithContext(backoff.WithMaxRetries(ebo, minioMaxRetries), ctx)
	}

	op := func() error {
		actx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		info, err := s.client.PutObject(actx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			if code := minioStatusCode(err); code == 400 || code == 403 {
				return backoff.Permanent(err)
			}
			return err
		}

		s.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, newBackoff()); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err, StatusCode: minioStatusCode(err), Retryable: true}
	}

	if _, err := s.Prune(ctx); err != nil {
		s.logger.Warn("Bucket retention cleanup failed", zap.Error(err))
	}
	return nil
}

// List returns the archived images under the prefix, newest first
func (s *MinIOStore) List(ctx context.Context) ([]ImageInfo, error) {
	prefix := s.prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var images []ImageInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, &StorageError{Op: "list", Err: obj.Err, StatusCode: minioStatusCode(obj.Err)}
		}
		if !IsImageName(obj.Key) {
			continue
		}
		images = append(images, ImageInfo{
			Name:        strings.TrimPrefix(obj.Key, prefix),
			Size:        obj.Size,
			ModTime:     obj.LastModified,
			ContentType: obj.ContentType,
		})
	}
	newestFirst(images)
	return images, nil
}

// Prune removes the oldest objects beyond the cap
func (s *MinIOStore) Prune(ctx context.Context) (int, error) {
	if s.maxStored <= 0 {
		return 0, nil
	}
	images, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	old := expired(images, s.maxStored)
	if len(old) == 0 {
		return 0, nil
	}

	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for _, img := range old {
			select {
			case objectsCh <- minio.ObjectInfo{Key: s.Key(img.Name)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	failed := 0
	for e := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		failed++
		s.logger.Error("Failed to delete object", zap.String("key", e.ObjectName), zap.Error(e.Err))
	}
	if failed > 0 {
		return len(old) - failed, &StorageError{Op: "delete_multiple", Err: fmt.Errorf("failed to delete %d objects", failed)}
	}
	return len(old), nil
}

// HealthCheck verifies the bucket is reachable
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health", Key: s.bucket, Err: err, StatusCode: minioStatusCode(err)}
	}
	return nil
}

func minioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return 403
		case "InvalidArgument", "InvalidBucketName":
			return 400
		default:
			return 500
		}
	}
	return 0
}
