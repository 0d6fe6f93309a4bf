// storage/minio.go
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// ClipMirror copies finished clip files to object storage.
type ClipMirror interface {
	UploadClip(ctx context.Context, localPath string) (string, error)
}

// MinIOStore mirrors clips into a MinIO/S3 bucket.
type MinIOStore struct {
	client     *minio.Client
	bucket     string
	prefix     string
	logger     *zap.Logger
	config     MinIOConfig
	uploadPool chan struct{}

	metrics MinIOMetrics
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	Prefix          string // key prefix for clips

	MaxUploads     int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration
}

// MinIOMetrics tracks MinIO operations
type MinIOMetrics struct {
	TotalUploads  atomic.Uint64
	UploadBytes   atomic.Uint64
	UploadErrors  atomic.Uint64
	ActiveUploads atomic.Int32
}

// NewMinIOStore creates the client and ensures the bucket exists.
func NewMinIOStore(ctx context.Context, config MinIOConfig, logger *zap.Logger) (*MinIOStore, error) {
	if config.MaxUploads == 0 {
		config.MaxUploads = 2
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 5 * time.Minute
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client:     minioClient,
		bucket:     config.Bucket,
		prefix:     strings.Trim(config.Prefix, "/"),
		logger:     logger.Named("minio-store"),
		config:     config,
		uploadPool: make(chan struct{}, config.MaxUploads),
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		err = minioClient.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}

	return store, nil
}

// ClipKey maps a local clip file to its object key.
func ClipKey(prefix, localPath string) string {
	name := filepath.Base(localPath)
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// UploadClip uploads the file and returns its object key.
func (s *MinIOStore) UploadClip(ctx context.Context, localPath string) (string, error) {
	key := ClipKey(s.prefix, localPath)
	if err := s.putFile(ctx, key, localPath); err != nil {
		return "", err
	}
	return key, nil
}

func (s *MinIOStore) putFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}

	select {
	case s.uploadPool <- struct{}{}:
		defer func() { <-s.uploadPool }()
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.ActiveUploads.Add(1)
	defer s.metrics.ActiveUploads.Add(-1)

	putOpts := minio.PutObjectOptions{ContentType: detectContentType(filePath)}

	// Fresh backoff per operation
	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		if s.config.RetryBackoff > 0 {
			ebo.InitialInterval = s.config.RetryBackoff
		}
		ebo.Reset()
		if s.config.MaxRetries > 0 {
			return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
		}
		return ebo
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()

		info, err := s.client.PutObject(reqCtx, s.bucket, key, file, stat.Size(), putOpts)
		if err != nil {
			s.metrics.UploadErrors.Add(1)
			s.logger.Warn("Clip upload attempt failed",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}

		s.metrics.TotalUploads.Add(1)
		s.metrics.UploadBytes.Add(uint64(info.Size))

		s.logger.Debug("Clip uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(newBackoff(), ctx)); err != nil {
		return &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: getMinioStatusCode(err),
			Retryable:  true,
		}
	}
	return nil
}

// HealthCheck verifies the storage is accessible
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", s.bucket)}
	}
	return nil
}

// GetMetrics returns storage metrics
func (s *MinIOStore) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"total_uploads":  s.metrics.TotalUploads.Load(),
		"upload_bytes":   s.metrics.UploadBytes.Load(),
		"upload_errors":  s.metrics.UploadErrors.Load(),
		"active_uploads": s.metrics.ActiveUploads.Load(),
	}
}

// detectContentType attempts to detect content type from file extension
func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".mp4":
		return "video/mp4"
	case ".avi":
		return "video/x-msvideo"
	default:
		return "application/octet-stream"
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 500
}
