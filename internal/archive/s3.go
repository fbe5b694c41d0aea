package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/openmir/prearchive/internal/config"
)

// S3 archives sessions into a MinIO/S3 bucket, one object per staged file
// under the archive key prefix. The staged tree is removed after a full
// upload so redelivered archive tasks see the session gone and no-op.
type S3 struct {
	client *minio.Client
	bucket string
	region string
}

// NewS3 builds the backend from the Config.
func NewS3(cfg *config.Config) (*S3, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &S3{client: client, bucket: cfg.S3Bucket, region: cfg.S3Region}, nil
}

// EnsureBucket makes sure the archive bucket exists before first use.
func (s *S3) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// Commit uploads every staged file under dest and removes the staging tree.
func (s *S3) Commit(ctx context.Context, stagedDir, dest string) error {
	err := filepath.Walk(stagedDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(stagedDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(filepath.Join(dest, rel))
		_, err = s.client.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{})
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(stagedDir)
}
