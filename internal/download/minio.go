package download

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinioArchiver struct {
	mc     *minio.Client
	bucket string
}

func NewMinioArchiver(cfg MinioConfig) (*MinioArchiver, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("archive endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("archive access key and secret key are required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "filings"
	}
	return &MinioArchiver{mc: mc, bucket: bucket}, nil
}

func (a *MinioArchiver) EnsureBucket(ctx context.Context) error {
	exists, err := a.mc.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := a.mc.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

func (a *MinioArchiver) Archive(ctx context.Context, key string, path string) (string, error) {
	_, err := a.mc.FPutObject(ctx, a.bucket, key, path, minio.PutObjectOptions{ContentType: "application/pdf"})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}

func (a *MinioArchiver) Restore(ctx context.Context, uri string, path string) error {
	bucket, key, err := parseURI(uri)
	if err != nil {
		return err
	}
	if err := a.mc.FGetObject(ctx, bucket, key, path, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("restore %s: %w", uri, err)
	}
	return nil
}

func parseURI(uri string) (string, string, error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("unsupported archive uri %q", uri)
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed archive uri %q", uri)
	}
	return bucket, key, nil
}
