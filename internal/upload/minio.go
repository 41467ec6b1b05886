package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store puts an object and returns the URL clients fetch it from.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// MinioStore writes to an S3-compatible bucket. The bucket is created and
// made publicly readable on first use.
type MinioStore struct {
	bucket        string
	publicBaseURL string
	client        *minio.Client
	logger        *slog.Logger

	bucketOnce sync.Once
	bucketErr  error
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

func NewMinioStore(cfg MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("upload: endpoint is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("upload: bucket is required")
	}

	client, err := minio.New(hostOf(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("upload: create client: %w", err)
	}

	base := strings.TrimSpace(cfg.PublicURL)
	if base == "" {
		base = endpoint
		if !strings.Contains(base, "://") {
			scheme := "http"
			if cfg.UseSSL {
				scheme = "https"
			}
			base = scheme + "://" + base
		}
	}

	return &MinioStore{
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(base, "/"),
		client:        client,
		logger:        logger,
	}, nil
}

func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	key = strings.Trim(key, "/")
	if key == "" {
		return "", errors.New("upload: object key is required")
	}
	if err := m.ensureBucket(ctx); err != nil {
		return "", err
	}
	_, err := m.client.PutObject(ctx, m.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload: put object: %w", err)
	}
	u := m.objectURL(key)
	m.logger.Info("image stored", "bucket", m.bucket, "key", key)
	return u, nil
}

func (m *MinioStore) ensureBucket(ctx context.Context) error {
	m.bucketOnce.Do(func() {
		exists, err := m.client.BucketExists(ctx, m.bucket)
		if err != nil {
			m.bucketErr = fmt.Errorf("upload: check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			m.bucketErr = fmt.Errorf("upload: create bucket: %w", err)
			return
		}
		policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, m.bucket)
		if err := m.client.SetBucketPolicy(ctx, m.bucket, policy); err != nil {
			m.bucketErr = fmt.Errorf("upload: set bucket policy: %w", err)
		}
	})
	return m.bucketErr
}

func (m *MinioStore) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", m.publicBaseURL, m.bucket, key)
}

func hostOf(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

var _ Store = (*MinioStore)(nil)
