package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures a MinioStore.
type MinioConfig struct {
	Endpoint      string // "host:port" or "http(s)://host:port"
	AccessKey     string
	SecretKey     string
	Region        string
	Bucket        string
	SkipTLSVerify bool
}

// MinioStore implements Store on top of minio-go. It works against any
// S3-compatible backend (MinIO, SeaweedFS, Ceph RGW, AWS S3).
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		secure = (u.Scheme == "https")
		return u.Host, secure, nil
	}

	// No scheme provided, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

// NewMinioStore builds the client. It does not contact the backend.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio: bucket is required")
	}
	endpoint, secure, err := normaliseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("minio: %w", err)
	}

	opts := &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	}
	if secure && cfg.SkipTLSVerify {
		tr, err := minio.DefaultTransport(secure)
		if err != nil {
			return nil, fmt.Errorf("minio: transport: %w", err)
		}
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		}
		tr.TLSClientConfig.InsecureSkipVerify = true
		opts.Transport = tr
	}

	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("minio: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func (s *MinioStore) Bucket() string { return s.bucket }

func (s *MinioStore) BucketExists(ctx context.Context) (bool, error) {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return false, minioError("head bucket", "", err)
	}
	return ok, nil
}

func (s *MinioStore) MakeBucket(ctx context.Context) error {
	err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	if err != nil {
		return minioError("create bucket", "", err)
	}
	return nil
}

func (s *MinioStore) PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return 0, minioError("put object", key, err)
	}
	return info.Size, nil
}

func (s *MinioStore) PresignedPutURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	var headers http.Header
	if contentType != "" {
		headers = http.Header{"Content-Type": []string{contentType}}
	}
	u, err := s.client.PresignHeader(ctx, http.MethodPut, s.bucket, key, ttl, nil, headers)
	if err != nil {
		return "", minioError("presign put", key, err)
	}
	return u.String(), nil
}

func (s *MinioStore) PresignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, ttl, nil)
	if err != nil {
		return "", minioError("presign get", key, err)
	}
	return u.String(), nil
}

func (s *MinioStore) DeleteObject(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return minioError("delete object", key, err)
	}
	return nil
}

func (s *MinioStore) ListObjects(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		// Cancelling stops minio's paging goroutine when the caller breaks early.
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		})
		for obj := range objects {
			if obj.Err != nil {
				yield(ObjectInfo{}, minioError("list objects", prefix, obj.Err))
				return
			}
			if !yield(ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified}, nil) {
				return
			}
		}
	}
}

// minioError classifies err: no HTTP status (network, timeout) or a 5xx means
// the backend is unavailable, anything else is a rejection.
func minioError(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	return &Error{
		Op:          op,
		Key:         key,
		Unavailable: resp.StatusCode == 0 || resp.StatusCode >= http.StatusInternalServerError,
		Err:         err,
	}
}
