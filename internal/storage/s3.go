package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/aws/smithy-go/encoding/httpbinding"
)

const unsignedPayload = "UNSIGNED-PAYLOAD"

// S3Config configures an S3Store.
type S3Config struct {
	Endpoint      string // empty means the AWS default endpoint for Region
	AccessKey     string
	SecretKey     string
	Region        string
	Bucket        string
	SkipTLSVerify bool
}

// S3Store implements Store with the AWS SDK v2 using path-style addressing,
// so it also works against S3-compatible servers.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	region  string

	// Presigned PUTs are signed here so the content type is a signed header.
	endpoint string
	creds    aws.CredentialsProvider
	signer   *v4.Signer
	now      func() time.Time
}

// Seams for tests.
var (
	loadDefaultAWSConfig  = awsconfig.LoadDefaultConfig
	newS3ClientFromConfig = s3.NewFromConfig
)

// NewS3Store builds the SDK clients. It does not contact the backend.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("s3: region is required")
	}

	var baseEndpoint string
	if cfg.Endpoint != "" {
		host, secure, err := normaliseEndpoint(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		scheme := "http"
		if secure {
			scheme = "https"
		}
		baseEndpoint = scheme + "://" + host
	}

	awsCfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithHTTPClient(s3HTTPClient(cfg.SkipTLSVerify)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if baseEndpoint != "" {
			o.BaseEndpoint = aws.String(baseEndpoint)
		}
		o.UsePathStyle = true
		// S3-compatible servers often reject the SDK's default trailing checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	endpoint := baseEndpoint
	if endpoint == "" {
		endpoint = "https://s3." + cfg.Region + ".amazonaws.com"
	}

	return &S3Store{
		client:   client,
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
		region:   cfg.Region,
		endpoint: endpoint,
		creds:    awsCfg.Credentials,
		signer: v4.NewSigner(func(o *v4.SignerOptions) {
			// S3 paths are escaped once, by objectURL.
			o.DisableURIPathEscaping = true
		}),
		now: time.Now,
	}, nil
}

// s3HTTPClient returns a client the config loader can still customise, e.g.
// to add the roots from AWS_CA_BUNDLE.
func s3HTTPClient(insecure bool) *awshttp.BuildableClient {
	return awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		if !insecure {
			return
		}
		if tr.TLSClientConfig == nil {
			tr.TLSClientConfig = &tls.Config{}
		}
		tr.TLSClientConfig.InsecureSkipVerify = true
	})
}

// objectURL is the path-style URL of key, escaped the way S3 canonicalises it.
func (s *S3Store) objectURL(key string) (*url.URL, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, err
	}
	u.Path = "/" + s.bucket + "/" + key
	u.RawPath = "/" + httpbinding.EscapePath(s.bucket, true) + "/" + httpbinding.EscapePath(key, false)
	return u, nil
}

func (s *S3Store) Bucket() string { return s.bucket }

func (s *S3Store) BucketExists(ctx context.Context) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, s3Error("head bucket", "", err)
	}
	return true, nil
}

func (s *S3Store) MakeBucket(ctx context.Context) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	// us-east-1 is the one region that must not be named as a location constraint.
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return s3Error("create bucket", "", err)
	}
	return nil
}

func (s *S3Store) PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return 0, s3Error("put object", key, err)
	}
	return size, nil
}

func (s *S3Store) PresignedPutURL(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		return "", s3Error("presign put", key, err)
	}

	u, err := s.objectURL(key)
	if err != nil {
		return "", s3Error("presign put", key, err)
	}
	u.RawQuery = url.Values{"X-Amz-Expires": {strconv.FormatInt(int64(ttl/time.Second), 10)}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), nil)
	if err != nil {
		return "", s3Error("presign put", key, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	signed, _, err := s.signer.PresignHTTP(ctx, creds, req, unsignedPayload, "s3", s.region, s.now().UTC())
	if err != nil {
		return "", s3Error("presign put", key, err)
	}
	return signed, nil
}

func (s *S3Store) PresignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", s3Error("presign get", key, err)
	}
	return req.URL, nil
}

func (s *S3Store) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s3Error("delete object", key, err)
	}
	return nil
}

func (s *S3Store) ListObjects(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				yield(ObjectInfo{}, s3Error("list objects", prefix, err))
				return
			}
			for _, obj := range page.Contents {
				info := ObjectInfo{
					Key:          aws.ToString(obj.Key),
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified),
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

func s3StatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := s3StatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func s3Error(op, key string, err error) error {
	unavailable := true
	if status, ok := s3StatusCode(err); ok {
		unavailable = status >= http.StatusInternalServerError
	}
	return &Error{Op: op, Key: key, Unavailable: unavailable, Err: err}
}
