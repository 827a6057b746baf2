// Package minio stores rendered artifacts and region boundaries in an
// S3-compatible bucket.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/yihaochen/urban-growth/internal/config"
	"github.com/yihaochen/urban-growth/internal/domain"
)

// PublicPrefix is readable without credentials once EnsureBucket has run.
const PublicPrefix = "ndbi/"

// Options configures the object store client.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	// PublicBaseURL overrides the artifact URL prefix, e.g. a CDN.
	PublicBaseURL string
}

// OptionsFromConfig maps service config onto client options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		UseSSL:        cfg.MinioUseSSL,
		PublicBaseURL: cfg.ArtifactBaseURL,
	}
}

// ObjectStore implements domain.ObjectStore on one bucket.
type ObjectStore struct {
	client  *miniogo.Client
	bucket  string
	baseURL string
}

// New creates a client. No request is made until first use.
func New(opts Options) (*ObjectStore, error) {
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := miniogo.New(opts.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	base := strings.TrimRight(opts.PublicBaseURL, "/")
	if base == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + opts.Endpoint + "/" + opts.Bucket
	}
	return &ObjectStore{client: client, bucket: opts.Bucket, baseURL: base}, nil
}

// EnsureBucket creates the bucket if needed and allows anonymous reads of
// rendered artifacts.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, miniogo.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
	}
	if err := s.client.SetBucketPolicy(ctx, s.bucket, publicReadPolicy(s.bucket)); err != nil {
		return fmt.Errorf("set bucket policy: %w", err)
	}
	return nil
}

func publicReadPolicy(bucket string) string {
	return fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/%s*"]}]}`, bucket, PublicPrefix)
}

func (s *ObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	opts := miniogo.PutObjectOptions{ContentType: contentType}
	if strings.HasPrefix(key, PublicPrefix) {
		opts.UserMetadata = map[string]string{"x-amz-acl": "public-read"}
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("put %s: %w: %w", key, domain.ErrTransientProcessing, err)
	}
	return nil
}

// Get reads a whole object. A missing key is domain.ErrNotFound.
func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, s.getErr(key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.getErr(key, err)
	}
	return data, nil
}

func (s *ObjectStore) getErr(key string, err error) error {
	if miniogo.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("get %s: %w", key, domain.ErrNotFound)
	}
	return fmt.Errorf("get %s: %w: %w", key, domain.ErrTransientProcessing, err)
}

// URL is the public address of an artifact.
func (s *ObjectStore) URL(key string) string {
	return s.baseURL + "/" + key
}
