// Package s3 resolves remote paths to presigned GET URLs on S3-compatible
// object storage (Supabase Storage, MinIO, AWS S3).
package s3

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/meigma/imagecache/resolver"
)

// DefaultExpiry is the validity window of presigned URLs.
const DefaultExpiry = time.Hour

// maxExpiry is the longest presign window S3 accepts.
const maxExpiry = 7 * 24 * time.Hour

// Config holds presigner configuration.
type Config struct {
	// Endpoint is the S3 host and optional port (e.g., "localhost:9000").
	Endpoint string

	// Bucket is the bucket holding the images.
	Bucket string

	// AccessKey and SecretKey authenticate the presigner.
	AccessKey string
	SecretKey string

	// Region is the bucket region. Optional for MinIO.
	Region string

	// UseSSL enables HTTPS URLs.
	UseSSL bool

	// Prefix is prepended to every remote path to form the object key.
	Prefix string

	// Expiry is the presigned URL lifetime. Zero uses DefaultExpiry.
	Expiry time.Duration

	// Client is an optional pre-configured MinIO client.
	// If provided, Endpoint/AccessKey/SecretKey/UseSSL/Region are ignored.
	Client *minio.Client
}

func (c *Config) validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if c.Expiry < 0 || c.Expiry > maxExpiry {
		return fmt.Errorf("expiry %s out of range (0, %s]", c.Expiry, maxExpiry)
	}
	if c.Client != nil {
		return nil
	}
	if c.Endpoint == "" {
		return errors.New("endpoint is required when client is not provided")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return errors.New("access key and secret key are required when client is not provided")
	}
	return nil
}

// Presigner implements resolver.Resolver by presigning GET requests.
type Presigner struct {
	client *minio.Client
	bucket string
	prefix string
	expiry time.Duration
}

// Interface compliance.
var _ resolver.Resolver = (*Presigner)(nil)

// New creates a Presigner.
func New(cfg Config) (*Presigner, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("create minio client: %w", err)
		}
	}

	expiry := cfg.Expiry
	if expiry == 0 {
		expiry = DefaultExpiry
	}

	return &Presigner{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		expiry: expiry,
	}, nil
}

// Resolve returns a presigned GET URL for remotePath.
//
// Presigning is a local computation unless the client has to discover the
// bucket region, in which case it performs one request.
func (p *Presigner) Resolve(ctx context.Context, remotePath string) (string, error) {
	key := p.objectKey(remotePath)
	if key == "" {
		return "", errors.New("empty object key")
	}
	u, err := p.client.PresignedGetObject(ctx, p.bucket, key, p.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", p.bucket, key, err)
	}
	return u.String(), nil
}

// Expiry returns the presigned URL lifetime.
func (p *Presigner) Expiry() time.Duration {
	return p.expiry
}

func (p *Presigner) objectKey(remotePath string) string {
	remotePath = strings.TrimPrefix(remotePath, "/")
	if p.prefix == "" {
		return remotePath
	}
	if remotePath == "" {
		return ""
	}
	return path.Join(p.prefix, remotePath)
}
