// Package storage provides backfill.BlobCache backed by S3, so repeated
// per-DID backfills of the same repository snapshot don't re-fetch the CAR
// archive from the PDS.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config describes the S3 bucket a BlobCache stores archives in.
type Config struct {
	Bucket    string
	Region    string
	AccessKey string // empty uses the default credential chain
	SecretKey string
}

// S3BlobCache implements backfill.BlobCache against an S3-compatible bucket,
// using the caller's key as the object key (backfill.Fetcher passes the
// repo's DID).
type S3BlobCache struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// New constructs an S3BlobCache, loading credentials from the static
// key pair when given, otherwise falling back to the default AWS chain.
func New(ctx context.Context, cfg Config) (*S3BlobCache, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3BlobCache{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
	}, nil
}

// Get fetches a cached archive by key. A missing key is
// reported as (nil, false, nil), not an error — backfill.Fetcher treats a
// cache miss as "fetch from the PDS," not a failure.
func (c *S3BlobCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NoSuchKey
		if errors.As(err, &nf) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return data, true, nil
}

// Put stores an archive under key.
func (c *S3BlobCache) Put(ctx context.Context, key string, data []byte) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
