package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Backend stores blobs in an S3-compatible bucket, grounded on
// evalgo-org-eve's storage/s3aws.go client construction (regional config,
// shared HTTP client, manager.Uploader) generalized from that file's
// per-provider helpers to a single content-addressed Save/Open/Remove.
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	ctx      context.Context
}

var s3HTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// NewS3Backend builds a Backend against bucket in region, using the
// default AWS credential chain (environment, shared config, or instance
// role).
func NewS3Backend(ctx context.Context, bucket, region string) (*S3Backend, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws configuration: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = s3HTTPClient
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, fmt.Errorf("accessing bucket %s: %w", bucket, err)
	}

	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		ctx:      ctx,
	}, nil
}

func (b *S3Backend) Save(digest string, r io.Reader) (string, error) {
	key := shardKey(digest)
	_, err := b.uploader.Upload(b.ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return "", fmt.Errorf("uploading %s to %s: %w", key, b.bucket, err)
	}
	return key, nil
}

func (b *S3Backend) Open(location string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(b.ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(location),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("blobstore: object %s not found in bucket %s", location, b.bucket)
		}
		return nil, fmt.Errorf("getting %s from %s: %w", location, b.bucket, err)
	}
	return result.Body, nil
}

func (b *S3Backend) Remove(location string) error {
	_, err := b.client.DeleteObject(b.ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(location),
	})
	if err != nil {
		return fmt.Errorf("deleting %s from %s: %w", location, b.bucket, err)
	}
	return nil
}

func shardKey(digest string) string {
	if len(digest) < 3 {
		return digest
	}
	return digest[:3] + "/" + digest
}
