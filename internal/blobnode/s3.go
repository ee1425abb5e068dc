package blobnode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"bnuystore/internal/config"
)

// S3Store keeps blobs as objects under an optional key prefix in one
// bucket. Works against AWS proper or any S3-compatible store via a custom
// endpoint.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

var _ Store = (*S3Store)(nil)

// NewS3Store builds the store from configuration. Credentials come from
// the config file when set, otherwise from the default AWS chain.
func NewS3Store(ctx context.Context, cfg config.BlobStoreConfig) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 store requires s3_bucket to be set")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			// S3-compatible stores rarely support virtual-hosted buckets.
			o.UsePathStyle = true
		}
	})

	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
	}, nil
}

func (s *S3Store) key(id uuid.UUID) string {
	return path.Join(s.prefix, id.String())
}

// Put streams r to the object via the multipart upload manager, so blobs
// of unknown length never get buffered whole.
func (s *S3Store) Put(ctx context.Context, id uuid.UUID, r io.Reader, size int64) error {
	body := r
	if size >= 0 {
		body = io.LimitReader(r, size)
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("uploading object: %w", err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, id uuid.UUID) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, 0, ErrBlobNotFound
		}
		return nil, 0, fmt.Errorf("getting object: %w", err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// Delete removes the object. S3 reports success for a missing key, so a
// double delete is silently idempotent here, unlike the other backends.
func (s *S3Store) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}
