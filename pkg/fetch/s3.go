package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nimbleos/otad/pkg/errors"
)

// s3Source serves payloads from an S3 bucket (s3://bucket/key URLs),
// using ranged GetObject calls for resume.
type s3Source struct {
	client *s3.Client
	bucket string
	key    string
	base   int64
	length int64
}

func newS3Source(ctx context.Context, bucket, key string, opts Options) (*s3Source, error) {
	slog.Info("s3_source_init", "bucket", bucket, "key", key, "region", opts.S3Region)

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.S3Region),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &s3Source{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		key:    key,
		base:   opts.Offset,
		length: opts.Length,
	}, nil
}

func (s *s3Source) OpenAt(ctx context.Context, offset int64) (io.ReadCloser, error) {
	start := s.base + offset
	rng := fmt.Sprintf("bytes=%d-", start)
	if s.length > 0 {
		rng = fmt.Sprintf("bytes=%d-%d", start, s.base+s.length-1)
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(rng),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "key", s.key, "error", err)
		return nil, errors.WithCode(errors.DownloadTransferError,
			errors.Wrap(err, "failed to get payload from S3"))
	}
	return result.Body, nil
}

func (s *s3Source) Size(ctx context.Context) (int64, error) {
	if s.length > 0 {
		return s.length, nil
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return -1, errors.WithCode(errors.DownloadTransferError,
			errors.Wrap(err, "failed to head payload object"))
	}
	if head.ContentLength == nil {
		return -1, nil
	}
	return *head.ContentLength - s.base, nil
}

func (s *s3Source) Close() error { return nil }
