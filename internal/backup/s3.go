package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"nvrstore/internal/config"
	"nvrstore/internal/logging"
)

// objectPutter is the part of the S3 client the uploader needs.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader uploads to an S3-compatible bucket. Each upload runs on its
// own goroutine and reports through the done callback, like the FTP
// client.
type S3Uploader struct {
	client objectPutter
	bucket string
	prefix string
	logger *slog.Logger
}

var _ Uploader = (*S3Uploader)(nil)

// NewS3Uploader builds an uploader from the object store configuration.
// Without static keys the SDK's default credential chain applies. A
// custom endpoint switches to path-style addressing.
func NewS3Uploader(ctx context.Context, cfg config.ObjectStoreConfig, logger *slog.Logger) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("object store: bucket required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("object store: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logging.Default(logger).With("component", "s3-uploader"),
	}, nil
}

// Upload opens local and starts a PutObject for it under the key prefix.
func (u *S3Uploader) Upload(ctx context.Context, local, remote string, done func(error)) error {
	f, err := os.Open(filepath.Clean(local))
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	key := path.Join(u.prefix, remote)
	go func() {
		defer func() { _ = f.Close() }()
		_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(u.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(fi.Size()),
		})
		if err != nil {
			u.logger.Warn("upload failed", "key", key, "error", err)
			err = fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
		}
		done(err)
	}()
	return nil
}
