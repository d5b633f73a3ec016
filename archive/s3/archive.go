// Package s3 archives raw email content in Amazon S3 or an S3-compatible store.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rbaliyan/relay/archive"
	"github.com/rbaliyan/relay/internal/awsconfig"
)

const scheme = "s3"

// Archive implements archive.Archive on S3.
type Archive struct {
	client *s3.Client
	tm     *transfermanager.Client
	bucket string
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

var _ archive.Archive = (*Archive)(nil)

// New creates an S3 archive.
func New(ctx context.Context, opts ...Option) (*Archive, error) {
	o := &options{
		region: "us-east-1",
		prefix: "inbound",
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bucket == "" {
		return nil, fmt.Errorf("s3 archive: bucket is required")
	}

	cfg, err := awsconfig.Load(ctx, awsconfig.Settings{
		Region:          o.region,
		AccessKey:       o.accessKey,
		SecretKey:       o.secretKey,
		SessionToken:    o.sessionToken,
		RoleARN:         o.roleARN,
		RoleSessionName: o.roleSessionName,
		ExternalID:      o.externalID,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 archive: build aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = o.usePathStyle
		}
	})
	return &Archive{
		client: client,
		tm:     transfermanager.New(client),
		bucket: o.bucket,
		prefix: o.prefix,
		now:    o.now,
		logger: o.logger,
	}, nil
}

// Upload stores content and returns an s3://bucket/key URI.
func (a *Archive) Upload(ctx context.Context, name, contentType string, content io.Reader) (string, error) {
	key := archive.Key(a.prefix, name, a.now())
	_, err := a.tm.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        content,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 archive: upload: %w", err)
	}
	a.logger.Debug("archived raw content", "bucket", a.bucket, "key", key)
	return fmt.Sprintf("%s://%s/%s", scheme, a.bucket, key), nil
}

// Load returns a reader for the object at uri.
func (a *Archive) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, key, err := archive.ParseURI(scheme, uri)
	if err != nil {
		return nil, err
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", archive.ErrNotFound, uri)
		}
		return nil, fmt.Errorf("s3 archive: get object: %w", err)
	}
	return out.Body, nil
}

// Delete removes the object at uri.
func (a *Archive) Delete(ctx context.Context, uri string) error {
	bucket, key, err := archive.ParseURI(scheme, uri)
	if err != nil {
		return err
	}
	if _, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3 archive: delete object: %w", err)
	}
	a.logger.Debug("deleted archived content", "bucket", bucket, "key", key)
	return nil
}
