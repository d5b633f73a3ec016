// Package gcs archives raw email content in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/rbaliyan/relay/archive"
)

const (
	scheme     = "gs"
	cloudScope = "https://www.googleapis.com/auth/cloud-platform"
)

// Archive implements archive.Archive on GCS.
type Archive struct {
	client *storage.Client
	bucket string
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

var _ archive.Archive = (*Archive)(nil)

// New creates a GCS archive.
func New(ctx context.Context, opts ...Option) (*Archive, error) {
	o := &options{
		prefix: "inbound",
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.bucket == "" {
		return nil, fmt.Errorf("gcs archive: bucket is required")
	}

	clientOpts, err := clientOptions(o)
	if err != nil {
		return nil, fmt.Errorf("gcs archive: %w", err)
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("gcs archive: create client: %w", err)
	}
	return &Archive{
		client: client,
		bucket: o.bucket,
		prefix: o.prefix,
		now:    o.now,
		logger: o.logger,
	}, nil
}

// clientOptions picks the credential source. With none configured the
// client falls back to Application Default Credentials.
func clientOptions(o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	switch {
	case o.credentialsJSON != nil:
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{cloudScope},
			CredentialsJSON: o.credentialsJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from json: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	case o.credentialsFile != "":
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{cloudScope},
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from file: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))
	case o.apiKey != "":
		opts = append(opts, option.WithAPIKey(o.apiKey))
	}
	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}
	return opts, nil
}

// Upload stores content and returns a gs://bucket/key URI.
func (a *Archive) Upload(ctx context.Context, name, contentType string, content io.Reader) (string, error) {
	key := archive.Key(a.prefix, name, a.now())
	w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, content); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs archive: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs archive: close writer: %w", err)
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
	r, err := a.client.Bucket(bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", archive.ErrNotFound, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("gcs archive: open reader: %w", err)
	}
	return r, nil
}

// Delete removes the object at uri.
func (a *Archive) Delete(ctx context.Context, uri string) error {
	bucket, key, err := archive.ParseURI(scheme, uri)
	if err != nil {
		return err
	}
	if err := a.client.Bucket(bucket).Object(key).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("gcs archive: delete: %w", err)
	}
	a.logger.Debug("deleted archived content", "bucket", bucket, "key", key)
	return nil
}

// Close releases the client.
func (a *Archive) Close() error {
	return a.client.Close()
}
