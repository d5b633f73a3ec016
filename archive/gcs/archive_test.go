package gcs

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/relay/archive"
)

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), WithAPIKey("k")); err == nil {
		t.Error("expected error without bucket")
	}
}

func TestForeignURIRejected(t *testing.T) {
	a, err := New(context.Background(), WithBucket("raw"), WithAPIKey("k"), WithEndpoint("http://127.0.0.1:1/storage/v1/"))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if _, err := a.Load(context.Background(), "s3://raw/x"); !errors.Is(err, archive.ErrInvalidURI) {
		t.Errorf("Load err = %v", err)
	}
}
