package s3

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/relay/archive"
)

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), WithCredentials("a", "b", "")); err == nil {
		t.Error("expected error without bucket")
	}
}

func TestForeignURIRejected(t *testing.T) {
	a, err := New(context.Background(),
		WithBucket("raw"),
		WithCredentials("a", "b", ""),
		WithEndpoint("http://127.0.0.1:1", true),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Load(context.Background(), "gs://raw/x"); !errors.Is(err, archive.ErrInvalidURI) {
		t.Errorf("Load err = %v", err)
	}
	if err := a.Delete(context.Background(), "s3://raw"); !errors.Is(err, archive.ErrInvalidURI) {
		t.Errorf("Delete err = %v", err)
	}
}
