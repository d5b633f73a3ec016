package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	uri, err := m.Upload(ctx, "msg-1.eml", ContentTypeRFC822, strings.NewReader("From: a@b.io\r\n\r\nhi"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := ReadAll(ctx, m, uri, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "From: a@b.io\r\n\r\nhi" {
		t.Errorf("content = %q", b)
	}
	if _, err := ReadAll(ctx, m, uri, 4); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
	if err := m.Delete(ctx, uri); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(ctx, uri); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestKey(t *testing.T) {
	got := Key("inbound", "m1.eml", time.Date(2026, 2, 3, 23, 0, 0, 0, time.UTC))
	if got != "inbound/2026/02/03/m1.eml" {
		t.Errorf("Key = %q", got)
	}
}

func TestParseURI(t *testing.T) {
	bucket, key, err := ParseURI("s3", "s3://raw-mail/inbound/2026/02/03/m1.eml")
	if err != nil || bucket != "raw-mail" || key != "inbound/2026/02/03/m1.eml" {
		t.Errorf("ParseURI = %q, %q, %v", bucket, key, err)
	}
	for _, bad := range []string{"gs://b/k", "s3://bucket", "s3:///key", "bucket/key"} {
		if _, _, err := ParseURI("s3", bad); !errors.Is(err, ErrInvalidURI) {
			t.Errorf("ParseURI(%q) err = %v", bad, err)
		}
	}
}
