// Package archive stores raw inbound email content outside the message
// store. Large MIME documents are offloaded here and the message keeps only
// the returned URI, which the parser task and operator replay read back.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"
)

// ContentTypeRFC822 is the content type of archived raw email.
const ContentTypeRFC822 = "message/rfc822"

var (
	// ErrNotFound is returned when an archived object does not exist.
	ErrNotFound = errors.New("archive: not found")

	// ErrInvalidURI is returned for a URI the archive does not own.
	ErrInvalidURI = errors.New("archive: invalid uri")

	// ErrTooLarge is returned by ReadAll when content exceeds the limit.
	ErrTooLarge = errors.New("archive: content too large")
)

// Archive is a blob store for raw email content.
type Archive interface {
	// Upload stores content under name and returns a URI for Load.
	Upload(ctx context.Context, name, contentType string, content io.Reader) (string, error)

	// Load returns a reader for the content at uri. Callers must close it.
	Load(ctx context.Context, uri string) (io.ReadCloser, error)

	// Delete removes the content at uri.
	Delete(ctx context.Context, uri string) error
}

// ReadAll loads uri fully, failing with ErrTooLarge past maxSize bytes.
func ReadAll(ctx context.Context, a Archive, uri string, maxSize int64) ([]byte, error) {
	r, err := a.Load(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	b, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", uri, err)
	}
	if int64(len(b)) > maxSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, uri)
	}
	return b, nil
}

// Key builds a date-partitioned object key: prefix/2006/01/02/name.
func Key(prefix, name string, now time.Time) string {
	return path.Join(prefix, now.UTC().Format("2006/01/02"), name)
}

// ParseURI splits "<scheme>://bucket/key".
func ParseURI(scheme, uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, scheme+"://")
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w (no key): %s", ErrInvalidURI, uri)
	}
	return bucket, key, nil
}

// Memory is an in-process Archive.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	now     func() time.Time
}

var _ Archive = (*Memory)(nil)

// NewMemory creates an empty in-process archive.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte), now: time.Now}
}

// Upload stores a copy of content.
func (m *Memory) Upload(ctx context.Context, name, contentType string, content io.Reader) (string, error) {
	b, err := io.ReadAll(content)
	if err != nil {
		return "", fmt.Errorf("archive: read content: %w", err)
	}
	uri := "mem://archive/" + Key("raw", name, m.now())
	m.mu.Lock()
	m.objects[uri] = b
	m.mu.Unlock()
	return uri, nil
}

// Load returns the stored content.
func (m *Memory) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	m.mu.RLock()
	b, ok := m.objects[uri]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

// Delete removes the content. Deleting a missing object is not an error.
func (m *Memory) Delete(ctx context.Context, uri string) error {
	m.mu.Lock()
	delete(m.objects, uri)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
