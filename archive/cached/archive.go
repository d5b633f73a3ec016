// Package cached wraps an archive.Archive with a local disk cache.
//
// Archived raw email is written once and read by the parser task, by its
// retries and by operator replays. The cache keeps those reads off the
// remote bucket. Objects are keyed by URI; an object is only committed to
// the cache after it was read to the end.
package cached

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rbaliyan/relay/archive"
)

var _ archive.Archive = (*Archive)(nil)

// Archive is a read-through cache in front of another archive.
type Archive struct {
	backend archive.Archive
	dir     string
	maxSize int64
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	size int64

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a cache around backend and starts its expiry loop.
// Call Close to stop the loop.
func New(backend archive.Archive, opts ...Option) (*Archive, error) {
	if backend == nil {
		return nil, errors.New("cached: backend is required")
	}
	o := &options{
		dir:     filepath.Join(os.TempDir(), "relay-archive"),
		maxSize: 256 << 20,
		ttl:     24 * time.Hour,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil, fmt.Errorf("cached: create cache dir: %w", err)
	}

	a := &Archive{
		backend: backend,
		dir:     o.dir,
		maxSize: o.maxSize,
		ttl:     o.ttl,
		logger:  o.logger,
		now:     o.now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	a.size = a.diskUsage()
	go a.expireLoop()
	return a, nil
}

// Upload stores content in the backend. Objects enter the cache on Load.
func (a *Archive) Upload(ctx context.Context, name, contentType string, content io.Reader) (string, error) {
	return a.backend.Upload(ctx, name, contentType, content)
}

// Load serves uri from the cache, or from the backend while filling the cache.
func (a *Archive) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	path := a.path(uri)
	if info, err := os.Stat(path); err == nil {
		if a.now().Sub(info.ModTime()) < a.ttl {
			if f, err := os.Open(path); err == nil {
				a.logger.Debug("archive cache hit", "uri", uri)
				return f, nil
			}
		} else {
			a.evict(path, info.Size())
		}
	}

	r, err := a.backend.Load(ctx, uri)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(a.dir, "tmp-*")
	if err != nil {
		a.logger.Warn("archive cache disabled for read", "uri", uri, "error", err)
		return r, nil
	}
	return &fillReader{src: r, tmp: tmp, dest: path, cache: a}, nil
}

// Delete removes uri from the cache and the backend.
func (a *Archive) Delete(ctx context.Context, uri string) error {
	path := a.path(uri)
	if info, err := os.Stat(path); err == nil {
		a.evict(path, info.Size())
	}
	return a.backend.Delete(ctx, uri)
}

// Close stops the expiry loop. The backend is not closed.
func (a *Archive) Close() error {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
	return nil
}

// Size returns the bytes currently held in the cache.
func (a *Archive) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

func (a *Archive) path(uri string) string {
	h := sha256.Sum256([]byte(uri))
	return filepath.Join(a.dir, hex.EncodeToString(h[:]))
}

func (a *Archive) evict(path string, size int64) {
	if err := os.Remove(path); err == nil {
		a.grow(-size)
	}
}

// reserve claims room for n bytes, reporting false when the cache is full.
func (a *Archive) reserve(n int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.size+n > a.maxSize {
		return false
	}
	a.size += n
	return true
}

func (a *Archive) grow(delta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.size = max(a.size+delta, 0)
}

func (a *Archive) diskUsage() int64 {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		a.logger.Warn("archive cache size scan failed", "error", err)
		return 0
	}
	var total int64
	for _, e := range entries {
		if info, err := e.Info(); err == nil && !e.IsDir() {
			total += info.Size()
		}
	}
	return total
}

func (a *Archive) expireLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.expire()
		}
	}
}

// expire removes cached objects older than the TTL.
func (a *Archive) expire() {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		a.logger.Warn("archive cache expiry scan failed", "error", err)
		return
	}
	now := a.now()
	var removed int
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || e.IsDir() || now.Sub(info.ModTime()) <= a.ttl {
			continue
		}
		a.evict(filepath.Join(a.dir, e.Name()), info.Size())
		removed++
	}
	if removed > 0 {
		a.logger.Info("archive cache expired objects", "removed", removed)
	}
}

// fillReader copies what it reads into a temp file and commits it on Close
// when the source was read to EOF.
type fillReader struct {
	src   io.ReadCloser
	tmp   *os.File
	dest  string
	cache *Archive
	n     int64
	eof   bool
	bad   bool
}

func (r *fillReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 && !r.bad {
		if _, werr := r.tmp.Write(p[:n]); werr != nil {
			r.cache.logger.Warn("archive cache write failed", "error", werr)
			r.bad = true
		}
		r.n += int64(n)
	}
	if errors.Is(err, io.EOF) {
		r.eof = true
	}
	return n, err
}

func (r *fillReader) Close() error {
	srcErr := r.src.Close()
	name := r.tmp.Name()
	_, statErr := os.Stat(r.dest)
	if err := r.tmp.Close(); err != nil || r.bad || !r.eof || statErr == nil || !r.cache.reserve(r.n) {
		os.Remove(name)
		return srcErr
	}
	if err := os.Rename(name, r.dest); err != nil {
		os.Remove(name)
		r.cache.grow(-r.n)
		r.cache.logger.Warn("archive cache commit failed", "error", err)
	}
	return srcErr
}
