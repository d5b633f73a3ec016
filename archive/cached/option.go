package cached

import (
	"log/slog"
	"time"
)

// options holds cache configuration.
type options struct {
	dir     string
	maxSize int64
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures the cache.
type Option func(*options)

// WithDir sets the directory for cached objects.
// Default is a relay-archive directory under the system temp directory.
func WithDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.dir = dir
		}
	}
}

// WithMaxSize sets the maximum cache size in bytes. Default is 256MB.
// Objects that do not fit are served from the backend without caching.
func WithMaxSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.maxSize = size
		}
	}
}

// WithTTL sets how long a cached object is served. Default is 24 hours.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
