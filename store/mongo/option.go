package mongo

import (
	"log/slog"
	"time"
)

// Default configuration values.
const (
	DefaultDatabase         = "relay"
	DefaultCollectionPrefix = ""
	DefaultTimeout          = 10 * time.Second
)

// options holds MongoDB store configuration.
type options struct {
	database string
	prefix   string
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func newOptions(opts ...Option) *options {
	o := &options{
		database: DefaultDatabase,
		prefix:   DefaultCollectionPrefix,
		timeout:  DefaultTimeout,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a MongoDB store.
type Option func(*options)

// WithDatabase sets the database name.
func WithDatabase(name string) Option {
	return func(o *options) {
		if name != "" {
			o.database = name
		}
	}
}

// WithCollectionPrefix prefixes every collection name.
func WithCollectionPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithTimeout sets the operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the clock used for record timestamps.
// Times are truncated to milliseconds, the precision MongoDB stores.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = func() time.Time { return now().UTC().Truncate(time.Millisecond) }
		}
	}
}
