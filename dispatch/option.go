package dispatch

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/relay/retry"
	"github.com/rbaliyan/relay/store"
	"golang.org/x/time/rate"
)

// Default configuration values.
const (
	DefaultWorkers           = 4
	DefaultVisibilityTimeout = 60 * time.Second
	DefaultHandlerTimeout    = 45 * time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultMaxAttempts       = 5
)

// DefaultMaxAttemptsByKind holds the attempt limits for the built-in task kinds.
var DefaultMaxAttemptsByKind = map[store.Kind]int{
	store.KindSendEmail:           5,
	store.KindDeliverWebhook:      8,
	store.KindProcessInboundEmail: 3,
}

type options struct {
	logger         *slog.Logger
	workers        int
	workerPrefix   string
	visibility     time.Duration
	handlerTimeout time.Duration
	pollInterval   time.Duration
	backoff        retry.Config
	maxAttempts    map[store.Kind]int
	limits         map[store.Kind]*rate.Limiter
	notifier       Notifier
	now            func() time.Time
}

// Option configures a Dispatcher.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		logger:         slog.Default(),
		workers:        DefaultWorkers,
		visibility:     DefaultVisibilityTimeout,
		handlerTimeout: DefaultHandlerTimeout,
		pollInterval:   DefaultPollInterval,
		backoff:        retry.TaskConfig(),
		maxAttempts:    make(map[store.Kind]int, len(DefaultMaxAttemptsByKind)),
		limits:         make(map[store.Kind]*rate.Limiter),
		now:            time.Now,
	}
	for k, v := range DefaultMaxAttemptsByKind {
		o.maxAttempts[k] = v
	}
	for _, opt := range opts {
		opt(o)
	}
	// A handler must finish before its lease can be reclaimed.
	if o.handlerTimeout >= o.visibility {
		o.handlerTimeout = o.visibility * 3 / 4
	}
	if o.notifier == nil {
		o.notifier = NewLocalNotifier()
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithWorkers sets the number of concurrent workers started by Run.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithWorkerPrefix sets the prefix of worker ids recorded on claimed tasks.
func WithWorkerPrefix(prefix string) Option {
	return func(o *options) {
		o.workerPrefix = prefix
	}
}

// WithVisibilityTimeout sets how long a claimed task stays hidden from other workers.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.visibility = d
		}
	}
}

// WithHandlerTimeout bounds a single handler invocation.
// Values at or above the visibility timeout are lowered below it.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handlerTimeout = d
		}
	}
}

// WithPollInterval sets how often idle workers look for due tasks.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithBackoff sets the retry backoff curve.
func WithBackoff(cfg retry.Config) Option {
	return func(o *options) {
		o.backoff = cfg
	}
}

// WithMaxAttempts overrides the attempt limit for a kind.
func WithMaxAttempts(kind store.Kind, n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts[kind] = n
		}
	}
}

// WithRateLimit limits how often tasks of a kind are started, e.g. to stay
// under a provider's send rate.
func WithRateLimit(kind store.Kind, perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			o.limits[kind] = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithNotifier sets how idle workers learn about newly enqueued tasks.
func WithNotifier(n Notifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithClock overrides the clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
