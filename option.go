package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/relay/archive"
	"github.com/rbaliyan/relay/dispatch"
	"github.com/rbaliyan/relay/parser"
	"github.com/rbaliyan/relay/provider"
	"github.com/rbaliyan/relay/store"
	"github.com/rbaliyan/relay/webhook"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// Default message limits
	DefaultMaxSubjectLength = 998              // RFC 5322 max line length
	DefaultMaxBodySize      = 10 * 1024 * 1024 // 10 MB per body part
	DefaultMaxRawSize       = 25 * 1024 * 1024 // 25 MB raw inbound document
	DefaultMaxHeaders       = 100

	// Inbound raw content larger than this goes to the archive when one is configured.
	DefaultArchiveThreshold = 256 * 1024

	// Query limits
	DefaultMaxQueryLimit = 500
	DefaultQueryLimit    = 50

	// Concurrency limits
	DefaultMaxConcurrentSends = 10 // max concurrent Send calls per service
)

// EventSink receives every emitted event after it is stored.
// eventstream/kafka.Sink implements it.
type EventSink interface {
	Publish(ctx context.Context, ev *store.Event) error
}

// options holds service configuration.
type options struct {
	store    store.Store
	sender   provider.Sender
	verifier provider.Verifier
	parser   *parser.Parser
	logger   *slog.Logger
	now      func() time.Time

	// Raw inbound content archive
	archive          archive.Archive
	archiveThreshold int

	// Message limits
	maxSubjectLength int
	maxBodySize      int
	maxRawSize       int
	maxHeaders       int

	// Query limits
	maxQueryLimit     int
	defaultQueryLimit int

	// Concurrency limits
	maxConcurrentSends int

	// Shutdown
	shutdownTimeout time.Duration

	// Subsystems
	dispatchOpts []dispatch.Option
	webhookOpts  []webhook.Option

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	sinks                 []EventSink
	eventErrorsFatal      bool                    // If true, bus and sink failures fail the emitting task
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// EventPublishFailureFunc is called when an event fails to reach the bus or a sink.
// target is "bus" or the sink index, eventType is e.g. "message.sent".
type EventPublishFailureFunc func(target, eventType string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
func (o *options) safeEventPublishFailure(target, eventType string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"target", target,
				"event", eventType,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(target, eventType, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:           slog.Default(),
		now:              time.Now,
		archiveThreshold: DefaultArchiveThreshold,
		// Message limits defaults
		maxSubjectLength: DefaultMaxSubjectLength,
		maxBodySize:      DefaultMaxBodySize,
		maxRawSize:       DefaultMaxRawSize,
		maxHeaders:       DefaultMaxHeaders,
		// Query limits defaults
		maxQueryLimit:     DefaultMaxQueryLimit,
		defaultQueryLimit: DefaultQueryLimit,
		// Concurrency limits defaults
		maxConcurrentSends: DefaultMaxConcurrentSends,
		// Shutdown defaults
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.defaultQueryLimit > o.maxQueryLimit {
		o.defaultQueryLimit = o.maxQueryLimit
	}
	if o.parser == nil {
		o.parser = parser.New(parser.WithMaxBodySize(o.maxBodySize))
	}

	// Ensure event failure callback is always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(target, eventType string, err error) {
			o.logger.Error("failed to publish event", "target", target, "event", eventType, "error", err)
		}
	}

	return o
}

// Option configures the relay service.
type Option func(*options)

// --- Core Options ---

// WithStore sets the storage backend (required).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithSender sets the email provider used by send_email tasks (required for Send).
func WithSender(s provider.Sender) Option {
	return func(o *options) {
		if s != nil {
			o.sender = s
		}
	}
}

// WithVerifier sets the verifier for inbound provider notifications.
// Without one every notification is rejected.
func WithVerifier(v provider.Verifier) Option {
	return func(o *options) {
		if v != nil {
			o.verifier = v
		}
	}
}

// WithParser replaces the default inbound parser.
func WithParser(p *parser.Parser) Option {
	return func(o *options) {
		if p != nil {
			o.parser = p
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

// WithClock overrides the time source of the service, its dispatcher and
// webhook deliverer. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// --- Subsystem Options ---

// WithArchive stores raw inbound content above threshold bytes in a.
// A threshold <= 0 keeps the default.
func WithArchive(a archive.Archive, threshold int) Option {
	return func(o *options) {
		o.archive = a
		if threshold > 0 {
			o.archiveThreshold = threshold
		}
	}
}

// WithDispatcherOptions passes options to the task dispatcher.
func WithDispatcherOptions(opts ...dispatch.Option) Option {
	return func(o *options) {
		o.dispatchOpts = append(o.dispatchOpts, opts...)
	}
}

// WithWebhookOptions passes options to the webhook scheduler and handler.
func WithWebhookOptions(opts ...webhook.Option) Option {
	return func(o *options) {
		o.webhookOpts = append(o.webhookOpts, opts...)
	}
}

// WithEventSink adds a sink that receives every emitted event.
func WithEventSink(s EventSink) Option {
	return func(o *options) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// --- OpenTelemetry Options ---

// WithTracing enables OpenTelemetry tracing.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables OpenTelemetry metrics.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name used for the event bus and telemetry.
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = mp
	}
}

// --- Message Limit Options ---

// WithMaxSubjectLength sets the maximum subject length in characters.
func WithMaxSubjectLength(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSubjectLength = n
		}
	}
}

// WithMaxBodySize sets the maximum size of a text or HTML body in bytes.
func WithMaxBodySize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodySize = n
		}
	}
}

// WithMaxRawSize sets the maximum accepted raw inbound document size in bytes.
func WithMaxRawSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxRawSize = n
		}
	}
}

// --- Query Limit Options ---

// WithMaxQueryLimit caps the number of records an operator query returns.
func WithMaxQueryLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxQueryLimit = n
		}
	}
}

// WithDefaultQueryLimit sets the limit used when a query does not set one.
func WithDefaultQueryLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.defaultQueryLimit = n
		}
	}
}

// --- Concurrency Options ---

// WithMaxConcurrentSends limits concurrent Send calls.
func WithMaxConcurrentSends(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentSends = n
		}
	}
}

// WithShutdownTimeout sets how long Close waits for in-flight sends.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal makes bus and sink failures fail the emitting
// operation, so the owning task is retried. By default they are logged.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets a custom event bus transport.
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		o.eventTransport = t
	}
}

// WithRedisClient publishes lifecycle events through Redis.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		o.redisClient = client
	}
}

// WithEventPublishFailureHandler sets the callback for bus and sink failures.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
