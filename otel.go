package relay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/relay"
)

// otelInstrumentation holds OpenTelemetry instrumentation for the relay service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Provider sends
	sendLatency metric.Float64Histogram
	sendCount   metric.Int64Counter
	sendErrors  metric.Int64Counter

	// Inbound notifications
	notificationCount    metric.Int64Counter
	notificationRejected metric.Int64Counter

	// Parsing
	parseLatency  metric.Float64Histogram
	parseFailures metric.Int64Counter

	// Events
	eventCount metric.Int64Counter
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	o.sendLatency, err = meter.Float64Histogram(
		"relay.send.duration",
		metric.WithDescription("Duration of provider send calls"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.sendCount, err = meter.Int64Counter(
		"relay.send.count",
		metric.WithDescription("Number of provider send calls"),
	)
	if err != nil {
		return err
	}

	o.sendErrors, err = meter.Int64Counter(
		"relay.send.errors",
		metric.WithDescription("Number of failed provider send calls"),
	)
	if err != nil {
		return err
	}

	o.notificationCount, err = meter.Int64Counter(
		"relay.notification.count",
		metric.WithDescription("Number of accepted provider notifications"),
	)
	if err != nil {
		return err
	}

	o.notificationRejected, err = meter.Int64Counter(
		"relay.notification.rejected",
		metric.WithDescription("Number of provider notifications rejected by signature or format checks"),
	)
	if err != nil {
		return err
	}

	o.parseLatency, err = meter.Float64Histogram(
		"relay.parse.duration",
		metric.WithDescription("Duration of inbound parsing"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.parseFailures, err = meter.Int64Counter(
		"relay.parse.failures",
		metric.WithDescription("Number of inbound messages that ended parse_failed"),
	)
	if err != nil {
		return err
	}

	o.eventCount, err = meter.Int64Counter(
		"relay.event.count",
		metric.WithDescription("Number of lifecycle events recorded"),
	)
	return err
}

// startSpan starts a span when tracing is enabled. The returned function ends it.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordSend records a provider send call.
func (o *otelInstrumentation) recordSend(ctx context.Context, duration time.Duration, outcome string, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))

	o.sendLatency.Record(ctx, duration.Seconds(), attrs)
	o.sendCount.Add(ctx, 1, attrs)
	if err != nil {
		o.sendErrors.Add(ctx, 1, attrs)
	}
}

// recordNotification records an inbound provider notification.
func (o *otelInstrumentation) recordNotification(ctx context.Context, notificationType string, rejected bool) {
	if !o.metricsEnabled {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", notificationType))
	if rejected {
		o.notificationRejected.Add(ctx, 1, attrs)
		return
	}
	o.notificationCount.Add(ctx, 1, attrs)
}

// recordParse records one parse of an inbound message.
func (o *otelInstrumentation) recordParse(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}
	o.parseLatency.Record(ctx, duration.Seconds())
	if err != nil {
		o.parseFailures.Add(ctx, 1)
	}
}

// recordEvent records a lifecycle event.
func (o *otelInstrumentation) recordEvent(ctx context.Context, eventType string, created bool) {
	if !o.metricsEnabled {
		return
	}
	o.eventCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.Bool("created", created),
	))
}
