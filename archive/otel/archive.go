// Package otel adds OpenTelemetry tracing and metrics to an archive.Archive.
package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/relay/archive"
)

const instrumentationName = "github.com/rbaliyan/relay/archive/otel"

type options struct {
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures the instrumentation.
type Option func(*options)

// WithServiceName sets the service.name attribute. Default is "relay".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets the tracer provider. Default is the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets the meter provider. Default is the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// Archive wraps a backend with spans and metrics. Every operation records
// archive.operation.duration and archive.operation.errors with an "op"
// attribute; bytes moved go to archive.bytes.
type Archive struct {
	backend     archive.Archive
	serviceName string
	tracer      trace.Tracer

	duration metric.Float64Histogram
	errors   metric.Int64Counter
	bytes    metric.Int64Counter
}

var _ archive.Archive = (*Archive)(nil)

// New wraps backend.
func New(backend archive.Archive, opts ...Option) (*Archive, error) {
	o := &options{
		serviceName:    "relay",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	a := &Archive{
		backend:     backend,
		serviceName: o.serviceName,
		tracer:      o.tracerProvider.Tracer(instrumentationName),
	}
	meter := o.meterProvider.Meter(instrumentationName)

	var err error
	if a.duration, err = meter.Float64Histogram("archive.operation.duration",
		metric.WithDescription("Duration of archive operations"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if a.errors, err = meter.Int64Counter("archive.operation.errors",
		metric.WithDescription("Number of failed archive operations"),
	); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	if a.bytes, err = meter.Int64Counter("archive.bytes",
		metric.WithDescription("Bytes written to or read from the archive"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return a, nil
}

func (a *Archive) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, []attribute.KeyValue) {
	attrs = append(attrs,
		attribute.String("op", op),
		attribute.String("service.name", a.serviceName),
	)
	ctx, span := a.tracer.Start(ctx, "archive."+op,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	return ctx, span, attrs
}

func (a *Archive) finish(ctx context.Context, span trace.Span, attrs []attribute.KeyValue, start time.Time, err error) {
	set := metric.WithAttributes(attrs...)
	a.duration.Record(ctx, time.Since(start).Seconds(), set)
	if err != nil {
		a.errors.Add(ctx, 1, set)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Upload stores content.
func (a *Archive) Upload(ctx context.Context, name, contentType string, content io.Reader) (string, error) {
	ctx, span, attrs := a.start(ctx, "upload", attribute.String("archive.name", name))
	defer span.End()

	start := time.Now()
	counter := &countingReader{r: content}
	uri, err := a.backend.Upload(ctx, name, contentType, counter)
	a.finish(ctx, span, attrs, start, err)
	if err == nil {
		a.bytes.Add(ctx, counter.n, metric.WithAttributes(attrs...))
		span.SetAttributes(attribute.String("archive.uri", uri), attribute.Int64("archive.bytes", counter.n))
	}
	return uri, err
}

// Load opens content. The span ends when the reader is closed.
func (a *Archive) Load(ctx context.Context, uri string) (io.ReadCloser, error) {
	ctx, span, attrs := a.start(ctx, "load", attribute.String("archive.uri", uri))

	start := time.Now()
	r, err := a.backend.Load(ctx, uri)
	a.finish(ctx, span, attrs, start, err)
	if err != nil {
		span.End()
		return nil, err
	}
	return &instrumentedReader{r: r, ctx: ctx, span: span, attrs: attrs, bytes: a.bytes}, nil
}

// Delete removes content.
func (a *Archive) Delete(ctx context.Context, uri string) error {
	ctx, span, attrs := a.start(ctx, "delete", attribute.String("archive.uri", uri))
	defer span.End()

	start := time.Now()
	err := a.backend.Delete(ctx, uri)
	a.finish(ctx, span, attrs, start, err)
	return err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type instrumentedReader struct {
	r      io.ReadCloser
	ctx    context.Context
	span   trace.Span
	attrs  []attribute.KeyValue
	bytes  metric.Int64Counter
	n      int64
	closed bool
}

func (r *instrumentedReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *instrumentedReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.r.Close()
	r.bytes.Add(r.ctx, r.n, metric.WithAttributes(r.attrs...))
	r.span.SetAttributes(attribute.Int64("archive.bytes", r.n))
	if err != nil {
		r.span.RecordError(err)
	}
	r.span.End()
	return err
}
