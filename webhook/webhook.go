// Package webhook delivers lifecycle events to customer endpoints.
//
// ScheduleDelivery creates one WebhookDelivery per active destination and
// queues a deliver_webhook task for each. The Handler runs those tasks: it
// POSTs the HMAC-signed JSON body with a bounded timeout, records every
// attempt on the delivery, and leaves backoff and the attempt limit to the
// dispatcher. A delivery ends delivered on any 2xx response or exhausted once
// the attempt limit is reached.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rbaliyan/relay/dispatch"
	"github.com/rbaliyan/relay/store"
)

// DefaultMaxAttempts is the per-delivery attempt limit.
const DefaultMaxAttempts = 8

var (
	// ErrDestinationInactive is returned when a delivery's destination was
	// disabled or removed. Such deliveries are exhausted without a POST.
	ErrDestinationInactive = errors.New("webhook: destination inactive")

	// ErrAttemptsExhausted is returned when a delivery has no attempts left.
	ErrAttemptsExhausted = errors.New("webhook: attempts exhausted")
)

// Stores is the persistence the webhook subsystem needs.
type Stores interface {
	store.EventStore
	store.DestinationStore
	store.DeliveryStore
}

// Enqueuer queues tasks. *dispatch.Dispatcher implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind store.Kind, payload any, opts ...dispatch.EnqueueOption) (string, error)
}

// TaskPayload is the deliver_webhook task payload.
type TaskPayload struct {
	DeliveryID string `json:"delivery_id"`
}

// TaskResult is recorded on a completed deliver_webhook task.
type TaskResult struct {
	Status     store.DeliveryStatus `json:"status"`
	StatusCode int                  `json:"status_code,omitempty"`
}

// options holds configuration shared by Scheduler and Handler.
type options struct {
	logger      *slog.Logger
	client      *Client
	maxAttempts int
	now         func() time.Time
}

// Option configures the webhook subsystem.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.client == nil {
		o.client = NewClient(DefaultTimeout, nil)
	}
	return o
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClient sets the HTTP client used for deliveries.
func WithClient(c *Client) Option {
	return func(o *options) {
		if c != nil {
			o.client = c
		}
	}
}

// WithMaxAttempts sets the per-delivery attempt limit. It should match the
// dispatcher's limit for deliver_webhook tasks.
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
