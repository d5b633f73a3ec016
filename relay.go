package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/relay/dispatch"
	"github.com/rbaliyan/relay/store"
	"github.com/rbaliyan/relay/webhook"
	"golang.org/x/sync/semaphore"
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// Outbound sends email through the configured provider.
type Outbound interface {
	// Send records a queued message, emits message.queued and schedules the
	// provider call. It returns before the provider is contacted.
	Send(ctx context.Context, req SendRequest) (*store.Message, error)
}

// Inbound accepts email and status notifications from the provider.
type Inbound interface {
	// HandleNotification verifies and applies a raw provider notification.
	HandleNotification(ctx context.Context, header http.Header, body []byte) (*store.Message, error)
	// Receive records an already authenticated inbound email.
	Receive(ctx context.Context, email InboundEmail) (*store.Message, error)
}

// Operator provides inspection and manual recovery.
type Operator interface {
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	// FailedMessages lists messages in failed or parse_failed.
	FailedMessages(ctx context.Context, q MessageQuery) ([]*store.Message, error)
	// ExhaustedDeliveries lists webhook deliveries that ran out of attempts.
	ExhaustedDeliveries(ctx context.Context, limit int) ([]*store.WebhookDelivery, error)
	// Thread returns a thread and its messages in creation order.
	Thread(ctx context.Context, threadID string) (*store.Thread, []*store.Message, error)
	// MessageEvents returns the lifecycle events of a message in creation order.
	MessageEvents(ctx context.Context, messageID string) ([]*store.Event, error)
	// ReplayInbound puts a parse_failed message back through the parser.
	ReplayInbound(ctx context.Context, messageID string) (*store.Message, error)
	// RedeliverWebhook starts a new attempt sequence for a delivery.
	RedeliverWebhook(ctx context.Context, deliveryID string) (*store.WebhookDelivery, error)
	// FailedTasks lists tasks that failed for good.
	FailedTasks(ctx context.Context, kind store.Kind, limit int) ([]*store.Task, error)
	// RetryTask starts a new attempt sequence for a failed task.
	RetryTask(ctx context.Context, taskID string) error
}

// Destinations manages customer webhook endpoints.
type Destinations interface {
	AddDestination(ctx context.Context, inboxID, url, secret string) (*store.Destination, error)
	SetDestinationActive(ctx context.Context, id string, active bool) error
	ListDestinations(ctx context.Context, inboxID string) ([]*store.Destination, error)
}

// Service is the transactional email pipeline.
//
// Composed of:
//   - ServiceHealth: Health and state queries (IsConnected)
//   - Outbound: Send
//   - Inbound: HandleNotification, Receive
//   - Operator: failure queries, replay and redelivery
//   - Destinations: webhook endpoint management
type Service interface {
	ServiceHealth
	Outbound
	Inbound
	Operator
	Destinations

	// Connect establishes connections to storage backends and the event bus.
	Connect(ctx context.Context) error
	// Close waits for in-flight calls and closes all connections.
	Close(ctx context.Context) error
	// Run starts the task workers and blocks until ctx is canceled.
	Run(ctx context.Context) error
	// Dispatcher returns the task dispatcher, e.g. to process tasks one by one.
	Dispatcher() *dispatch.Dispatcher
	// Events returns per-service event instances for subscribing.
	Events() *ServiceEvents
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	store      store.Store
	logger     *slog.Logger
	opts       *options
	state      int32 // stateDisconnected, stateConnecting, or stateConnected
	otel       *otelInstrumentation
	sem        *semaphore.Weighted // Limits concurrent Send and HandleNotification calls
	dispatcher *dispatch.Dispatcher
	scheduler  *webhook.Scheduler
	eventBus   *event.Bus
	events     *ServiceEvents
}

// NewService creates a relay service and registers the send_email,
// process_inbound_email and deliver_webhook handlers with its dispatcher.
// Call Connect() to establish connections to backends.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	dispatchOpts := append([]dispatch.Option{
		dispatch.WithLogger(o.logger),
		dispatch.WithClock(o.now),
	}, o.dispatchOpts...)
	d := dispatch.New(o.store, dispatchOpts...)

	webhookOpts := append([]webhook.Option{
		webhook.WithLogger(o.logger),
		webhook.WithClock(o.now),
		webhook.WithMaxAttempts(d.MaxAttempts(store.KindDeliverWebhook)),
	}, o.webhookOpts...)

	s := &service{
		store:      o.store,
		logger:     o.logger,
		opts:       o,
		otel:       otelInstr,
		sem:        semaphore.NewWeighted(int64(o.maxConcurrentSends)),
		dispatcher: d,
		scheduler:  webhook.NewScheduler(o.store, d, webhookOpts...),
	}

	d.Register(store.KindSendEmail, &sendHandler{s: s})
	d.Register(store.KindProcessInboundEmail, &inboundHandler{s: s})
	d.Register(store.KindDeliverWebhook, webhook.NewHandler(o.store, webhookOpts...))

	return s, nil
}

// Events returns per-service event instances for subscribing and publishing.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// Dispatcher returns the task dispatcher.
func (s *service) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

func (s *service) checkConnected() error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Connect establishes connections to storage backends.
func (s *service) Connect(ctx context.Context) error {
	// stateDisconnected -> stateConnecting -> stateConnected
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	if err := s.initEventBus(ctx); err != nil {
		s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	success = true
	s.logger.Info("relay service connected")
	return nil
}

// Run starts the dispatcher workers and blocks until ctx is canceled.
func (s *service) Run(ctx context.Context) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	return s.dispatcher.Run(ctx)
}

// Close waits for in-flight calls and closes connections.
// Workers started with Run must be stopped by canceling their context first.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// No new calls can start once the state is disconnected. Acquiring every
	// slot waits for the ones still running.
	s.logger.Info("waiting for in-flight operations to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.sem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentSends)); err != nil {
		s.logger.Warn("timeout waiting for in-flight operations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.sem.Release(int64(s.opts.maxConcurrentSends))
		s.logger.Info("all in-flight operations completed")
	}

	if err := s.dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
	}

	// The noop transport holds no resources.
	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

// acquire takes one in-flight slot, failing once the service is closing.
func (s *service) acquire(ctx context.Context) (func(), error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(1) }, nil
}
