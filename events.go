package relay

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/rbaliyan/relay/store"
	"go.opentelemetry.io/otel/attribute"
)

// LifecycleEvent is the bus payload for every recorded lifecycle event.
type LifecycleEvent struct {
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	MessageID string         `json:"message_id"`
	InboxID   string         `json:"inbox_id"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

func newLifecycleEvent(ev *store.Event) LifecycleEvent {
	return LifecycleEvent{
		EventID:   ev.ID,
		Type:      string(ev.Type),
		MessageID: ev.MessageID,
		InboxID:   ev.InboxID,
		ThreadID:  ev.ThreadID,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt,
	}
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
//
// Subscribe to events:
//
//	svc.Events().MessageReceived.Subscribe(ctx, handler)
//	svc.Events().MessageFailed.Subscribe(ctx, handler)
type ServiceEvents struct {
	MessageQueued    event.Event[LifecycleEvent]
	MessageSent      event.Event[LifecycleEvent]
	MessageFailed    event.Event[LifecycleEvent]
	MessageDelivered event.Event[LifecycleEvent]
	MessageBounced   event.Event[LifecycleEvent]
	MessageReceived  event.Event[LifecycleEvent]
	MessageParsed    event.Event[LifecycleEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	name := func(t store.EventType) string { return namePrefix + "." + string(t) }
	return &ServiceEvents{
		MessageQueued:    event.New[LifecycleEvent](name(store.EventMessageQueued)),
		MessageSent:      event.New[LifecycleEvent](name(store.EventMessageSent)),
		MessageFailed:    event.New[LifecycleEvent](name(store.EventMessageFailed)),
		MessageDelivered: event.New[LifecycleEvent](name(store.EventMessageDelivered)),
		MessageBounced:   event.New[LifecycleEvent](name(store.EventMessageBounced)),
		MessageReceived:  event.New[LifecycleEvent](name(store.EventMessageReceived)),
		MessageParsed:    event.New[LifecycleEvent](name(store.EventMessageParsed)),
	}
}

// ForType returns the event instance for a lifecycle type.
func (e *ServiceEvents) ForType(t store.EventType) (event.Event[LifecycleEvent], bool) {
	switch t {
	case store.EventMessageQueued:
		return e.MessageQueued, true
	case store.EventMessageSent:
		return e.MessageSent, true
	case store.EventMessageFailed:
		return e.MessageFailed, true
	case store.EventMessageDelivered:
		return e.MessageDelivered, true
	case store.EventMessageBounced:
		return e.MessageBounced, true
	case store.EventMessageReceived:
		return e.MessageReceived, true
	case store.EventMessageParsed:
		return e.MessageParsed, true
	}
	var zero event.Event[LifecycleEvent]
	return zero, false
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	for _, t := range eventTypes {
		ev, _ := events.ForType(t)
		if err := event.Register(ctx, bus, ev); err != nil {
			return fmt.Errorf("register %s: %w", t, err)
		}
	}
	return nil
}

var eventTypes = []store.EventType{
	store.EventMessageQueued,
	store.EventMessageSent,
	store.EventMessageFailed,
	store.EventMessageDelivered,
	store.EventMessageBounced,
	store.EventMessageReceived,
	store.EventMessageParsed,
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus creates this service's bus and registers its events.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "relay"
	}
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}
	return nil
}

// emit records a lifecycle event for msg and fans it out: the event bus,
// every configured sink, then one webhook delivery per active destination of
// the inbox.
//
// Recording is idempotent on (message, type), so handlers call emit again
// on every retry. Bus and sink publication is at-least-once: consumers
// dedupe on event_id. Scheduling is idempotent on (event, destination).
func (s *service) emit(ctx context.Context, msg *store.Message, typ store.EventType, payload map[string]any) (*store.Event, error) {
	ctx, end := s.otel.startSpan(ctx, "relay.emit",
		attribute.String("event.type", string(typ)),
		attribute.String("message.id", msg.ID),
	)

	if payload == nil {
		payload = map[string]any{}
	}
	ev, created, err := s.store.CreateEvent(ctx, &store.Event{
		Type:      typ,
		MessageID: msg.ID,
		InboxID:   msg.InboxID,
		ThreadID:  msg.ThreadID,
		Payload:   payload,
	})
	if err != nil {
		err = fmt.Errorf("relay: record %s: %w", typ, err)
		end(err)
		return nil, err
	}
	s.otel.recordEvent(ctx, string(typ), created)
	if created {
		s.logger.Debug("event recorded", "event_id", ev.ID, "type", typ, "message_id", msg.ID)
	}

	if err := s.publish(ctx, ev); err != nil {
		end(err)
		return nil, err
	}

	if _, err := s.scheduler.ScheduleForInbox(ctx, ev); err != nil {
		err = fmt.Errorf("relay: schedule webhooks for %s: %w", ev.ID, err)
		end(err)
		return nil, err
	}
	end(nil)
	return ev, nil
}

// publish sends ev to the bus and the sinks. Failures are reported to the
// failure handler and only returned when event errors are fatal.
func (s *service) publish(ctx context.Context, ev *store.Event) error {
	var firstErr error
	fail := func(target string, err error) {
		s.opts.safeEventPublishFailure(target, string(ev.Type), err)
		if firstErr == nil {
			firstErr = fmt.Errorf("relay: publish %s to %s: %w", ev.Type, target, err)
		}
	}

	if s.events != nil {
		if bev, ok := s.events.ForType(ev.Type); ok {
			if err := bev.Publish(ctx, newLifecycleEvent(ev)); err != nil {
				fail("bus", err)
			}
		}
	}
	for i, sink := range s.opts.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			fail("sink-"+strconv.Itoa(i), err)
		}
	}

	if s.opts.eventErrorsFatal {
		return firstErr
	}
	return nil
}
