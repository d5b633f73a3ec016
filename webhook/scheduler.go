package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/rbaliyan/relay/dispatch"
	"github.com/rbaliyan/relay/store"
)

// Scheduler fans events out to destinations.
type Scheduler struct {
	stores Stores
	tasks  Enqueuer
	opts   *options
}

// NewScheduler creates a scheduler.
func NewScheduler(stores Stores, tasks Enqueuer, opts ...Option) *Scheduler {
	return &Scheduler{stores: stores, tasks: tasks, opts: newOptions(opts...)}
}

// ScheduleDelivery creates a pending delivery and a deliver_webhook task for
// every active destination, returning the delivery ids. Calling it again for
// the same event reuses the existing deliveries and tasks.
func (s *Scheduler) ScheduleDelivery(ctx context.Context, ev *store.Event, destinations []*store.Destination) ([]string, error) {
	ids := make([]string, 0, len(destinations))
	var errs []error
	for _, dest := range destinations {
		if dest == nil || !dest.Active {
			continue
		}
		d, _, err := s.stores.CreateDelivery(ctx, &store.WebhookDelivery{
			EventID:        ev.ID,
			DestinationID:  dest.ID,
			DestinationURL: dest.URL,
			Status:         store.DeliveryPending,
			MaxAttempts:    s.opts.maxAttempts,
			NextAttemptAt:  s.opts.now(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("webhook: create delivery for destination %s: %w", dest.ID, err))
			continue
		}
		if d.Status == store.DeliveryPending {
			if err := s.enqueue(ctx, d.ID, d.ID); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		ids = append(ids, d.ID)
	}
	if len(errs) > 0 {
		return ids, errors.Join(errs...)
	}
	s.opts.logger.Debug("webhook deliveries scheduled", "event_id", ev.ID, "type", ev.Type, "count", len(ids))
	return ids, nil
}

// ScheduleForInbox schedules ev to every active destination of its inbox.
func (s *Scheduler) ScheduleForInbox(ctx context.Context, ev *store.Event) ([]string, error) {
	if ev.InboxID == "" {
		return nil, nil
	}
	dests, err := s.stores.ListDestinations(ctx, ev.InboxID, true)
	if err != nil {
		return nil, fmt.Errorf("webhook: list destinations: %w", err)
	}
	return s.ScheduleDelivery(ctx, ev, dests)
}

// Redeliver starts a fresh attempt sequence for a delivered or exhausted delivery.
func (s *Scheduler) Redeliver(ctx context.Context, deliveryID string) (*store.WebhookDelivery, error) {
	current, err := s.stores.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if current.Status == store.DeliveryPending {
		return nil, fmt.Errorf("webhook: delivery %s is still pending: %w", deliveryID, store.ErrInvalidTransition)
	}
	d, err := s.stores.ResetDelivery(ctx, deliveryID, s.opts.now())
	if err != nil {
		return nil, err
	}
	// Each sequence gets its own task; the reset time keeps the key unique.
	key := d.ID + "#" + strconv.FormatInt(d.NextAttemptAt.UnixNano(), 10)
	if err := s.enqueue(ctx, d.ID, key); err != nil {
		return nil, err
	}
	s.opts.logger.Info("webhook redelivery scheduled", slog.String("delivery_id", d.ID))
	return d, nil
}

func (s *Scheduler) enqueue(ctx context.Context, deliveryID, naturalKey string) error {
	_, err := s.tasks.Enqueue(ctx, store.KindDeliverWebhook, TaskPayload{DeliveryID: deliveryID},
		dispatch.WithNaturalKey(naturalKey),
		dispatch.WithTaskMaxAttempts(s.opts.maxAttempts),
	)
	if err != nil {
		return fmt.Errorf("webhook: enqueue delivery %s: %w", deliveryID, err)
	}
	return nil
}
