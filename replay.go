package relay

import (
	"context"
	"fmt"

	"github.com/rbaliyan/relay/dispatch"
	"github.com/rbaliyan/relay/store"
)

// ReplayInbound moves a parse_failed message back to received and queues a
// fresh parse task. Calling it again before the task runs queues nothing new.
func (s *service) ReplayInbound(ctx context.Context, messageID string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	empty := ""
	msg, err := s.transition(ctx, messageID, func(m *store.Message) (*store.MessageUpdate, error) {
		switch {
		case m.Direction != store.DirectionInbound:
			return nil, fmt.Errorf("%w: %s is outbound", ErrNotReplayable, m.ID)
		case m.Status == store.StatusParseFailed:
			return &store.MessageUpdate{Status: store.StatusReceived, LastError: &empty}, nil
		case m.Status == store.StatusReceived:
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReplayable, m.ID, m.Status)
	})
	if store.IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// The first parse task already finished, so the natural key must differ
	// from it. The version pins one task per replay.
	key := fmt.Sprintf("%s#replay-%d", msg.ID, msg.Version)
	if _, err := s.dispatcher.Enqueue(ctx, store.KindProcessInboundEmail, messageTask{MessageID: msg.ID},
		dispatch.WithNaturalKey(key)); err != nil {
		return nil, fmt.Errorf("relay: enqueue replay: %w", err)
	}
	s.logger.Info("inbound message replayed", "message_id", msg.ID)
	return msg, nil
}

// RedeliverWebhook starts a new attempt sequence for a delivered or
// exhausted webhook delivery.
func (s *service) RedeliverWebhook(ctx context.Context, deliveryID string) (*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	d, err := s.scheduler.Redeliver(ctx, deliveryID)
	if store.IsNotFound(err) {
		return nil, ErrNotFound
	}
	return d, err
}

// RetryTask starts a new attempt sequence for a failed task.
func (s *service) RetryTask(ctx context.Context, taskID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	return s.dispatcher.Retry(ctx, taskID)
}
