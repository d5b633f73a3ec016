package relay

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rbaliyan/relay/store"
)

// MessageQuery narrows operator message queries.
type MessageQuery struct {
	InboxID   string
	Direction store.Direction
	// Limit caps the result; 0 uses the service default.
	Limit int
}

func (s *service) queryLimit(n int) int {
	if n <= 0 {
		return s.opts.defaultQueryLimit
	}
	if n > s.opts.maxQueryLimit {
		return s.opts.maxQueryLimit
	}
	return n
}

// GetMessage returns a message by id.
func (s *service) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrInvalidID
	}
	msg, err := s.store.GetMessage(ctx, id)
	if store.IsNotFound(err) {
		return nil, ErrNotFound
	}
	return msg, err
}

// FailedMessages lists failed outbound and parse_failed inbound messages,
// oldest first.
func (s *service) FailedMessages(ctx context.Context, q MessageQuery) ([]*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	limit := s.queryLimit(q.Limit)

	var statuses []store.Status
	switch q.Direction {
	case store.DirectionOutbound:
		statuses = []store.Status{store.StatusFailed}
	case store.DirectionInbound:
		statuses = []store.Status{store.StatusParseFailed}
	case "":
		statuses = []store.Status{store.StatusFailed, store.StatusParseFailed}
	default:
		return nil, fmt.Errorf("relay: %w: direction %q", store.ErrInvalidFilter, q.Direction)
	}

	var out []*store.Message
	for _, st := range statuses {
		msgs, err := s.store.FindMessages(ctx, store.MessageFilter{
			InboxID:   q.InboxID,
			Direction: q.Direction,
			Status:    st,
			Limit:     limit,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExhaustedDeliveries lists webhook deliveries that ran out of attempts.
func (s *service) ExhaustedDeliveries(ctx context.Context, limit int) ([]*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	return s.store.FindDeliveries(ctx, store.DeliveryFilter{
		Status: store.DeliveryExhausted,
		Limit:  s.queryLimit(limit),
	})
}

// Thread returns a thread and its messages in creation order.
func (s *service) Thread(ctx context.Context, threadID string) (*store.Thread, []*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, nil, err
	}
	thread, err := s.store.GetThread(ctx, threadID)
	if store.IsNotFound(err) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.store.FindMessages(ctx, store.MessageFilter{ThreadID: threadID})
	if err != nil {
		return nil, nil, err
	}
	return thread, msgs, nil
}

// MessageEvents returns the lifecycle events of a message.
func (s *service) MessageEvents(ctx context.Context, messageID string) ([]*store.Event, error) {
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, messageID)
}

// FailedTasks lists tasks that failed for good, optionally of one kind.
func (s *service) FailedTasks(ctx context.Context, kind store.Kind, limit int) ([]*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	return s.dispatcher.Tasks(ctx, store.TaskFilter{
		Kind:   kind,
		Status: store.TaskFailed,
		Limit:  s.queryLimit(limit),
	})
}

// AddDestination registers an active webhook endpoint for an inbox. Every
// payload sent to it is signed with secret.
func (s *service) AddDestination(ctx context.Context, inboxID, rawURL, secret string) (*store.Destination, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url %q", ErrInvalidDestination, rawURL)
	}
	if secret == "" {
		return nil, fmt.Errorf("%w: empty signing secret", ErrInvalidDestination)
	}
	if strings.TrimSpace(inboxID) == "" {
		return nil, fmt.Errorf("%w: empty inbox id", ErrInvalidID)
	}
	return s.store.CreateDestination(ctx, &store.Destination{
		InboxID: InboxID(inboxID),
		URL:     u.String(),
		Secret:  secret,
		Active:  true,
	})
}

// SetDestinationActive enables or disables a destination. Pending
// deliveries to a disabled destination are exhausted on their next attempt.
func (s *service) SetDestinationActive(ctx context.Context, id string, active bool) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	return s.store.SetDestinationActive(ctx, id, active)
}

// ListDestinations returns every destination of an inbox.
func (s *service) ListDestinations(ctx context.Context, inboxID string) ([]*store.Destination, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	return s.store.ListDestinations(ctx, InboxID(inboxID), false)
}
