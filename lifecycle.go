package relay

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/relay/retry"
	"github.com/rbaliyan/relay/store"
)

// messageTask is the payload of send_email and process_inbound_email tasks.
type messageTask struct {
	MessageID string `json:"message_id"`
}

// messageResult is recorded on a completed message task.
type messageResult struct {
	Status            store.Status `json:"status"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
}

func resultFor(msg *store.Message) messageResult {
	return messageResult{Status: msg.Status, ProviderMessageID: msg.ProviderMessageID}
}

// decideFunc inspects the current message and returns the update to apply,
// or nil to leave it unchanged.
type decideFunc func(m *store.Message) (*store.MessageUpdate, error)

// transitionConfig retries version conflicts only. A conflict means another
// worker moved the message first; decide runs again on the fresh copy.
func transitionConfig() retry.Config {
	return retry.Config{
		MaxRetries:     5,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		Multiplier:     2,
		Jitter:         0.2,
		IsRetryable:    store.IsVersionConflict,
	}
}

// transition reads the message, lets decide pick an update and applies it
// with an optimistic version check.
func (s *service) transition(ctx context.Context, id string, decide decideFunc) (*store.Message, error) {
	msg, err := retry.DoWithResult(ctx, transitionConfig(), func(ctx context.Context) (*store.Message, error) {
		m, err := s.store.GetMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		update, err := decide(m)
		if err != nil || update == nil {
			return m, err
		}
		return s.store.UpdateMessage(ctx, id, m.Version, *update)
	})
	if err != nil {
		var re *retry.RetryError
		if errors.As(err, &re) {
			if store.IsVersionConflict(re.Cause) {
				return nil, ErrVersionConflict
			}
			return nil, re.Cause
		}
		return nil, err
	}
	return msg, nil
}

// moveTo returns a decideFunc that moves the message to status when it is in
// one of from, and leaves it alone otherwise.
func moveTo(status store.Status, update store.MessageUpdate, from ...store.Status) decideFunc {
	return func(m *store.Message) (*store.MessageUpdate, error) {
		for _, f := range from {
			if m.Status == f {
				u := update
				u.Status = status
				return &u, nil
			}
		}
		return nil, nil
	}
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
