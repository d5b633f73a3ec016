package relay

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/rbaliyan/relay/dispatch"
	"github.com/rbaliyan/relay/provider"
	"github.com/rbaliyan/relay/store"
	"go.opentelemetry.io/otel/attribute"
)

// SendRequest is an outbound email.
type SendRequest struct {
	// From is the sending inbox address, optionally with a display name.
	From string
	// To is the recipient address.
	To      string
	Subject string
	Text    string
	HTML    string
	// Headers are extra headers passed to the provider.
	Headers map[string]string
	// IdempotencyKey dedupes client retries: a second Send with the same key
	// returns the first message and queues nothing.
	IdempotencyKey string
}

// Send validates req, records a queued message in its thread, emits
// message.queued and enqueues a send_email task.
func (s *service) Send(ctx context.Context, req SendRequest) (msg *store.Message, err error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, end := s.otel.startSpan(ctx, "relay.Send", attribute.String("idempotency_key", req.IdempotencyKey))
	defer func() { end(err) }()

	if s.opts.sender == nil {
		return nil, ErrSenderRequired
	}
	if err := ValidateSendRequest(req, s.opts.limits()); err != nil {
		return nil, err
	}
	from, _ := ParseAddress(req.From)
	to, _ := ParseAddress(req.To)
	inboxID := InboxID(from.Address)

	key := req.IdempotencyKey
	if key != "" {
		key = "outbound:" + inboxID + ":" + key
	}

	thread, err := s.store.FindOrCreateThread(ctx, inboxID, req.Subject, []string{from.Address, to.Address})
	if err != nil {
		return nil, fmt.Errorf("relay: thread: %w", err)
	}

	msg, created, err := s.store.CreateMessage(ctx, &store.Message{
		Direction:      store.DirectionOutbound,
		Status:         store.StatusQueued,
		InboxID:        inboxID,
		ThreadID:       thread.ID,
		Sender:         from.String(),
		Recipient:      to.String(),
		Subject:        req.Subject,
		TextBody:       req.Text,
		HTMLBody:       req.HTML,
		Headers:        maps.Clone(req.Headers),
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: create message: %w", err)
	}
	if !created {
		s.logger.Debug("duplicate send", "message_id", msg.ID, "idempotency_key", req.IdempotencyKey)
		if msg.Status != store.StatusQueued {
			return msg, nil
		}
		// The first call may have stopped before enqueueing; both steps below are idempotent.
	}

	if _, err := s.emit(ctx, msg, store.EventMessageQueued, map[string]any{
		"to":      msg.Recipient,
		"subject": msg.Subject,
	}); err != nil {
		return nil, err
	}
	if _, err := s.dispatcher.Enqueue(ctx, store.KindSendEmail, messageTask{MessageID: msg.ID},
		dispatch.WithNaturalKey(msg.ID)); err != nil {
		return nil, fmt.Errorf("relay: enqueue send: %w", err)
	}

	s.logger.Info("message queued", "message_id", msg.ID, "inbox_id", inboxID)
	return msg, nil
}

// sendHandler runs send_email tasks.
type sendHandler struct {
	s *service
}

// Handle moves the message to sending, calls the provider with the message
// id as idempotency key and records the outcome. Messages that already left
// sending are not sent again.
func (h *sendHandler) Handle(ctx context.Context, task *store.Task) dispatch.Result {
	s := h.s
	var p messageTask
	if err := dispatch.DecodePayload(task, &p); err != nil {
		return dispatch.Permanent(err)
	}

	msg, err := s.transition(ctx, p.MessageID,
		moveTo(store.StatusSending, store.MessageUpdate{}, store.StatusQueued))
	if err != nil {
		return dispatch.Classify(err)
	}

	switch msg.Status {
	case store.StatusSending:
	case store.StatusSent:
		// Sent on an earlier attempt that stopped before emitting.
		return h.emitSent(ctx, msg)
	default:
		return dispatch.OKWith(resultFor(msg))
	}

	ctx, end := s.otel.startSpan(ctx, "relay.provider.send",
		attribute.String("message.id", msg.ID),
		attribute.Int("attempt", task.AttemptCount),
	)
	start := time.Now()
	res, err := s.opts.sender.Send(ctx, provider.OutboundEmail{
		From:           msg.Sender,
		To:             msg.Recipient,
		Subject:        msg.Subject,
		Text:           msg.TextBody,
		HTML:           msg.HTMLBody,
		Headers:        msg.Headers,
		IdempotencyKey: msg.ID,
	})
	end(err)
	if err != nil {
		if provider.IsPermanent(err) {
			s.otel.recordSend(ctx, time.Since(start), "permanent", err)
			return dispatch.Permanent(err)
		}
		s.otel.recordSend(ctx, time.Since(start), "transient", err)
		return dispatch.Transient(err)
	}
	s.otel.recordSend(ctx, time.Since(start), "ok", nil)

	msg, err = s.transition(ctx, msg.ID, moveTo(store.StatusSent,
		store.MessageUpdate{ProviderMessageID: res.ProviderMessageID}, store.StatusSending))
	if err != nil {
		return dispatch.Classify(err)
	}
	if msg.Status != store.StatusSent {
		return dispatch.OKWith(resultFor(msg))
	}
	s.logger.Info("message sent", "message_id", msg.ID, "provider_message_id", msg.ProviderMessageID)
	return h.emitSent(ctx, msg)
}

func (h *sendHandler) emitSent(ctx context.Context, msg *store.Message) dispatch.Result {
	if _, err := h.s.emit(ctx, msg, store.EventMessageSent, map[string]any{
		"provider_message_id": msg.ProviderMessageID,
		"to":                  msg.Recipient,
	}); err != nil {
		return dispatch.Transient(err)
	}
	return dispatch.OKWith(resultFor(msg))
}

// OnRetry records the failure on the message without changing its status.
func (h *sendHandler) OnRetry(ctx context.Context, task *store.Task, next time.Time, cause error) error {
	var p messageTask
	if err := dispatch.DecodePayload(task, &p); err != nil {
		return err
	}
	_, err := h.s.transition(ctx, p.MessageID, func(m *store.Message) (*store.MessageUpdate, error) {
		if m.Status != store.StatusQueued && m.Status != store.StatusSending {
			return nil, nil
		}
		return &store.MessageUpdate{LastError: errString(cause)}, nil
	})
	return err
}

// OnExhausted fails the message and emits message.failed.
func (h *sendHandler) OnExhausted(ctx context.Context, task *store.Task, cause error) error {
	var p messageTask
	if err := dispatch.DecodePayload(task, &p); err != nil {
		// Nothing to finalize without a message id.
		return nil
	}
	msg, err := h.s.transition(ctx, p.MessageID, moveTo(store.StatusFailed,
		store.MessageUpdate{LastError: errString(cause)}, store.StatusQueued, store.StatusSending))
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if msg.Status != store.StatusFailed {
		return nil
	}
	h.s.logger.Warn("message failed", "message_id", msg.ID, "attempts", task.AttemptCount, "error", cause)
	_, err = h.s.emit(ctx, msg, store.EventMessageFailed, map[string]any{
		"error":    msg.LastError,
		"attempts": task.AttemptCount,
	})
	return err
}
