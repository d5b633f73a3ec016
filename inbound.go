package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/relay/archive"
	"github.com/rbaliyan/relay/dispatch"
	"github.com/rbaliyan/relay/parser"
	"github.com/rbaliyan/relay/provider"
	"github.com/rbaliyan/relay/store"
	"go.opentelemetry.io/otel/attribute"
)

// InboundEmail is an authenticated inbound email.
type InboundEmail struct {
	// ProviderMessageID dedupes repeated deliveries of the same email.
	ProviderMessageID string
	From              string
	// To is the receiving inbox address.
	To      string
	Subject string
	Text    string
	HTML    string
	Headers map[string]string
	// Raw is the full MIME document, when available.
	Raw []byte
}

// HandleNotification verifies a provider callback and applies it.
//
// Verification happens before anything is decoded or stored; a failure
// returns ErrSignatureInvalid. For email.received the recorded message is
// returned. Status notifications for unknown messages are acknowledged and
// return a nil message.
func (s *service) HandleNotification(ctx context.Context, header http.Header, body []byte) (msg *store.Message, err error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, end := s.otel.startSpan(ctx, "relay.HandleNotification")
	defer func() { end(err) }()

	if s.opts.verifier == nil {
		s.otel.recordNotification(ctx, "unverified", true)
		s.logger.Warn("inbound notification rejected", "reason", "no verifier configured")
		return nil, fmt.Errorf("%w: no verifier configured", ErrSignatureInvalid)
	}
	if verr := s.opts.verifier.Verify(header, body); verr != nil {
		s.otel.recordNotification(ctx, "unverified", true)
		s.logger.Warn("inbound notification rejected", "reason", "signature", "error", verr)
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, verr)
	}

	n, derr := provider.DecodeNotification(body)
	if derr != nil {
		s.otel.recordNotification(ctx, "invalid", true)
		s.logger.Warn("inbound notification rejected", "reason", "format", "error", derr)
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, derr)
	}
	s.otel.recordNotification(ctx, string(n.Type), false)

	switch n.Type {
	case provider.NotificationReceived:
		return s.receive(ctx, InboundEmail{
			ProviderMessageID: n.ProviderMessageID,
			From:              n.From,
			To:                n.Recipient(),
			Subject:           n.Subject,
			Text:              n.Text,
			HTML:              n.HTML,
			Headers:           n.Headers,
			Raw:               n.Raw,
		})
	case provider.NotificationSent:
		return s.confirmSent(ctx, n)
	case provider.NotificationDelivered:
		return s.applyOutcome(ctx, n, store.StatusDelivered, store.EventMessageDelivered)
	case provider.NotificationBounced:
		return s.applyOutcome(ctx, n, store.StatusBounced, store.EventMessageBounced)
	}
	s.logger.Debug("ignoring notification", "type", n.Type, "provider_message_id", n.ProviderMessageID)
	return nil, nil
}

// Receive records an inbound email that was authenticated elsewhere.
func (s *service) Receive(ctx context.Context, email InboundEmail) (*store.Message, error) {
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.receive(ctx, email)
}

// receive stores the email as received in its thread and enqueues parsing.
// A repeated provider id returns the message recorded first.
func (s *service) receive(ctx context.Context, email InboundEmail) (*store.Message, error) {
	to, err := ParseAddress(email.To)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient: %v", ErrInvalidNotification, err)
	}
	inboxID := InboxID(to.Address)

	var key string
	if email.ProviderMessageID != "" {
		key = "inbound:" + email.ProviderMessageID
		existing, err := s.store.GetMessageByProviderID(ctx, email.ProviderMessageID)
		if err == nil {
			s.logger.Debug("duplicate inbound notification", "message_id", existing.ID)
			return existing, s.enqueueParse(ctx, existing)
		}
		if !store.IsNotFound(err) {
			return nil, fmt.Errorf("relay: lookup inbound: %w", err)
		}
	}

	msg := &store.Message{
		Direction:         store.DirectionInbound,
		Status:            store.StatusReceived,
		InboxID:           inboxID,
		Sender:            strings.TrimSpace(email.From),
		Recipient:         to.String(),
		Subject:           email.Subject,
		TextBody:          email.Text,
		HTMLBody:          email.HTML,
		Headers:           maps.Clone(email.Headers),
		ProviderMessageID: email.ProviderMessageID,
		IdempotencyKey:    key,
	}

	raw := email.Raw
	if len(raw) > s.opts.maxRawSize {
		s.logger.Warn("raw content over limit, dropped", "provider_message_id", email.ProviderMessageID, "size", len(raw))
		msg.LastError = fmt.Sprintf("raw content of %d bytes exceeds limit %d", len(raw), s.opts.maxRawSize)
		raw = nil
	}
	switch {
	case len(raw) == 0:
	case s.opts.archive != nil && len(raw) > s.opts.archiveThreshold:
		name := email.ProviderMessageID
		if name == "" {
			name = uuid.NewString()
		}
		uri, err := s.opts.archive.Upload(ctx, archiveName(name), archive.ContentTypeRFC822, bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("relay: archive raw content: %w", err)
		}
		msg.RawContentURI = uri
	default:
		msg.RawContent = raw
	}

	sender := email.From
	if addr, err := ParseAddress(email.From); err == nil {
		sender = addr.Address
	}
	thread, err := s.store.FindOrCreateThread(ctx, inboxID, email.Subject, []string{sender, to.Address})
	if err != nil {
		return nil, fmt.Errorf("relay: thread: %w", err)
	}
	msg.ThreadID = thread.ID

	msg, created, err := s.store.CreateMessage(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("relay: create message: %w", err)
	}
	if created {
		s.logger.Info("message received", "message_id", msg.ID, "inbox_id", inboxID, "archived", msg.RawContentURI != "")
	}
	return msg, s.enqueueParse(ctx, msg)
}

func (s *service) enqueueParse(ctx context.Context, msg *store.Message) error {
	if msg.Status != store.StatusReceived {
		return nil
	}
	if _, err := s.dispatcher.Enqueue(ctx, store.KindProcessInboundEmail, messageTask{MessageID: msg.ID},
		dispatch.WithNaturalKey(msg.ID)); err != nil {
		return fmt.Errorf("relay: enqueue parse: %w", err)
	}
	return nil
}

func archiveName(id string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, id)
	return clean + ".eml"
}

// confirmSent applies a provider send confirmation. It only matters when the
// send_email task has not recorded the outcome yet.
func (s *service) confirmSent(ctx context.Context, n *provider.Notification) (*store.Message, error) {
	msg, err := s.store.GetMessageByProviderID(ctx, n.ProviderMessageID)
	if store.IsNotFound(err) {
		s.logger.Debug("send confirmation for unknown message", "provider_message_id", n.ProviderMessageID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg, err = s.transition(ctx, msg.ID, moveTo(store.StatusSent,
		store.MessageUpdate{ProviderMessageID: n.ProviderMessageID}, store.StatusSending))
	if err != nil {
		return nil, err
	}
	if msg.Status == store.StatusSent {
		if _, err := s.emit(ctx, msg, store.EventMessageSent, map[string]any{
			"provider_message_id": msg.ProviderMessageID,
			"to":                  msg.Recipient,
		}); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// applyOutcome moves a sent message to delivered or bounced.
func (s *service) applyOutcome(ctx context.Context, n *provider.Notification, status store.Status, typ store.EventType) (*store.Message, error) {
	msg, err := s.store.GetMessageByProviderID(ctx, n.ProviderMessageID)
	if store.IsNotFound(err) {
		s.logger.Debug("outcome for unknown message", "type", n.Type, "provider_message_id", n.ProviderMessageID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg, err = s.transition(ctx, msg.ID, moveTo(status, store.MessageUpdate{}, store.StatusSent))
	if err != nil {
		return nil, err
	}
	if msg.Status != status {
		s.logger.Warn("outcome ignored", "message_id", msg.ID, "status", msg.Status, "outcome", status)
		return msg, nil
	}
	if _, err := s.emit(ctx, msg, typ, map[string]any{
		"provider_message_id": msg.ProviderMessageID,
		"to":                  msg.Recipient,
	}); err != nil {
		return nil, err
	}
	return msg, nil
}

// inboundHandler runs process_inbound_email tasks.
type inboundHandler struct {
	s *service
}

// Handle parses a received message, persists the outcome and notifies
// arrival. Parse failures are not retried: the message ends parse_failed
// and message.received is emitted anyway.
func (h *inboundHandler) Handle(ctx context.Context, task *store.Task) dispatch.Result {
	s := h.s
	var p messageTask
	if err := dispatch.DecodePayload(task, &p); err != nil {
		return dispatch.Permanent(err)
	}
	msg, err := s.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return dispatch.Classify(err)
	}

	if msg.Status == store.StatusReceived {
		update, err := h.parse(ctx, msg)
		if err != nil {
			return dispatch.Transient(err)
		}
		msg, err = s.transition(ctx, msg.ID, func(m *store.Message) (*store.MessageUpdate, error) {
			if m.Status != store.StatusReceived {
				return nil, nil
			}
			return update, nil
		})
		if err != nil {
			return dispatch.Classify(err)
		}
	}

	if err := s.notifyArrival(ctx, msg); err != nil {
		return dispatch.Classify(err)
	}
	return dispatch.OKWith(resultFor(msg))
}

// parse runs the parser and returns the status update describing the result.
// Only failures to load raw content are returned as errors.
func (h *inboundHandler) parse(ctx context.Context, msg *store.Message) (*store.MessageUpdate, error) {
	s := h.s
	ctx, end := s.otel.startSpan(ctx, "relay.parse", attribute.String("message.id", msg.ID))

	in := parser.Input{
		Raw:     msg.RawContent,
		Text:    msg.TextBody,
		HTML:    msg.HTMLBody,
		From:    msg.Sender,
		Headers: msg.Headers,
	}
	if len(in.Raw) == 0 && msg.RawContentURI != "" {
		raw, err := s.loadRaw(ctx, msg.RawContentURI)
		switch {
		case err == nil:
			in.Raw = raw
		case errors.Is(err, archive.ErrNotFound), errors.Is(err, archive.ErrTooLarge), errors.Is(err, ErrRawContentUnavailable):
			// The body fields may still be enough.
			s.logger.Warn("raw content unavailable", "message_id", msg.ID, "uri", msg.RawContentURI, "error", err)
		default:
			end(err)
			return nil, err
		}
	}

	start := time.Now()
	md, perr := s.opts.parser.Parse(in)
	s.otel.recordParse(ctx, time.Since(start), perr)
	end(nil)

	if perr != nil {
		s.logger.Warn("parse failed", "message_id", msg.ID, "error", perr)
		return &store.MessageUpdate{Status: store.StatusParseFailed, LastError: errString(perr)}, nil
	}
	return &store.MessageUpdate{Status: store.StatusParsed, ParsedMetadata: md.Map()}, nil
}

func (s *service) loadRaw(ctx context.Context, uri string) ([]byte, error) {
	if s.opts.archive == nil {
		return nil, fmt.Errorf("%w: no archive configured for %s", ErrRawContentUnavailable, uri)
	}
	return archive.ReadAll(ctx, s.opts.archive, uri, int64(s.opts.maxRawSize))
}

// notifyArrival emits the events of a parsed or parse_failed message and
// hands parsed messages to the customer. It is safe to repeat.
func (s *service) notifyArrival(ctx context.Context, msg *store.Message) error {
	switch msg.Status {
	case store.StatusParsed, store.StatusDeliveredToCustomer:
		if _, err := s.emit(ctx, msg, store.EventMessageParsed, msg.ParsedMetadata); err != nil {
			return err
		}
	case store.StatusParseFailed:
	default:
		return nil
	}

	if _, err := s.emit(ctx, msg, store.EventMessageReceived, receivedPayload(msg)); err != nil {
		return err
	}

	if msg.Status == store.StatusParsed {
		next, err := s.transition(ctx, msg.ID, moveTo(store.StatusDeliveredToCustomer, store.MessageUpdate{}, store.StatusParsed))
		if err != nil {
			return err
		}
		s.logger.Info("message delivered to customer", "message_id", next.ID, "status", next.Status)
	}
	return nil
}

// receivedPayload describes an arrival for webhook consumers. Parsed
// metadata is included when parsing succeeded.
func receivedPayload(msg *store.Message) map[string]any {
	p := map[string]any{
		"from":         msg.Sender,
		"to":           msg.Recipient,
		"subject":      msg.Subject,
		"inbox_id":     msg.InboxID,
		"thread_id":    msg.ThreadID,
		"parse_status": string(msg.Status),
	}
	if msg.Status == store.StatusParseFailed {
		p["parse_error"] = msg.LastError
		return p
	}
	for _, k := range []string{
		parser.KeyOTPCodes, parser.KeyLinks, parser.KeyLinkTypes, parser.KeyLinkTexts, parser.KeySenderDisplayName,
		parser.KeySenderIntent, parser.KeyRequiresAction, parser.KeySummary,
	} {
		if v, ok := msg.ParsedMetadata[k]; ok {
			p[k] = v
		}
	}
	return p
}

// OnExhausted finalizes a message whose parse task kept failing for
// infrastructure reasons: it ends parse_failed and arrival is still notified.
func (h *inboundHandler) OnExhausted(ctx context.Context, task *store.Task, cause error) error {
	var p messageTask
	if err := dispatch.DecodePayload(task, &p); err != nil {
		return nil
	}
	msg, err := h.s.transition(ctx, p.MessageID, moveTo(store.StatusParseFailed,
		store.MessageUpdate{LastError: errString(cause)}, store.StatusReceived))
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	h.s.logger.Warn("inbound processing exhausted", "message_id", msg.ID, "status", msg.Status, "error", cause)
	return h.s.notifyArrival(ctx, msg)
}
