package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/relay/dispatch"
	"github.com/rbaliyan/relay/store"
)

// Handler runs deliver_webhook tasks.
type Handler struct {
	stores Stores
	opts   *options
}

var (
	_ dispatch.Handler            = (*Handler)(nil)
	_ dispatch.RetryObserver      = (*Handler)(nil)
	_ dispatch.ExhaustionObserver = (*Handler)(nil)
)

// NewHandler creates a delivery handler.
func NewHandler(stores Stores, opts ...Option) *Handler {
	return &Handler{stores: stores, opts: newOptions(opts...)}
}

// Handle makes one delivery attempt.
func (h *Handler) Handle(ctx context.Context, task *store.Task) dispatch.Result {
	var p TaskPayload
	if err := dispatch.DecodePayload(task, &p); err != nil {
		return dispatch.Permanent(err)
	}
	d, err := h.stores.GetDelivery(ctx, p.DeliveryID)
	if err != nil {
		return dispatch.Classify(fmt.Errorf("webhook: get delivery: %w", err))
	}
	if d.Status != store.DeliveryPending {
		return dispatch.OKWith(TaskResult{Status: d.Status, StatusCode: d.LastStatusCode})
	}
	if d.AttemptCount >= d.MaxAttempts {
		return dispatch.Permanent(ErrAttemptsExhausted)
	}

	dest, err := h.stores.GetDestination(ctx, d.DestinationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !dest.Active) {
		return dispatch.Permanent(fmt.Errorf("%w: %s", ErrDestinationInactive, d.DestinationID))
	}
	if err != nil {
		return dispatch.Transient(fmt.Errorf("webhook: get destination: %w", err))
	}
	ev, err := h.stores.GetEvent(ctx, d.EventID)
	if err != nil {
		return dispatch.Classify(fmt.Errorf("webhook: get event: %w", err))
	}
	body, err := NewPayload(ev).Marshal()
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("webhook: encode payload: %w", err))
	}

	// Record the attempt before sending so a crash mid-POST still counts it.
	d, err = h.stores.UpdateDelivery(ctx, d.ID, store.DeliveryUpdate{IncAttempt: true})
	if errors.Is(err, store.ErrTerminal) {
		return dispatch.Permanent(ErrAttemptsExhausted)
	}
	if err != nil {
		return dispatch.Transient(fmt.Errorf("webhook: record attempt: %w", err))
	}

	logger := h.opts.logger.With("delivery_id", d.ID, "event_id", ev.ID, "attempt", d.AttemptCount)
	status, postErr := h.opts.client.Post(ctx, Request{
		URL:       dest.URL,
		Secret:    dest.Secret,
		EventID:   ev.ID,
		EventType: string(ev.Type),
		Body:      body,
		SentAt:    h.opts.now(),
	})
	if postErr != nil {
		msg := postErr.Error()
		if _, err := h.stores.UpdateDelivery(ctx, d.ID, store.DeliveryUpdate{LastError: &msg, LastStatusCode: status}); err != nil {
			logger.Warn("failed to record delivery error", "error", err)
		}
		logger.Info("webhook attempt failed", "status", status, "error", postErr)
		return dispatch.Transient(postErr)
	}

	if _, err := h.stores.UpdateDelivery(ctx, d.ID, store.DeliveryUpdate{Status: store.DeliveryDelivered, LastStatusCode: status}); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return dispatch.OKWith(TaskResult{Status: store.DeliveryDelivered, StatusCode: status})
		}
		// The endpoint has the event; a retry would deliver it twice, which
		// receivers dedupe by event id.
		return dispatch.Transient(fmt.Errorf("webhook: mark delivered: %w", err))
	}
	logger.Info("webhook delivered", "status", status)
	return dispatch.OKWith(TaskResult{Status: store.DeliveryDelivered, StatusCode: status})
}

// OnRetry mirrors the dispatcher's next attempt time onto the delivery.
func (h *Handler) OnRetry(ctx context.Context, task *store.Task, next time.Time, cause error) error {
	var p TaskPayload
	if err := dispatch.DecodePayload(task, &p); err != nil {
		return err
	}
	update := store.DeliveryUpdate{NextAttemptAt: next}
	if cause != nil {
		msg := cause.Error()
		update.LastError = &msg
	}
	_, err := h.stores.UpdateDelivery(ctx, p.DeliveryID, update)
	if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// OnExhausted marks the delivery exhausted so operators can find and redeliver it.
func (h *Handler) OnExhausted(ctx context.Context, task *store.Task, cause error) error {
	var p TaskPayload
	if err := dispatch.DecodePayload(task, &p); err != nil {
		// Nothing to update; the task fails on its own.
		return nil
	}
	update := store.DeliveryUpdate{Status: store.DeliveryExhausted}
	if cause != nil {
		msg := cause.Error()
		update.LastError = &msg
	}
	d, err := h.stores.UpdateDelivery(ctx, p.DeliveryID, update)
	if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("webhook: mark exhausted: %w", err)
	}
	h.opts.logger.Warn("webhook delivery exhausted",
		"delivery_id", d.ID,
		"event_id", d.EventID,
		"destination_id", d.DestinationID,
		"attempts", d.AttemptCount,
		"error", cause,
	)
	return nil
}
