package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/store"
)

// maxNotificationBytes bounds a provider callback body; inbound notifications
// may carry the full MIME document.
const maxNotificationBytes = 32 << 20

const maxSendBytes = 4 << 20

type server struct {
	svc    relay.Service
	logger *slog.Logger
}

// newRouter mounts the provider callback, the send API and the health check.
func newRouter(svc relay.Service, logger *slog.Logger) http.Handler {
	s := &server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.health)
	r.Post("/webhooks/provider", s.notification)
	r.Route("/v1/messages", func(r chi.Router) {
		r.Post("/", s.send)
		r.Get("/{id}", s.message)
		r.Get("/{id}/events", s.events)
	})
	return r
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if !s.svc.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// notification verifies and applies a provider callback. The provider
// retries anything but a 2xx, so only failures worth retrying get a 5xx.
func (s *server) notification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}

	msg, err := s.svc.HandleNotification(r.Context(), r.Header, body)
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			s.logger.Error("notification failed", "request_id", middleware.GetReqID(r.Context()), "error", err)
		}
		writeError(w, status, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": msg.ID, "status": string(msg.Status)})
}

type sendBody struct {
	From           string            `json:"from"`
	To             string            `json:"to"`
	Subject        string            `json:"subject"`
	Text           string            `json:"text"`
	HTML           string            `json:"html"`
	Headers        map[string]string `json:"headers"`
	IdempotencyKey string            `json:"idempotency_key"`
}

func (s *server) send(w http.ResponseWriter, r *http.Request) {
	var req sendBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	msg, err := s.svc.Send(r.Context(), relay.SendRequest{
		From:           req.From,
		To:             req.To,
		Subject:        req.Subject,
		Text:           req.Text,
		HTML:           req.HTML,
		Headers:        req.Headers,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, newMessageView(msg))
}

func (s *server) message(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newMessageView(msg))
}

func (s *server) events(w http.ResponseWriter, r *http.Request) {
	evs, err := s.svc.MessageEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := make([]eventView, 0, len(evs))
	for _, ev := range evs {
		out = append(out, eventView{
			ID:        ev.ID,
			Type:      string(ev.Type),
			Payload:   ev.Payload,
			CreatedAt: ev.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrInvalidNotification),
		errors.Is(err, relay.ErrInvalidMessage),
		errors.Is(err, relay.ErrInvalidDestination),
		errors.Is(err, store.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrSenderRequired):
		return http.StatusNotImplemented
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrTerminal):
		return http.StatusConflict
	case relay.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type messageView struct {
	ID                string    `json:"id"`
	Direction         string    `json:"direction"`
	Status            string    `json:"status"`
	InboxID           string    `json:"inbox_id"`
	ThreadID          string    `json:"thread_id"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	Subject           string    `json:"subject"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func newMessageView(m *store.Message) messageView {
	return messageView{
		ID:                m.ID,
		Direction:         string(m.Direction),
		Status:            string(m.Status),
		InboxID:           m.InboxID,
		ThreadID:          m.ThreadID,
		From:              m.Sender,
		To:                m.Recipient,
		Subject:           m.Subject,
		ProviderMessageID: m.ProviderMessageID,
		LastError:         m.LastError,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

type eventView struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
