package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/provider"
	"github.com/rbaliyan/relay/provider/resend"
	"github.com/rbaliyan/relay/store"
	"github.com/rbaliyan/relay/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	svc      relay.Service
	verifier *resend.Verifier
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	verifier, err := resend.NewVerifier("whsec_" + base64.StdEncoding.EncodeToString([]byte("router-secret")))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := relay.NewService(
		relay.WithStore(memory.New()),
		relay.WithVerifier(verifier),
		relay.WithSender(provider.SenderFunc(func(context.Context, provider.OutboundEmail) (provider.SendResult, error) {
			return provider.SendResult{ProviderMessageID: "prov-1"}, nil
		})),
		relay.WithLogger(logger),
	)
	require.NoError(t, err)
	require.NoError(t, svc.Connect(context.Background()))
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	return &testServer{svc: svc, verifier: verifier, handler: newRouter(svc, logger)}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) notification(t *testing.T, id string, body []byte, sign bool) *http.Request {
	t.Helper()
	now := time.Now()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", bytes.NewReader(body))
	req.Header.Set("svix-id", id)
	req.Header.Set("svix-timestamp", strconv.FormatInt(now.Unix(), 10))
	if sign {
		req.Header.Set("svix-signature", ts.verifier.Sign(id, now, body))
	} else {
		req.Header.Set("svix-signature", "v1,bm90LWEtc2lnbmF0dXJl")
	}
	return req
}

func receivedBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type":       provider.NotificationReceived,
		"created_at": time.Now().UTC(),
		"data": map[string]any{
			"email_id": "inbound-1",
			"from":     "Customer <customer@example.com>",
			"to":       []string{"support@acme.test"},
			"subject":  "Need help",
			"text":     "Hello there",
		},
	})
	require.NoError(t, err)
	return body
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotificationRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(ts.notification(t, "msg_bad", receivedBody(t), false))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNotificationRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(ts.notification(t, "msg_garbage", []byte("not json"), true))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNotificationRecordsInbound(t *testing.T) {
	ts := newTestServer(t)
	body := receivedBody(t)

	rec := ts.do(ts.notification(t, "msg_1", body, true))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, string(store.StatusReceived), out["status"])

	// A provider retry of the same email maps to the same message.
	rec = ts.do(ts.notification(t, "msg_2", body, true))
	require.Equal(t, http.StatusOK, rec.Code)
	var again map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	assert.Equal(t, out["message_id"], again["message_id"])
}

func TestSendAndGet(t *testing.T) {
	ts := newTestServer(t)
	payload := `{"from":"support@acme.test","to":"customer@example.com","subject":"Welcome","text":"Hi"}`

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(payload))
	req.Header.Set("Idempotency-Key", "welcome-1")
	rec := ts.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var sent messageView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sent))
	assert.Equal(t, string(store.StatusQueued), sent.Status)
	assert.Equal(t, "outbound", sent.Direction)

	req = httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString(payload))
	req.Header.Set("Idempotency-Key", "welcome-1")
	rec = ts.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var dup messageView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dup))
	assert.Equal(t, sent.ID, dup.ID)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/messages/"+sent.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/v1/messages/"+sent.ID+"/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var evs []eventView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	require.Len(t, evs, 1)
	assert.Equal(t, string(store.EventMessageQueued), evs[0].Type)
}

func TestSendValidation(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		bytes.NewBufferString(`{"from":"support@acme.test","to":"not an address","subject":"x","text":"y"}`))
	rec := ts.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownMessage(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/messages/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsOfUnknownMessage(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/messages/missing/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{relay.ErrSignatureInvalid, http.StatusUnauthorized},
		{relay.ErrInvalidNotification, http.StatusBadRequest},
		{relay.ErrEmptySubject, http.StatusBadRequest},
		{relay.ErrInvalidDestination, http.StatusBadRequest},
		{relay.ErrNotFound, http.StatusNotFound},
		{relay.ErrNotReplayable, http.StatusConflict},
		{relay.ErrSenderRequired, http.StatusNotImplemented},
		{store.ErrVersionConflict, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
