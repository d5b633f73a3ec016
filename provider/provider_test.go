package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{"nil", nil, false, false},
		{"unclassified", cause, true, false},
		{"canceled", context.Canceled, false, false},
		{"transient", NewTransient("resend", cause), true, false},
		{"permanent", NewPermanent("resend", cause), false, true},
		{"wrapped permanent", fmt.Errorf("send: %w", NewPermanent("ses", cause)), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
			if got := IsPermanent(tt.err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.permanent)
			}
		})
	}
}

func TestErrorUnwrapAndRetryable(t *testing.T) {
	cause := errors.New("rejected")
	err := &Error{Kind: Permanent, Provider: "ses", Code: "MessageRejected", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
	if err.Retryable() {
		t.Error("permanent error must not be retryable")
	}
	if !NewTransient("x", cause).Retryable() {
		t.Error("transient error must be retryable")
	}
}

func TestKindForStatus(t *testing.T) {
	tests := map[int]ErrorKind{
		http.StatusTooManyRequests:     Transient,
		http.StatusInternalServerError: Transient,
		http.StatusBadGateway:          Transient,
		http.StatusRequestTimeout:      Transient,
		http.StatusBadRequest:          Permanent,
		http.StatusUnauthorized:        Permanent,
		http.StatusUnprocessableEntity: Permanent,
	}
	for status, want := range tests {
		if got := KindForStatus(status); got != want {
			t.Errorf("KindForStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestDecodeNotification(t *testing.T) {
	body := []byte(`{
		"type": "email.received",
		"created_at": "2026-01-02T03:04:05Z",
		"data": {
			"email_id": "em_123",
			"from": "Acme <no-reply@acme.io>",
			"to": ["agent@relay.dev"],
			"subject": "Your code",
			"text": "Your code is 482913",
			"headers": [{"name": "X-Mailer", "value": "acme"}],
			"raw": "RnJvbTogYUBiLmlvDQoNCmhp"
		}
	}`)
	n, err := DecodeNotification(body)
	if err != nil {
		t.Fatalf("DecodeNotification failed: %v", err)
	}
	if n.Type != NotificationReceived || n.ProviderMessageID != "em_123" {
		t.Errorf("got %+v", n)
	}
	if n.Recipient() != "agent@relay.dev" {
		t.Errorf("Recipient = %q", n.Recipient())
	}
	if n.Headers["X-Mailer"] != "acme" {
		t.Errorf("Headers = %v", n.Headers)
	}
	if string(n.Raw) != "From: a@b.io\r\n\r\nhi" {
		t.Errorf("Raw = %q", n.Raw)
	}
	if n.CreatedAt.Year() != 2026 {
		t.Errorf("CreatedAt = %v", n.CreatedAt)
	}
}

func TestDecodeNotificationHeaderObject(t *testing.T) {
	n, err := DecodeNotification([]byte(`{"type":"email.delivered","data":{"id":"em_9","headers":{"List-Id":"x"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if n.ProviderMessageID != "em_9" || n.Headers["List-Id"] != "x" {
		t.Errorf("got %+v", n)
	}
}

func TestDecodeNotificationInvalid(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"data":{"email_id":"x"}}`,
		`{"type":"email.received","data":{}}`,
		`{"type":"email.received","data":{"email_id":"x","raw":"%%%"}}`,
	} {
		if _, err := DecodeNotification([]byte(body)); !errors.Is(err, ErrInvalidNotification) {
			t.Errorf("%s: expected ErrInvalidNotification, got %v", body, err)
		}
	}
}
