// Package provider defines the contract between the pipeline and an email
// provider: sending outbound mail, and receiving the provider's signed
// notifications about inbound mail and delivery outcomes.
//
// Implementations live in subpackages (resend, ses). Every error returned by
// a Sender should be a *Error so the dispatcher can tell a retryable
// failure from a terminal one.
package provider

import (
	"context"
	"net/http"
)

// OutboundEmail is one email to send.
type OutboundEmail struct {
	From    string
	To      string
	Subject string
	Text    string
	HTML    string
	Headers map[string]string

	// IdempotencyKey is forwarded to providers that support it, so a retried
	// send after an ambiguous failure is not delivered twice.
	IdempotencyKey string
}

// SendResult is the provider's acknowledgement of an accepted email.
type SendResult struct {
	ProviderMessageID string
}

// Sender hands outbound email to a provider.
type Sender interface {
	Send(ctx context.Context, email OutboundEmail) (SendResult, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, email OutboundEmail) (SendResult, error)

// Send calls f(ctx, email).
func (f SenderFunc) Send(ctx context.Context, email OutboundEmail) (SendResult, error) {
	return f(ctx, email)
}

// Verifier authenticates an inbound provider notification.
// Verify returns ErrInvalidSignature (possibly wrapped) when the notification
// was not produced by the provider.
type Verifier interface {
	Verify(header http.Header, body []byte) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(header http.Header, body []byte) error

// Verify calls f(header, body).
func (f VerifierFunc) Verify(header http.Header, body []byte) error {
	return f(header, body)
}
