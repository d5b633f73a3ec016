// Package resend sends email through the Resend API and verifies Resend's
// signed inbound notifications.
package resend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/resend/resend-go/v2"

	"github.com/rbaliyan/relay/provider"
)

const providerName = "resend"

// options holds Resend client configuration.
type options struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures the Resend sender.
type Option func(*options)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(u string) Option {
	return func(o *options) {
		o.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client used for API calls. Its transport is
// wrapped to observe response status codes.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithTimeout bounds each API call (default 15s).
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Sender implements provider.Sender on the Resend API.
type Sender struct {
	client *resend.Client
	logger *slog.Logger
}

var _ provider.Sender = (*Sender)(nil)

// New creates a Resend sender.
func New(apiKey string, opts ...Option) (*Sender, error) {
	if apiKey == "" {
		return nil, errors.New("resend: api key is required")
	}
	o := &options{timeout: 15 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	base := http.DefaultTransport
	if o.httpClient != nil && o.httpClient.Transport != nil {
		base = o.httpClient.Transport
	}
	hc := &http.Client{Transport: &statusTransport{base: base}, Timeout: o.timeout}

	client := resend.NewCustomClient(hc, apiKey)
	if o.baseURL != "" {
		u, err := url.Parse(o.baseURL)
		if err != nil {
			return nil, fmt.Errorf("resend: invalid base url: %w", err)
		}
		if u.Path == "" {
			u.Path = "/"
		}
		client.BaseURL = u
	}
	return &Sender{client: client, logger: o.logger}, nil
}

// Send submits the email. The message's idempotency key is passed as
// Resend's Idempotency-Key so a retry after a lost response is not sent twice.
func (s *Sender) Send(ctx context.Context, email provider.OutboundEmail) (provider.SendResult, error) {
	params := &resend.SendEmailRequest{
		From:    email.From,
		To:      []string{email.To},
		Subject: email.Subject,
		Html:    email.HTML,
		Text:    email.Text,
		Headers: email.Headers,
	}

	var status int
	ctx = context.WithValue(ctx, statusKey{}, &status)

	var (
		resp *resend.SendEmailResponse
		err  error
	)
	if email.IdempotencyKey != "" {
		resp, err = s.client.Emails.SendWithOptions(ctx, params, &resend.SendEmailOptions{IdempotencyKey: email.IdempotencyKey})
	} else {
		resp, err = s.client.Emails.SendWithContext(ctx, params)
	}
	if err != nil {
		return provider.SendResult{}, classify(err, status)
	}
	if resp == nil || resp.Id == "" {
		return provider.SendResult{}, provider.NewTransient(providerName, errors.New("empty message id in response"))
	}
	s.logger.Debug("resend accepted email", "provider_message_id", resp.Id, "to", email.To)
	return provider.SendResult{ProviderMessageID: resp.Id}, nil
}

// classify maps a failed call to a provider error using the observed HTTP
// status. Without a status the failure happened in transport and is retried.
func classify(err error, status int) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if status == 0 || provider.IsNetworkError(err) {
		return &provider.Error{Kind: provider.Transient, Provider: providerName, Err: err}
	}
	return &provider.Error{
		Kind:       provider.KindForStatus(status),
		Provider:   providerName,
		StatusCode: status,
		Err:        err,
	}
}

type statusKey struct{}

// statusTransport records the response status into the request context slot.
type statusTransport struct {
	base http.RoundTripper
}

func (t *statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil {
		if slot, ok := req.Context().Value(statusKey{}).(*int); ok {
			*slot = resp.StatusCode
		}
	}
	return resp, err
}
