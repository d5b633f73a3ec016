package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 8 * time.Second

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook: destination returned %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook: destination returned %d: %s", e.StatusCode, e.Body)
}

// Request is one signed POST.
type Request struct {
	URL       string
	Secret    string
	EventID   string
	EventType string
	Body      []byte
	// SentAt is signed into the timestamp header.
	SentAt time.Time
}

// Client POSTs signed payloads.
type Client struct {
	http *http.Client
}

// NewClient creates a client with the given per-attempt timeout.
// A nil transport uses http.DefaultTransport. Requests are traced with otelhttp.
func NewClient(timeout time.Duration, transport http.RoundTripper) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{http: &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
		// A redirect is not a delivery.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}}
}

// Post sends r and returns the response status. Only 2xx is success; any
// other status comes back as *StatusError alongside the code.
func (c *Client) Post(ctx context.Context, r Request) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return 0, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "relay-webhooks/1")
	req.Header.Set(HeaderID, r.EventID)
	req.Header.Set(HeaderEvent, r.EventType)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(r.SentAt.Unix(), 10))
	if r.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(r.Secret, r.SentAt, r.Body))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	return resp.StatusCode, nil
}
