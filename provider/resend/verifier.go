package resend

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rbaliyan/relay/provider"
)

const (
	headerID        = "svix-id"
	headerTimestamp = "svix-timestamp"
	headerSignature = "svix-signature"
	secretPrefix    = "whsec_"

	// DefaultTolerance is how far a notification timestamp may drift from now.
	DefaultTolerance = 5 * time.Minute
)

// Verifier checks the svix signature Resend puts on its webhook calls:
// base64 HMAC-SHA256 over "<id>.<timestamp>.<body>" keyed with the
// endpoint secret.
type Verifier struct {
	key       []byte
	tolerance time.Duration
	now       func() time.Time
}

var _ provider.Verifier = (*Verifier)(nil)

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithTolerance sets the accepted timestamp drift.
func WithTolerance(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// WithVerifierClock overrides the time source.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier creates a verifier for a "whsec_..." endpoint secret.
func NewVerifier(secret string, opts ...VerifierOption) (*Verifier, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, secretPrefix))
	if err != nil || len(key) == 0 {
		return nil, fmt.Errorf("resend: invalid webhook secret")
	}
	v := &Verifier{key: key, tolerance: DefaultTolerance, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify authenticates a notification. Any failure wraps provider.ErrInvalidSignature.
func (v *Verifier) Verify(header http.Header, body []byte) error {
	id := header.Get(headerID)
	ts := header.Get(headerTimestamp)
	sigs := header.Get(headerSignature)
	if id == "" || ts == "" || sigs == "" {
		return fmt.Errorf("%w: missing headers", provider.ErrInvalidSignature)
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", provider.ErrInvalidSignature)
	}
	drift := v.now().Sub(time.Unix(sec, 0))
	if drift > v.tolerance || drift < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", provider.ErrInvalidSignature)
	}

	expected := v.sign(id, ts, body)
	for _, candidate := range strings.Fields(sigs) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", provider.ErrInvalidSignature)
}

// Sign returns the svix-signature header value for a payload. Used by tests
// and local tooling that replays notifications.
func (v *Verifier) Sign(id string, ts time.Time, body []byte) string {
	return "v1," + base64.StdEncoding.EncodeToString(v.sign(id, strconv.FormatInt(ts.Unix(), 10), body))
}

func (v *Verifier) sign(id, ts string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(id))
	mac.Write([]byte{'.'})
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}
