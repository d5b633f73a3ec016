package relay

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		wantErr error
	}{
		{"valid subject", "Hello World", nil},
		{"unicode subject", "Привет мир", nil},
		{"empty subject", "", ErrEmptySubject},
		{"whitespace only", "   \t", ErrEmptySubject},
		{"too long", strings.Repeat("a", DefaultMaxSubjectLength+1), ErrSubjectTooLong},
		{"max length", strings.Repeat("a", DefaultMaxSubjectLength), nil},
		{"line feed", "a\nb", ErrInvalidMessage},
		{"carriage return", "a\rb", ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubject(tt.subject, DefaultMaxSubjectLength)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateSubjectCountsRunes(t *testing.T) {
	if err := ValidateSubject(strings.Repeat("é", 10), 10); err != nil {
		t.Errorf("10 runes within limit 10: %v", err)
	}
	if err := ValidateSubject(strings.Repeat("é", 11), 10); !errors.Is(err, ErrSubjectTooLong) {
		t.Errorf("expected ErrSubjectTooLong, got %v", err)
	}
}

func TestValidateHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		wantErr bool
	}{
		{"nil", nil, false},
		{"custom header", map[string]string{"X-Campaign": "spring"}, false},
		{"reserved header", map[string]string{"Subject": "x"}, true},
		{"reserved header any case", map[string]string{"message-ID": "x"}, true},
		{"colon in name", map[string]string{"X:Y": "x"}, true},
		{"space in name", map[string]string{"X Y": "x"}, true},
		{"empty name", map[string]string{"": "x"}, true},
		{"line break in value", map[string]string{"X-Tag": "a\r\nBcc: b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHeaders(tt.headers, DefaultMaxHeaders)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateHeaders() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidHeader) {
				t.Errorf("expected ErrInvalidHeader, got %v", err)
			}
		})
	}

	t.Run("too many headers", func(t *testing.T) {
		err := ValidateHeaders(map[string]string{"X-A": "1", "X-B": "2"}, 1)
		if !errors.Is(err, ErrInvalidHeader) {
			t.Errorf("expected ErrInvalidHeader, got %v", err)
		}
	})
}

func TestValidateSendRequest(t *testing.T) {
	valid := SendRequest{From: "Agent <agent@relay.dev>", To: "user@example.com", Subject: "Hi", Text: "body"}

	if err := ValidateSendRequest(valid, DefaultLimits()); err != nil {
		t.Fatalf("valid request: %v", err)
	}

	htmlOnly := valid
	htmlOnly.Text, htmlOnly.HTML = "", "<p>body</p>"
	if err := ValidateSendRequest(htmlOnly, DefaultLimits()); err != nil {
		t.Errorf("html-only request: %v", err)
	}

	big := valid
	big.Text = strings.Repeat("x", 11)
	if err := ValidateSendRequest(big, MessageLimits{MaxSubjectLength: 10, MaxBodySize: 10, MaxHeaders: 1}); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("expected ErrBodyTooLarge, got %v", err)
	}

	badUTF8 := valid
	badUTF8.Text = "\xff\xfe"
	if err := ValidateSendRequest(badUTF8, DefaultLimits()); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}

	longKey := valid
	longKey.IdempotencyKey = strings.Repeat("k", MaxIdempotencyKeyLength+1)
	if err := ValidateSendRequest(longKey, DefaultLimits()); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestInboxID(t *testing.T) {
	tests := map[string]string{
		"Agent@Relay.dev":           "agent@relay.dev",
		"Agent <Agent@Relay.dev>":   "agent@relay.dev",
		"  agent@relay.dev ":        "agent@relay.dev",
		"\"Ops, Team\" <ops@x.com>": "ops@x.com",
		"not an address":            "not an address",
	}
	for in, want := range tests {
		if got := InboxID(in); got != want {
			t.Errorf("InboxID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDefaultLimits(t *testing.T) {
	limits := DefaultLimits()
	if limits.MaxSubjectLength != DefaultMaxSubjectLength {
		t.Errorf("expected MaxSubjectLength %d, got %d", DefaultMaxSubjectLength, limits.MaxSubjectLength)
	}
	if limits.MaxBodySize != DefaultMaxBodySize {
		t.Errorf("expected MaxBodySize %d, got %d", DefaultMaxBodySize, limits.MaxBodySize)
	}
	if limits.MaxHeaders != DefaultMaxHeaders {
		t.Errorf("expected MaxHeaders %d, got %d", DefaultMaxHeaders, limits.MaxHeaders)
	}
}
