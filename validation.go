package relay

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

// MaxIdempotencyKeyLength is the maximum length of a client idempotency key.
const MaxIdempotencyKeyLength = 256

// reservedHeaders are set from SendRequest fields and cannot be overridden.
var reservedHeaders = map[string]bool{
	"from":       true,
	"to":         true,
	"subject":    true,
	"cc":         true,
	"bcc":        true,
	"message-id": true,
}

// MessageLimits holds outbound validation limits.
type MessageLimits struct {
	MaxSubjectLength int
	MaxBodySize      int
	MaxHeaders       int
}

// DefaultLimits returns the default message limits.
func DefaultLimits() MessageLimits {
	return MessageLimits{
		MaxSubjectLength: DefaultMaxSubjectLength,
		MaxBodySize:      DefaultMaxBodySize,
		MaxHeaders:       DefaultMaxHeaders,
	}
}

func (o *options) limits() MessageLimits {
	return MessageLimits{
		MaxSubjectLength: o.maxSubjectLength,
		MaxBodySize:      o.maxBodySize,
		MaxHeaders:       o.maxHeaders,
	}
}

// ParseAddress parses an RFC 5322 address, with or without a display name.
func ParseAddress(s string) (*mail.Address, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	return addr, nil
}

// InboxID returns the inbox identifier of an address: its lowercased
// addr-spec without display name.
func InboxID(address string) string {
	addr, err := mail.ParseAddress(strings.TrimSpace(address))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(address))
	}
	return strings.ToLower(addr.Address)
}

// ValidateSendRequest validates req against limits.
func ValidateSendRequest(req SendRequest, limits MessageLimits) error {
	if _, err := ParseAddress(req.From); err != nil {
		return fmt.Errorf("from: %w", err)
	}
	if _, err := ParseAddress(req.To); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	if err := ValidateSubject(req.Subject, limits.MaxSubjectLength); err != nil {
		return err
	}
	if strings.TrimSpace(req.Text) == "" && strings.TrimSpace(req.HTML) == "" {
		return ErrEmptyBody
	}
	for _, body := range []string{req.Text, req.HTML} {
		if len(body) > limits.MaxBodySize {
			return fmt.Errorf("%w: %d > %d bytes", ErrBodyTooLarge, len(body), limits.MaxBodySize)
		}
		if !utf8.ValidString(body) {
			return fmt.Errorf("%w: body is not valid UTF-8", ErrInvalidMessage)
		}
	}
	if err := ValidateHeaders(req.Headers, limits.MaxHeaders); err != nil {
		return err
	}
	if len(req.IdempotencyKey) > MaxIdempotencyKeyLength {
		return fmt.Errorf("%w: idempotency key longer than %d", ErrInvalidMessage, MaxIdempotencyKeyLength)
	}
	return nil
}

// ValidateSubject checks the subject is a non-empty single line within maxLength characters.
func ValidateSubject(subject string, maxLength int) error {
	if strings.TrimSpace(subject) == "" {
		return ErrEmptySubject
	}
	if n := utf8.RuneCountInString(subject); n > maxLength {
		return fmt.Errorf("%w: %d > %d", ErrSubjectTooLong, n, maxLength)
	}
	if strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("%w: subject contains a line break", ErrInvalidMessage)
	}
	return nil
}

// ValidateHeaders checks custom header names and values.
func ValidateHeaders(headers map[string]string, maxHeaders int) error {
	if len(headers) > maxHeaders {
		return fmt.Errorf("%w: %d headers > %d", ErrInvalidHeader, len(headers), maxHeaders)
	}
	for name, value := range headers {
		if !validHeaderName(name) {
			return fmt.Errorf("%w: name %q", ErrInvalidHeader, name)
		}
		if reservedHeaders[strings.ToLower(name)] {
			return fmt.Errorf("%w: %s is set by the service", ErrInvalidHeader, name)
		}
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("%w: value of %s contains a line break", ErrInvalidHeader, name)
		}
	}
	return nil
}

// validHeaderName reports whether name is a non-empty run of printable
// ASCII without colon or space (RFC 5322 field-name).
func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 33 || c > 126 || c == ':' {
			return false
		}
	}
	return true
}
