// Package parser extracts structured signals from inbound email.
//
// Parse is a pure function of its input: no clock, no randomness, no I/O
// beyond decoding the bytes it is given. Re-running it on the same content
// always yields the same Metadata, which keeps task retries safe.
package parser

import (
	"errors"
	"fmt"
	"maps"
	"net/mail"
	"strings"
)

// Sentinel errors. All of them are parse-degraded: the message keeps its
// raw content and moves to parse_failed, arrival is still notified.
var (
	// ErrEmptyContent is returned when the email has neither text nor HTML body.
	ErrEmptyContent = errors.New("parser: empty content")

	// ErrMalformedContent is returned when the raw MIME document cannot be decoded.
	ErrMalformedContent = errors.New("parser: malformed content")

	// ErrContentTooLarge is returned when the body exceeds the configured limit.
	ErrContentTooLarge = errors.New("parser: content too large")
)

// Metadata keys as stored on the message.
const (
	KeyOTPCodes          = "otp_codes"
	KeyLinks             = "links"
	KeyLinkTypes         = "link_types"
	KeySenderDisplayName = "sender_display_name"
	KeyHeaders           = "headers"
	KeyLinkTexts         = "link_texts"
	KeySenderIntent      = "sender_intent"
	KeyRequiresAction    = "requires_action"
	KeySummary           = "summary"
)

// Input is the raw inbound email.
type Input struct {
	// Raw is the full RFC 5322 message. Used when Text and HTML are empty.
	Raw []byte
	// Text and HTML bodies as delivered by the provider.
	Text string
	HTML string
	// From is the sender address, optionally with a display name.
	From string
	// Headers are provider-supplied headers, passed through unchanged.
	Headers map[string]string
}

// Metadata is the structured result of parsing.
type Metadata struct {
	// OTPCodes in first-seen order, without duplicates.
	OTPCodes []string
	// Links is the sorted set of URLs found in the body.
	Links []string
	// LinkTypes classifies every URL in Links.
	LinkTypes map[string]LinkType
	// LinkTexts holds the anchor or call-to-action text of links that have one.
	LinkTexts         map[string]string
	SenderDisplayName string
	Headers           map[string]string

	SenderIntent Intent
	// RequiresAction is set when there is a code or a link other than an
	// unsubscribe link.
	RequiresAction bool
	Summary        string
}

// Map returns the metadata in the shape persisted on a message.
func (m Metadata) Map() map[string]any {
	otp := make([]string, len(m.OTPCodes))
	copy(otp, m.OTPCodes)
	links := make([]string, len(m.Links))
	copy(links, m.Links)
	types := make(map[string]string, len(m.LinkTypes))
	for u, t := range m.LinkTypes {
		types[u] = string(t)
	}
	texts := maps.Clone(m.LinkTexts)
	if texts == nil {
		texts = map[string]string{}
	}
	headers := maps.Clone(m.Headers)
	if headers == nil {
		headers = map[string]string{}
	}
	intent := m.SenderIntent
	if intent == "" {
		intent = IntentUnknown
	}
	return map[string]any{
		KeyOTPCodes:          otp,
		KeyLinks:             links,
		KeyLinkTypes:         types,
		KeyLinkTexts:         texts,
		KeySenderDisplayName: m.SenderDisplayName,
		KeyHeaders:           headers,
		KeySenderIntent:      string(intent),
		KeyRequiresAction:    m.RequiresAction,
		KeySummary:           m.Summary,
	}
}

// Parser extracts Metadata with a configurable set of OTP patterns.
type Parser struct {
	otpPatterns   []OTPPattern
	minConfidence float64
	maxBodySize   int
}

// Option configures a Parser.
type Option func(*Parser)

// WithOTPPatterns replaces the default OTP patterns.
func WithOTPPatterns(patterns ...OTPPattern) Option {
	return func(p *Parser) {
		if len(patterns) > 0 {
			p.otpPatterns = append([]OTPPattern(nil), patterns...)
		}
	}
}

// WithMinConfidence sets the score an OTP candidate needs to be kept (default 0.5).
func WithMinConfidence(c float64) Option {
	return func(p *Parser) {
		if c > 0 && c <= 1 {
			p.minConfidence = c
		}
	}
}

// WithMaxBodySize limits the decoded body size in bytes (default 10 MB).
func WithMaxBodySize(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxBodySize = n
		}
	}
}

// New creates a parser.
func New(opts ...Option) *Parser {
	p := &Parser{
		otpPatterns:   DefaultOTPPatterns(),
		minConfidence: 0.5,
		maxBodySize:   10 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultParser = New()

// Parse parses in with the default parser.
func Parse(in Input) (Metadata, error) {
	return defaultParser.Parse(in)
}

// Parse extracts OTP codes, links, the sender display name and pass-through
// headers from in, and derives the sender intent and a summary from them.
func (p *Parser) Parse(in Input) (Metadata, error) {
	text, html, from := in.Text, in.HTML, in.From
	if text == "" && html == "" && len(in.Raw) > 0 {
		decoded, err := decodeMIME(in.Raw, p.maxBodySize)
		if err != nil {
			return Metadata{}, err
		}
		text, html = decoded.text, decoded.html
		if from == "" {
			from = decoded.from
		}
	}
	if len(text)+len(html) > p.maxBodySize {
		return Metadata{}, fmt.Errorf("%w: %d bytes", ErrContentTooLarge, len(text)+len(html))
	}
	if strings.TrimSpace(text) == "" && strings.TrimSpace(html) == "" {
		return Metadata{}, ErrEmptyContent
	}

	doc := newDocument(text, html)
	links, types, texts := extractLinks(doc.links, doc.anchors)
	otps := p.extractOTPs(doc)
	intent := senderIntent(doc.text, otps, links, types)
	nActions := actionLinks(links, types)

	return Metadata{
		OTPCodes:          otps,
		Links:             links,
		LinkTypes:         types,
		LinkTexts:         texts,
		SenderDisplayName: displayName(from),
		Headers:           maps.Clone(in.Headers),
		SenderIntent:      intent,
		RequiresAction:    len(otps) > 0 || nActions > 0,
		Summary:           summarize(otps, nActions, intent),
	}, nil
}

// displayName returns the name part of an address, or "" when there is none.
func displayName(from string) string {
	if from == "" {
		return ""
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(addr.Name)
}
