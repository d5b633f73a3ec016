package store

import (
	"maps"
	"regexp"
	"strings"
	"time"
)

// EventType names a lifecycle fact about a message.
type EventType string

const (
	EventMessageQueued    EventType = "message.queued"
	EventMessageSent      EventType = "message.sent"
	EventMessageFailed    EventType = "message.failed"
	EventMessageDelivered EventType = "message.delivered"
	EventMessageBounced   EventType = "message.bounced"
	EventMessageReceived  EventType = "message.received"
	EventMessageParsed    EventType = "message.parsed"
)

// Event is an immutable fact tied to a message.
type Event struct {
	ID        string
	Type      EventType
	MessageID string
	InboxID   string
	ThreadID  string
	Payload   map[string]any
	CreatedAt time.Time
}

// Clone returns a copy of the event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = maps.Clone(e.Payload)
	return &c
}

// Thread is a conversation grouping messages of one inbox by subject.
type Thread struct {
	ID           string
	InboxID      string
	Subject      string
	Participants []string
	// MessageIDs is ordered by message creation time.
	MessageIDs []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

var replyPrefix = regexp.MustCompile(`(?i)^\s*((re|fw|fwd|aw)\s*(\[\d+\])?\s*:\s*)+`)

// NormalizeSubject strips reply and forward prefixes and folds case so that
// replies land in the thread of the original message.
func NormalizeSubject(subject string) string {
	s := replyPrefix.ReplaceAllString(subject, "")
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// MergeParticipants adds the addresses in add that are not yet in have.
func MergeParticipants(have, add []string) []string {
	out := append([]string(nil), have...)
	seen := make(map[string]bool, len(have))
	for _, p := range have {
		seen[strings.ToLower(p)] = true
	}
	for _, p := range add {
		k := strings.ToLower(strings.TrimSpace(p))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// Destination is a customer-registered webhook endpoint.
type Destination struct {
	ID        string
	InboxID   string
	URL       string
	Secret    string
	Active    bool
	CreatedAt time.Time
}

// DeliveryStatus is the state of a webhook delivery attempt sequence.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// WebhookDelivery is one destination's attempt sequence for one event.
type WebhookDelivery struct {
	ID             string
	EventID        string
	DestinationID  string
	DestinationURL string
	Status         DeliveryStatus
	AttemptCount   int
	MaxAttempts    int
	NextAttemptAt  time.Time
	LastError      string
	LastStatusCode int
	DeliveredAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Clone returns a copy of the delivery.
func (d *WebhookDelivery) Clone() *WebhookDelivery {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

// DeliveryUpdate changes a pending delivery. Zero-valued fields are left unchanged.
type DeliveryUpdate struct {
	Status         DeliveryStatus
	IncAttempt     bool
	NextAttemptAt  time.Time
	LastError      *string
	LastStatusCode int
}

// Apply validates the update and returns the new record.
func (u DeliveryUpdate) Apply(d *WebhookDelivery, now time.Time) (*WebhookDelivery, error) {
	if d.Status != DeliveryPending {
		return nil, ErrTerminal
	}
	next := d.Clone()
	if u.IncAttempt {
		if next.AttemptCount >= next.MaxAttempts {
			return nil, ErrTerminal
		}
		next.AttemptCount++
	}
	if u.Status != "" {
		next.Status = u.Status
		if u.Status == DeliveryDelivered {
			next.DeliveredAt = now
		}
	}
	if !u.NextAttemptAt.IsZero() {
		// next_attempt_at only moves forward
		if !u.NextAttemptAt.After(next.NextAttemptAt) {
			next.NextAttemptAt = next.NextAttemptAt.Add(time.Millisecond)
		} else {
			next.NextAttemptAt = u.NextAttemptAt
		}
	}
	if u.LastError != nil {
		next.LastError = *u.LastError
	}
	if u.LastStatusCode != 0 {
		next.LastStatusCode = u.LastStatusCode
	}
	next.UpdatedAt = now
	return next, nil
}

// DeliveryFilter selects deliveries for operator queries.
type DeliveryFilter struct {
	EventID string
	Status  DeliveryStatus
	Limit   int
}
