package store

import (
	"fmt"
	"maps"
	"time"
)

// Direction tells whether a message leaves or enters the system.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Status is the lifecycle state of a message.
type Status string

// Outbound states.
const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusBounced   Status = "bounced"
	StatusFailed    Status = "failed"
)

// Inbound states.
const (
	StatusReceived            Status = "received"
	StatusParsed              Status = "parsed"
	StatusParseFailed         Status = "parse_failed"
	StatusDeliveredToCustomer Status = "delivered_to_customer"
)

// transitions lists the allowed status changes per direction.
var transitions = map[Direction]map[Status][]Status{
	DirectionOutbound: {
		StatusQueued:  {StatusSending, StatusFailed},
		StatusSending: {StatusSent, StatusFailed},
		StatusSent:    {StatusDelivered, StatusBounced},
	},
	DirectionInbound: {
		StatusReceived:    {StatusParsed, StatusParseFailed},
		StatusParsed:      {StatusDeliveredToCustomer},
		StatusParseFailed: {StatusReceived},
	},
}

// InitialStatus returns the state a new message of the given direction starts in.
func InitialStatus(d Direction) Status {
	if d == DirectionInbound {
		return StatusReceived
	}
	return StatusQueued
}

// CheckNew sets an empty status to the initial status for the message's
// direction. Any other starting status is ErrInvalidTransition.
func (m *Message) CheckNew() error {
	initial := InitialStatus(m.Direction)
	switch m.Status {
	case "":
		m.Status = initial
	case initial:
	default:
		return fmt.Errorf("%w: new %s message cannot start %s", ErrInvalidTransition, m.Direction, m.Status)
	}
	return nil
}

// CanTransition reports whether a message may move from one status to another.
func CanTransition(d Direction, from, to Status) bool {
	for _, s := range transitions[d][from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition leaves the status.
// parse_failed is terminal for automatic processing; only manual replay leaves it.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusBounced, StatusFailed, StatusDeliveredToCustomer, StatusParseFailed:
		return true
	}
	return false
}

// Message is one inbound or outbound email and its lifecycle state.
type Message struct {
	ID                string
	Direction         Direction
	Status            Status
	InboxID           string
	ThreadID          string
	Sender            string
	Recipient         string
	Subject           string
	TextBody          string
	HTMLBody          string
	RawContent        []byte
	RawContentURI     string
	Headers           map[string]string
	ParsedMetadata    map[string]any
	ProviderMessageID string
	IdempotencyKey    string
	LastError         string
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Headers = maps.Clone(m.Headers)
	c.ParsedMetadata = maps.Clone(m.ParsedMetadata)
	if m.RawContent != nil {
		c.RawContent = append([]byte(nil), m.RawContent...)
	}
	return &c
}

// MessageUpdate describes a versioned change to a message.
// Zero-valued fields are left unchanged.
type MessageUpdate struct {
	Status            Status
	ThreadID          string
	ParsedMetadata    map[string]any
	ProviderMessageID string
	RawContentURI     string
	LastError         *string
}

// Apply validates the update against the current message and returns the new record.
// The version is not touched; stores increment it.
func (u MessageUpdate) Apply(m *Message, now time.Time) (*Message, error) {
	next := m.Clone()
	if u.Status != "" && u.Status != m.Status {
		if !CanTransition(m.Direction, m.Status, u.Status) {
			return nil, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, m.Direction, m.Status, u.Status)
		}
		next.Status = u.Status
	}
	if u.ProviderMessageID != "" {
		next.ProviderMessageID = u.ProviderMessageID
	}
	if next.Status == StatusSent && next.ProviderMessageID == "" {
		return nil, ErrMissingProviderID
	}
	if u.ThreadID != "" {
		next.ThreadID = u.ThreadID
	}
	if u.ParsedMetadata != nil {
		next.ParsedMetadata = maps.Clone(u.ParsedMetadata)
	}
	if u.RawContentURI != "" {
		next.RawContentURI = u.RawContentURI
	}
	if u.LastError != nil {
		next.LastError = *u.LastError
	}
	next.UpdatedAt = now
	return next, nil
}

// MessageFilter selects messages for operator queries.
type MessageFilter struct {
	InboxID   string
	ThreadID  string
	Direction Direction
	Status    Status
	Limit     int
}
