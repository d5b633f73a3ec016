package webhook

import (
	"encoding/json"
	"time"

	"github.com/rbaliyan/relay/store"
)

// Payload is the JSON body POSTed to a destination.
type Payload struct {
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	MessageID string         `json:"message_id"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewPayload builds the delivery body for an event. The timestamp is the
// event's creation time so every retry sends identical bytes.
func NewPayload(ev *store.Event) Payload {
	data := ev.Payload
	if data == nil {
		data = map[string]any{}
	}
	return Payload{
		EventID:   ev.ID,
		Type:      string(ev.Type),
		MessageID: ev.MessageID,
		Payload:   data,
		Timestamp: ev.CreatedAt.UTC(),
	}
}

// Marshal encodes the payload as compact JSON.
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}
