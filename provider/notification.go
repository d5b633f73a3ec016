package provider

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NotificationType is the kind of provider notification.
type NotificationType string

const (
	NotificationReceived  NotificationType = "email.received"
	NotificationSent      NotificationType = "email.sent"
	NotificationDelivered NotificationType = "email.delivered"
	NotificationBounced   NotificationType = "email.bounced"
)

// Notification is a decoded provider callback.
type Notification struct {
	Type NotificationType
	// ProviderMessageID identifies the email at the provider.
	ProviderMessageID string
	From              string
	To                []string
	Subject           string
	Text              string
	HTML              string
	Headers           map[string]string
	// Raw is the full MIME document when the provider includes it.
	Raw       []byte
	CreatedAt time.Time
}

// Recipient returns the first recipient, or "".
func (n *Notification) Recipient() string {
	if len(n.To) == 0 {
		return ""
	}
	return n.To[0]
}

type notificationEnvelope struct {
	Type      string           `json:"type"`
	CreatedAt time.Time        `json:"created_at"`
	Data      notificationData `json:"data"`
}

type notificationData struct {
	EmailID string          `json:"email_id"`
	ID      string          `json:"id"`
	From    string          `json:"from"`
	To      []string        `json:"to"`
	Subject string          `json:"subject"`
	Text    string          `json:"text"`
	HTML    string          `json:"html"`
	Headers json.RawMessage `json:"headers"`
	Raw     string          `json:"raw"`
}

type headerPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// DecodeNotification decodes a provider notification body of the form
// {"type": ..., "created_at": ..., "data": {"email_id": ..., ...}}.
func DecodeNotification(body []byte) (*Notification, error) {
	var env notificationEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidNotification)
	}
	id := env.Data.EmailID
	if id == "" {
		id = env.Data.ID
	}
	if id == "" {
		return nil, fmt.Errorf("%w: missing email id", ErrInvalidNotification)
	}

	headers, err := decodeHeaders(env.Data.Headers)
	if err != nil {
		return nil, fmt.Errorf("%w: headers: %v", ErrInvalidNotification, err)
	}

	n := &Notification{
		Type:              NotificationType(env.Type),
		ProviderMessageID: id,
		From:              env.Data.From,
		To:                env.Data.To,
		Subject:           env.Data.Subject,
		Text:              env.Data.Text,
		HTML:              env.Data.HTML,
		Headers:           headers,
		CreatedAt:         env.CreatedAt,
	}
	if env.Data.Raw != "" {
		raw, err := base64.StdEncoding.DecodeString(env.Data.Raw)
		if err != nil {
			return nil, fmt.Errorf("%w: raw: %v", ErrInvalidNotification, err)
		}
		n.Raw = raw
	}
	return n, nil
}

// decodeHeaders accepts either an object or a list of {name, value} pairs.
func decodeHeaders(raw json.RawMessage) (map[string]string, error) {
	headers := make(map[string]string)
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return headers, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var pairs []headerPair
		if err := json.Unmarshal(raw, &pairs); err != nil {
			return nil, err
		}
		for _, p := range pairs {
			headers[p.Name] = p.Value
		}
		return headers, nil
	}
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, err
	}
	return headers, nil
}
