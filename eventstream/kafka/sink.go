// Package kafka streams lifecycle events to a Kafka topic. Records are keyed
// by message id so every event of one message lands on the same partition in
// emission order.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/rbaliyan/relay/store"
)

// Record is the JSON value written for each event.
type Record struct {
	EventID   string         `json:"event_id"`
	Type      string         `json:"type"`
	MessageID string         `json:"message_id"`
	InboxID   string         `json:"inbox_id,omitempty"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Sink publishes events to Kafka.
type Sink struct {
	w       writer
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures the sink.
type Option func(*Sink)

// WithTimeout bounds one publish (default 3s).
func WithTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a sink writing to topic on the comma separated brokers.
func New(brokersCSV, topic string, opts ...Option) (*Sink, error) {
	brokers := SplitCSV(brokersCSV)
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	return newSink(&kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}, opts...), nil
}

func newSink(w writer, opts ...Option) *Sink {
	s := &Sink{w: w, timeout: 3 * time.Second, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish writes one event.
func (s *Sink) Publish(ctx context.Context, ev *store.Event) error {
	value, err := json.Marshal(Record{
		EventID:   ev.ID,
		Type:      string(ev.Type),
		MessageID: ev.MessageID,
		InboxID:   ev.InboxID,
		ThreadID:  ev.ThreadID,
		Payload:   ev.Payload,
		Timestamp: ev.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("kafka: encode event %s: %w", ev.ID, err)
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err = s.w.WriteMessages(cctx, kgo.Message{
		Key:   []byte(ev.MessageID),
		Value: value,
		Time:  ev.CreatedAt,
		Headers: []kgo.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka: publish event %s: %w", ev.ID, err)
	}
	s.logger.Debug("event streamed", "event_id", ev.ID, "type", ev.Type)
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error { return s.w.Close() }

// SplitCSV splits a comma separated list, dropping blanks.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
