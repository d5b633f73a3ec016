package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/relay/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

type eventDoc struct {
	ID        string         `bson:"_id"`
	Type      string         `bson:"type"`
	MessageID string         `bson:"message_id"`
	InboxID   string         `bson:"inbox_id"`
	ThreadID  string         `bson:"thread_id"`
	Payload   map[string]any `bson:"payload"`
	CreatedAt time.Time      `bson:"created_at"`
}

func (d *eventDoc) toEvent() *store.Event {
	return &store.Event{
		ID:        d.ID,
		Type:      store.EventType(d.Type),
		MessageID: d.MessageID,
		InboxID:   d.InboxID,
		ThreadID:  d.ThreadID,
		Payload:   plainMap(d.Payload),
		CreatedAt: d.CreatedAt.UTC(),
	}
}

// CreateEvent inserts an event or returns the existing one for (message, type).
func (s *Store) CreateEvent(ctx context.Context, ev *store.Event) (*store.Event, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	e := ev.Clone()
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	e.CreatedAt = s.opts.now()

	doc := &eventDoc{
		ID:        e.ID,
		Type:      string(e.Type),
		MessageID: e.MessageID,
		InboxID:   e.InboxID,
		ThreadID:  e.ThreadID,
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	}
	_, err := s.events.InsertOne(ctx, doc)
	if err == nil {
		return e, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("insert event: %w", err)
	}

	var existing eventDoc
	err = s.events.FindOne(ctx, bson.M{"message_id": e.MessageID, "type": string(e.Type)}).Decode(&existing)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, store.ErrDuplicateEntry
	}
	if err != nil {
		return nil, false, fmt.Errorf("find existing event: %w", err)
	}
	return existing.toEvent(), false, nil
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*store.Event, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc eventDoc
	if err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return doc.toEvent(), nil
}

// ListEvents returns the events of a message in creation order.
func (s *Store) ListEvents(ctx context.Context, messageID string) ([]*store.Event, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	cursor, err := s.events.Find(ctx, bson.M{"message_id": messageID}, oldestFirst(0))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	var docs []eventDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode events: %w", err)
	}
	out := make([]*store.Event, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toEvent())
	}
	return out, nil
}

// =============================================================================
// Destinations
// =============================================================================

type destinationDoc struct {
	ID        string    `bson:"_id"`
	InboxID   string    `bson:"inbox_id"`
	URL       string    `bson:"url"`
	Secret    string    `bson:"secret"`
	Active    bool      `bson:"active"`
	CreatedAt time.Time `bson:"created_at"`
}

func (d *destinationDoc) toDestination() *store.Destination {
	return &store.Destination{
		ID:        d.ID,
		InboxID:   d.InboxID,
		URL:       d.URL,
		Secret:    d.Secret,
		Active:    d.Active,
		CreatedAt: d.CreatedAt.UTC(),
	}
}

// CreateDestination registers a webhook destination.
func (s *Store) CreateDestination(ctx context.Context, d *store.Destination) (*store.Destination, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	doc := &destinationDoc{
		ID:        d.ID,
		InboxID:   d.InboxID,
		URL:       d.URL,
		Secret:    d.Secret,
		Active:    d.Active,
		CreatedAt: s.opts.now(),
	}
	if doc.ID == "" {
		doc.ID = newID()
	}
	if _, err := s.destinations.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicateEntry
		}
		return nil, fmt.Errorf("insert destination: %w", err)
	}
	return doc.toDestination(), nil
}

// GetDestination retrieves a destination by ID.
func (s *Store) GetDestination(ctx context.Context, id string) (*store.Destination, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc destinationDoc
	if err := s.destinations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return doc.toDestination(), nil
}

// ListDestinations returns the destinations of an inbox.
func (s *Store) ListDestinations(ctx context.Context, inboxID string, activeOnly bool) ([]*store.Destination, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{"inbox_id": inboxID}
	if activeOnly {
		filter["active"] = true
	}
	cursor, err := s.destinations.Find(ctx, filter, mongoopts.Find().SetSort(asc("_id")))
	if err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	var docs []destinationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode destinations: %w", err)
	}
	out := make([]*store.Destination, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toDestination())
	}
	return out, nil
}

// SetDestinationActive enables or disables a destination.
func (s *Store) SetDestinationActive(ctx context.Context, id string, active bool) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	result, err := s.destinations.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"active": active}})
	if err != nil {
		return fmt.Errorf("set destination active: %w", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
