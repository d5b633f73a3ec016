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

// messageDoc is the MongoDB document representation.
type messageDoc struct {
	ID                string            `bson:"_id"`
	Direction         string            `bson:"direction"`
	Status            string            `bson:"status"`
	InboxID           string            `bson:"inbox_id"`
	ThreadID          string            `bson:"thread_id"`
	Sender            string            `bson:"sender"`
	Recipient         string            `bson:"recipient"`
	Subject           string            `bson:"subject"`
	TextBody          string            `bson:"text_body"`
	HTMLBody          string            `bson:"html_body"`
	RawContent        []byte            `bson:"raw_content,omitempty"`
	RawContentURI     string            `bson:"raw_content_uri"`
	Headers           map[string]string `bson:"headers,omitempty"`
	ParsedMetadata    map[string]any    `bson:"parsed_metadata,omitempty"`
	ProviderMessageID string            `bson:"provider_message_id,omitempty"` // sparse unique
	IdempotencyKey    string            `bson:"idempotency_key,omitempty"`     // sparse unique
	LastError         string            `bson:"last_error"`
	Version           int64             `bson:"version"`
	CreatedAt         time.Time         `bson:"created_at"`
	UpdatedAt         time.Time         `bson:"updated_at"`
}

func newMessageDoc(m *store.Message) *messageDoc {
	return &messageDoc{
		ID:                m.ID,
		Direction:         string(m.Direction),
		Status:            string(m.Status),
		InboxID:           m.InboxID,
		ThreadID:          m.ThreadID,
		Sender:            m.Sender,
		Recipient:         m.Recipient,
		Subject:           m.Subject,
		TextBody:          m.TextBody,
		HTMLBody:          m.HTMLBody,
		RawContent:        m.RawContent,
		RawContentURI:     m.RawContentURI,
		Headers:           m.Headers,
		ParsedMetadata:    m.ParsedMetadata,
		ProviderMessageID: m.ProviderMessageID,
		IdempotencyKey:    m.IdempotencyKey,
		LastError:         m.LastError,
		Version:           m.Version,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func (d *messageDoc) toMessage() *store.Message {
	return &store.Message{
		ID:                d.ID,
		Direction:         store.Direction(d.Direction),
		Status:            store.Status(d.Status),
		InboxID:           d.InboxID,
		ThreadID:          d.ThreadID,
		Sender:            d.Sender,
		Recipient:         d.Recipient,
		Subject:           d.Subject,
		TextBody:          d.TextBody,
		HTMLBody:          d.HTMLBody,
		RawContent:        d.RawContent,
		RawContentURI:     d.RawContentURI,
		Headers:           d.Headers,
		ParsedMetadata:    plainMap(d.ParsedMetadata),
		ProviderMessageID: d.ProviderMessageID,
		IdempotencyKey:    d.IdempotencyKey,
		LastError:         d.LastError,
		Version:           d.Version,
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}
}

// =============================================================================
// Messages
// =============================================================================

// CreateMessage inserts a message or returns the one with the same idempotency key.
func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	m := msg.Clone()
	if err := m.CheckNew(); err != nil {
		return nil, false, err
	}
	if m.ID == "" {
		m.ID = newID()
	}
	now := s.opts.now()
	m.CreatedAt, m.UpdatedAt = now, now
	m.Version = 1

	_, err := s.messages.InsertOne(ctx, newMessageDoc(m))
	if err == nil {
		return m, true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}
	if m.IdempotencyKey == "" {
		return nil, false, store.ErrDuplicateEntry
	}

	var doc messageDoc
	err = s.messages.FindOne(ctx, bson.M{"idempotency_key": m.IdempotencyKey}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// the collision was on another unique field
		return nil, false, store.ErrDuplicateEntry
	}
	if err != nil {
		return nil, false, fmt.Errorf("find existing message: %w", err)
	}
	return doc.toMessage(), false, nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}
	return s.findMessage(ctx, bson.M{"_id": id})
}

// GetMessageByProviderID retrieves a message by its provider message id.
func (s *Store) GetMessageByProviderID(ctx context.Context, providerMessageID string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if providerMessageID == "" {
		return nil, store.ErrInvalidID
	}
	return s.findMessage(ctx, bson.M{"provider_message_id": providerMessageID})
}

func (s *Store) findMessage(ctx context.Context, filter bson.M) (*store.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc messageDoc
	if err := s.messages.FindOne(ctx, filter).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return doc.toMessage(), nil
}

// FindMessages lists messages matching the filter, oldest first.
func (s *Store) FindMessages(ctx context.Context, f store.MessageFilter) ([]*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := eqFilter(
		"inbox_id", f.InboxID,
		"thread_id", f.ThreadID,
		"direction", string(f.Direction),
		"status", string(f.Status),
	)
	cursor, err := s.messages.Find(ctx, filter, oldestFirst(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	out := make([]*store.Message, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toMessage())
	}
	return out, nil
}

// UpdateMessage applies a versioned update. The write matches on the version
// that was read, so a concurrent writer turns this call into a conflict.
func (s *Store) UpdateMessage(ctx context.Context, id string, expectedVersion int64, update store.MessageUpdate) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc messageDoc
	if err := s.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	if doc.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	current := doc.toMessage()
	next, err := update.Apply(current, s.opts.now())
	if err != nil {
		return nil, err
	}
	next.Version = current.Version + 1

	set := bson.M{
		"status":          string(next.Status),
		"thread_id":       next.ThreadID,
		"raw_content_uri": next.RawContentURI,
		"last_error":      next.LastError,
		"version":         next.Version,
		"updated_at":      next.UpdatedAt,
	}
	if next.ParsedMetadata != nil {
		set["parsed_metadata"] = next.ParsedMetadata
	}
	if next.ProviderMessageID != "" {
		set["provider_message_id"] = next.ProviderMessageID
	}

	result, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": id, "version": expectedVersion},
		bson.M{"$set": set},
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, store.ErrDuplicateEntry
		}
		return nil, fmt.Errorf("update message: %w", err)
	}
	if result.MatchedCount == 0 {
		return nil, store.ErrVersionConflict
	}
	return next, nil
}

// =============================================================================
// Threads
// =============================================================================

type threadDoc struct {
	ID           string    `bson:"_id"`
	InboxID      string    `bson:"inbox_id"`
	SubjectKey   string    `bson:"subject_key"`
	Subject      string    `bson:"subject"`
	Participants []string  `bson:"participants"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

// FindOrCreateThread upserts the thread for the inbox and normalized subject.
func (s *Store) FindOrCreateThread(ctx context.Context, inboxID, subject string, participants []string) (*store.Thread, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := s.opts.now()
	add := store.MergeParticipants(nil, participants)
	if add == nil {
		add = []string{}
	}
	filter := bson.M{"inbox_id": inboxID, "subject_key": store.NormalizeSubject(subject)}
	update := bson.M{
		"$setOnInsert": bson.M{
			"_id":        newID(),
			"subject":    subject,
			"created_at": now,
		},
		"$set":      bson.M{"updated_at": now},
		"$addToSet": bson.M{"participants": bson.M{"$each": add}},
	}
	opts := mongoopts.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(mongoopts.After)

	var doc threadDoc
	err := s.threads.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// lost an insert race; the winner's document now matches
		err = s.threads.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	}
	if err != nil {
		return nil, fmt.Errorf("upsert thread: %w", err)
	}
	return s.threadWithMessages(ctx, &doc)
}

// GetThread returns a thread with its message ids in creation order.
func (s *Store) GetThread(ctx context.Context, id string) (*store.Thread, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc threadDoc
	if err := s.threads.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return s.threadWithMessages(ctx, &doc)
}

func (s *Store) threadWithMessages(ctx context.Context, doc *threadDoc) (*store.Thread, error) {
	opts := oldestFirst(0).SetProjection(bson.M{"_id": 1})
	cursor, err := s.messages.Find(ctx, bson.M{"thread_id": doc.ID}, opts)
	if err != nil {
		return nil, fmt.Errorf("find thread messages: %w", err)
	}
	var ids []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &ids); err != nil {
		return nil, fmt.Errorf("decode thread messages: %w", err)
	}

	t := &store.Thread{
		ID:           doc.ID,
		InboxID:      doc.InboxID,
		Subject:      doc.Subject,
		Participants: append([]string(nil), doc.Participants...),
		MessageIDs:   make([]string, 0, len(ids)),
		CreatedAt:    doc.CreatedAt.UTC(),
		UpdatedAt:    doc.UpdatedAt.UTC(),
	}
	for _, m := range ids {
		t.MessageIDs = append(t.MessageIDs, m.ID)
	}
	return t, nil
}
