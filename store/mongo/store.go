// Package mongo provides a MongoDB implementation of store.Store.
//
// Every record lives in its own collection. Idempotent creates rely on unique
// indexes, task claims are a single FindOneAndUpdate, and read-modify-write
// updates carry the version or revision they read in the filter.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/relay/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// maxRevisionRetries bounds optimistic read-modify-write loops on deliveries.
const maxRevisionRetries = 5

// Store implements store.Store using MongoDB.
type Store struct {
	client       *mongo.Client
	db           *mongo.Database
	messages     *mongo.Collection
	threads      *mongo.Collection
	events       *mongo.Collection
	destinations *mongo.Collection
	deliveries   *mongo.Collection
	tasks        *mongo.Collection
	opts         *options
	connected    int32
	logger       *slog.Logger
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
}

// Connect initializes the database, collections, and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return store.ErrAlreadyConnected
	}

	if s.client == nil {
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}

	s.db = s.client.Database(s.opts.database)
	s.messages = s.db.Collection(s.opts.prefix + "messages")
	s.threads = s.db.Collection(s.opts.prefix + "threads")
	s.events = s.db.Collection(s.opts.prefix + "events")
	s.destinations = s.db.Collection(s.opts.prefix + "destinations")
	s.deliveries = s.db.Collection(s.opts.prefix + "deliveries")
	s.tasks = s.db.Collection(s.opts.prefix + "tasks")

	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	s.logger.Info("connected to MongoDB", "database", s.opts.database, "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func asc(keys ...string) bson.D {
	d := make(bson.D, 0, len(keys))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: 1})
	}
	return d
}

// ensureIndexes creates required indexes.
func (s *Store) ensureIndexes(ctx context.Context) error {
	exists := func(field string) bson.M {
		return bson.M{field: bson.M{"$exists": true}}
	}
	unique := func(keys bson.D, partial bson.M) mongo.IndexModel {
		o := mongoopts.Index().SetUnique(true)
		if partial != nil {
			o.SetPartialFilterExpression(partial)
		}
		return mongo.IndexModel{Keys: keys, Options: o}
	}

	sets := []struct {
		coll    *mongo.Collection
		indexes []mongo.IndexModel
	}{
		{s.messages, []mongo.IndexModel{
			unique(asc("idempotency_key"), exists("idempotency_key")),
			unique(asc("provider_message_id"), exists("provider_message_id")),
			{Keys: asc("inbox_id", "status", "created_at")},
			{Keys: asc("status", "created_at")},
			{Keys: asc("thread_id", "created_at")},
		}},
		{s.threads, []mongo.IndexModel{
			unique(asc("inbox_id", "subject_key"), nil),
		}},
		{s.events, []mongo.IndexModel{
			unique(asc("message_id", "type"), nil),
		}},
		{s.destinations, []mongo.IndexModel{
			{Keys: asc("inbox_id")},
		}},
		{s.deliveries, []mongo.IndexModel{
			unique(asc("event_id", "destination_id"), nil),
			{Keys: asc("status", "created_at")},
		}},
		{s.tasks, []mongo.IndexModel{
			unique(asc("kind", "natural_key"), exists("natural_key")),
			{Keys: bson.D{
				bson.E{Key: "status", Value: 1},
				bson.E{Key: "priority", Value: -1},
				bson.E{Key: "next_attempt_at", Value: 1},
			}},
			{Keys: asc("status", "lease_expires_at")},
		}},
	}
	for _, set := range sets {
		if _, err := set.coll.Indexes().CreateMany(ctx, set.indexes); err != nil {
			return fmt.Errorf("%s: %w", set.coll.Name(), err)
		}
	}
	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func newID() string {
	return bson.NewObjectID().Hex()
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.ErrNotFound
	}
	return err
}

// oldestFirst sorts by creation time with the id as tiebreaker.
func oldestFirst(limit int) *mongoopts.FindOptionsBuilder {
	o := mongoopts.Find().SetSort(asc("created_at", "_id"))
	if limit > 0 {
		o.SetLimit(int64(limit))
	}
	return o
}

// eqFilter builds an equality filter from field/value pairs, skipping empty values.
func eqFilter(pairs ...string) bson.M {
	f := bson.M{}
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] != "" {
			f[pairs[i]] = pairs[i+1]
		}
	}
	return f
}

// plain converts decoded BSON containers into the map and slice types the
// rest of the pipeline expects from JSON-shaped metadata.
func plain(v any) any {
	switch x := v.(type) {
	case bson.D:
		m := make(map[string]any, len(x))
		for _, e := range x {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.M:
		return plainMap(x)
	case map[string]any:
		return plainMap(x)
	case bson.A:
		return plainSlice(x)
	case []any:
		return plainSlice(x)
	}
	return v
}

func plainMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = plain(v)
	}
	return out
}

func plainSlice(a []any) []any {
	out := make([]any, len(a))
	for i, v := range a {
		out[i] = plain(v)
	}
	return out
}
