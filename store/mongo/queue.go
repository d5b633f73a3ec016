package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/relay/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// =============================================================================
// Webhook deliveries
// =============================================================================

// deliveryDoc carries a revision counter; read-modify-write updates match on it.
type deliveryDoc struct {
	ID             string     `bson:"_id"`
	EventID        string     `bson:"event_id"`
	DestinationID  string     `bson:"destination_id"`
	DestinationURL string     `bson:"destination_url"`
	Status         string     `bson:"status"`
	AttemptCount   int        `bson:"attempt_count"`
	MaxAttempts    int        `bson:"max_attempts"`
	NextAttemptAt  time.Time  `bson:"next_attempt_at"`
	LastError      string     `bson:"last_error"`
	LastStatusCode int        `bson:"last_status_code"`
	DeliveredAt    *time.Time `bson:"delivered_at,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
	Rev            int64      `bson:"rev"`
}

func (d *deliveryDoc) toDelivery() *store.WebhookDelivery {
	out := &store.WebhookDelivery{
		ID:             d.ID,
		EventID:        d.EventID,
		DestinationID:  d.DestinationID,
		DestinationURL: d.DestinationURL,
		Status:         store.DeliveryStatus(d.Status),
		AttemptCount:   d.AttemptCount,
		MaxAttempts:    d.MaxAttempts,
		NextAttemptAt:  d.NextAttemptAt.UTC(),
		LastError:      d.LastError,
		LastStatusCode: d.LastStatusCode,
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
	if d.DeliveredAt != nil {
		out.DeliveredAt = d.DeliveredAt.UTC()
	}
	return out
}

// CreateDelivery inserts a delivery or returns the one for (event, destination).
func (s *Store) CreateDelivery(ctx context.Context, d *store.WebhookDelivery) (*store.WebhookDelivery, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := s.opts.now()
	doc := &deliveryDoc{
		ID:             d.ID,
		EventID:        d.EventID,
		DestinationID:  d.DestinationID,
		DestinationURL: d.DestinationURL,
		Status:         string(d.Status),
		AttemptCount:   d.AttemptCount,
		MaxAttempts:    d.MaxAttempts,
		NextAttemptAt:  d.NextAttemptAt,
		LastError:      d.LastError,
		LastStatusCode: d.LastStatusCode,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if doc.ID == "" {
		doc.ID = newID()
	}
	if doc.Status == "" {
		doc.Status = string(store.DeliveryPending)
	}
	if doc.NextAttemptAt.IsZero() {
		doc.NextAttemptAt = now
	}

	_, err := s.deliveries.InsertOne(ctx, doc)
	if err == nil {
		return doc.toDelivery(), true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("insert delivery: %w", err)
	}

	var existing deliveryDoc
	err = s.deliveries.FindOne(ctx, bson.M{"event_id": d.EventID, "destination_id": d.DestinationID}).Decode(&existing)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, store.ErrDuplicateEntry
	}
	if err != nil {
		return nil, false, fmt.Errorf("find existing delivery: %w", err)
	}
	return existing.toDelivery(), false, nil
}

// GetDelivery retrieves a delivery by ID.
func (s *Store) GetDelivery(ctx context.Context, id string) (*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var doc deliveryDoc
	if err := s.deliveries.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return doc.toDelivery(), nil
}

// modifyDelivery reads a delivery, applies fn and writes the result back if
// nobody wrote in between, retrying on a concurrent write.
func (s *Store) modifyDelivery(ctx context.Context, id string, fn func(*store.WebhookDelivery) (*store.WebhookDelivery, error)) (*store.WebhookDelivery, error) {
	for range maxRevisionRetries {
		var doc deliveryDoc
		if err := s.deliveries.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
			return nil, notFound(err)
		}
		next, err := fn(doc.toDelivery())
		if err != nil {
			return nil, err
		}

		set := bson.M{
			"status":           string(next.Status),
			"attempt_count":    next.AttemptCount,
			"next_attempt_at":  next.NextAttemptAt,
			"last_error":       next.LastError,
			"last_status_code": next.LastStatusCode,
			"updated_at":       next.UpdatedAt,
			"rev":              doc.Rev + 1,
		}
		if !next.DeliveredAt.IsZero() {
			set["delivered_at"] = next.DeliveredAt
		}
		result, err := s.deliveries.UpdateOne(ctx,
			bson.M{"_id": id, "rev": doc.Rev},
			bson.M{"$set": set},
		)
		if err != nil {
			return nil, fmt.Errorf("update delivery: %w", err)
		}
		if result.MatchedCount == 1 {
			return next, nil
		}
	}
	return nil, store.ErrVersionConflict
}

// UpdateDelivery applies an update to a pending delivery.
func (s *Store) UpdateDelivery(ctx context.Context, id string, update store.DeliveryUpdate) (*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	return s.modifyDelivery(ctx, id, func(d *store.WebhookDelivery) (*store.WebhookDelivery, error) {
		return update.Apply(d, s.opts.now())
	})
}

// ResetDelivery starts a fresh attempt sequence for a delivery.
func (s *Store) ResetDelivery(ctx context.Context, id string, nextAttemptAt time.Time) (*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	return s.modifyDelivery(ctx, id, func(d *store.WebhookDelivery) (*store.WebhookDelivery, error) {
		d.Status = store.DeliveryPending
		d.AttemptCount = 0
		if nextAttemptAt.After(d.NextAttemptAt) {
			d.NextAttemptAt = nextAttemptAt
		} else {
			d.NextAttemptAt = d.NextAttemptAt.Add(time.Millisecond)
		}
		d.UpdatedAt = s.opts.now()
		return d, nil
	})
}

// FindDeliveries lists deliveries matching the filter, oldest first.
func (s *Store) FindDeliveries(ctx context.Context, f store.DeliveryFilter) ([]*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	cursor, err := s.deliveries.Find(ctx, eqFilter("event_id", f.EventID, "status", string(f.Status)), oldestFirst(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("find deliveries: %w", err)
	}
	var docs []deliveryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode deliveries: %w", err)
	}
	out := make([]*store.WebhookDelivery, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toDelivery())
	}
	return out, nil
}

// =============================================================================
// Tasks
// =============================================================================

type taskDoc struct {
	ID             string     `bson:"_id"`
	Kind           string     `bson:"kind"`
	Payload        string     `bson:"payload"`
	Status         string     `bson:"status"`
	Priority       int        `bson:"priority"`
	AttemptCount   int        `bson:"attempt_count"`
	MaxAttempts    int        `bson:"max_attempts"`
	NaturalKey     string     `bson:"natural_key,omitempty"` // sparse unique with kind
	WorkerID       string     `bson:"worker_id"`
	LeaseExpiresAt *time.Time `bson:"lease_expires_at,omitempty"`
	NextAttemptAt  time.Time  `bson:"next_attempt_at"`
	LastError      string     `bson:"last_error"`
	Result         string     `bson:"result,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
}

func (d *taskDoc) toTask() *store.Task {
	t := &store.Task{
		ID:            d.ID,
		Kind:          store.Kind(d.Kind),
		Payload:       json.RawMessage(d.Payload),
		Status:        store.TaskStatus(d.Status),
		Priority:      d.Priority,
		AttemptCount:  d.AttemptCount,
		MaxAttempts:   d.MaxAttempts,
		NaturalKey:    d.NaturalKey,
		WorkerID:      d.WorkerID,
		NextAttemptAt: d.NextAttemptAt.UTC(),
		LastError:     d.LastError,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	if d.Result != "" {
		t.Result = json.RawMessage(d.Result)
	}
	if d.LeaseExpiresAt != nil {
		t.LeaseExpiresAt = d.LeaseExpiresAt.UTC()
	}
	return t
}

var afterUpdate = mongoopts.FindOneAndUpdate().SetReturnDocument(mongoopts.After)

// CreateTask inserts a task or returns the one with the same (kind, natural key).
func (s *Store) CreateTask(ctx context.Context, t *store.Task) (*store.Task, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	now := s.opts.now()
	doc := &taskDoc{
		ID:            t.ID,
		Kind:          string(t.Kind),
		Payload:       string(t.Payload),
		Status:        string(store.TaskPending),
		Priority:      t.Priority,
		MaxAttempts:   t.MaxAttempts,
		NaturalKey:    t.NaturalKey,
		NextAttemptAt: t.NextAttemptAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if doc.ID == "" {
		doc.ID = newID()
	}
	if doc.NextAttemptAt.IsZero() {
		doc.NextAttemptAt = now
	}

	_, err := s.tasks.InsertOne(ctx, doc)
	if err == nil {
		return doc.toTask(), true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}
	if t.NaturalKey == "" {
		return nil, false, store.ErrDuplicateEntry
	}

	var existing taskDoc
	err = s.tasks.FindOne(ctx, bson.M{"kind": string(t.Kind), "natural_key": t.NaturalKey}).Decode(&existing)
	if err != nil {
		return nil, false, fmt.Errorf("find existing task: %w", notFound(err))
	}
	return existing.toTask(), false, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	return s.getTask(ctx, id)
}

func (s *Store) getTask(ctx context.Context, id string) (*store.Task, error) {
	var doc taskDoc
	if err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err)
	}
	return doc.toTask(), nil
}

// ClaimTask claims the highest priority due task with one FindOneAndUpdate,
// which is atomic per document.
func (s *Store) ClaimTask(ctx context.Context, workerID string, now time.Time, visibility time.Duration) (*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{"$or": bson.A{
		bson.M{
			"status":          bson.M{"$in": bson.A{string(store.TaskPending), string(store.TaskRetrying)}},
			"next_attempt_at": bson.M{"$lte": now},
		},
		bson.M{
			"status":           string(store.TaskRunning),
			"lease_expires_at": bson.M{"$lte": now},
		},
	}}
	update := bson.M{
		"$set": bson.M{
			"status":           string(store.TaskRunning),
			"worker_id":        workerID,
			"lease_expires_at": now.Add(visibility),
			"updated_at":       s.opts.now(),
		},
		"$inc": bson.M{"attempt_count": 1},
	}
	opts := mongoopts.FindOneAndUpdate().
		SetReturnDocument(mongoopts.After).
		SetSort(bson.D{
			bson.E{Key: "priority", Value: -1},
			bson.E{Key: "next_attempt_at", Value: 1},
			bson.E{Key: "_id", Value: 1},
		})

	var doc taskDoc
	err := s.tasks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return doc.toTask(), nil
}

// FinishTask records the outcome of a claimed task while the lease still matches.
func (s *Store) FinishTask(ctx context.Context, id string, lease store.Lease, update store.TaskUpdate) (*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	set := bson.M{
		"status":     string(update.Status),
		"last_error": update.LastError,
		"updated_at": s.opts.now(),
	}
	if !update.NextAttemptAt.IsZero() {
		set["next_attempt_at"] = update.NextAttemptAt
	}
	unset := bson.M{"lease_expires_at": ""}
	if update.Status == store.TaskSucceeded && len(update.Result) > 0 {
		set["result"] = string(update.Result)
	} else {
		unset["result"] = ""
	}
	filter := bson.M{
		"_id":           id,
		"status":        string(store.TaskRunning),
		"worker_id":     lease.WorkerID,
		"attempt_count": lease.Attempt,
	}

	var doc taskDoc
	err := s.tasks.FindOneAndUpdate(ctx, filter, bson.M{
		"$set":   set,
		"$unset": unset,
	}, afterUpdate).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, gerr := s.getTask(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, store.ErrLeaseLost
	}
	if err != nil {
		return nil, fmt.Errorf("finish task: %w", err)
	}
	return doc.toTask(), nil
}

// RequeueTask resets a terminal task to pending.
func (s *Store) RequeueTask(ctx context.Context, id string, nextAttemptAt time.Time) (*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	filter := bson.M{
		"_id":    id,
		"status": bson.M{"$in": bson.A{string(store.TaskSucceeded), string(store.TaskFailed)}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":          string(store.TaskPending),
			"attempt_count":   0,
			"worker_id":       "",
			"next_attempt_at": nextAttemptAt,
			"updated_at":      s.opts.now(),
		},
		"$unset": bson.M{"result": ""},
	}

	var doc taskDoc
	err := s.tasks.FindOneAndUpdate(ctx, filter, update, afterUpdate).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, gerr := s.getTask(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, store.ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("requeue task: %w", err)
	}
	return doc.toTask(), nil
}

// FindTasks lists tasks matching the filter, oldest first.
func (s *Store) FindTasks(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	cursor, err := s.tasks.Find(ctx, eqFilter("kind", string(f.Kind), "status", string(f.Status)), oldestFirst(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("find tasks: %w", err)
	}
	var docs []taskDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	out := make([]*store.Task, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toTask())
	}
	return out, nil
}
