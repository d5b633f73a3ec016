// Package store provides the records and storage interfaces for the relay pipeline.
// Implementations are in store/memory, store/postgres and store/mongo.
//
// # Architectural Principle: No Distributed Locks
//
// The pipeline runs many workers against one shared store. None of them take a
// lock. All coordination goes through the database:
//
//  1. Atomic claim: a task is handed to a worker by a single conditional update
//     (status and lease fields in the WHERE clause / filter). Two workers can race
//     on the same row, only one update matches.
//
//  2. Idempotency via unique constraints: messages carry an idempotency key,
//     events are unique per (message, type), deliveries per (event, destination),
//     tasks per (kind, natural key). A duplicate insert returns the existing row.
//
//  3. Optimistic concurrency: message updates carry the version the caller read.
//     A stale version is rejected with ErrVersionConflict and the caller re-reads.
//
// Example - Claiming work:
//
//	task, err := tasks.ClaimTask(ctx, workerID, time.Now(), 30*time.Second)
//	if errors.Is(err, store.ErrNoTask) {
//	    return nil // queue is empty
//	}
//	// task.AttemptCount already includes this attempt
//
// Example - Status update:
//
//	msg, _ := messages.GetMessage(ctx, id)
//	_, err := messages.UpdateMessage(ctx, id, msg.Version, store.MessageUpdate{Status: store.StatusSending})
//	if errors.Is(err, store.ErrVersionConflict) {
//	    // another worker moved the message first; re-read and decide again
//	}
package store

import (
	"context"
	"time"
)

// Store is the full storage interface used by the relay service.
//
// All operations must be safe for concurrent use across processes.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	MessageStore
	ThreadStore
	EventStore
	DestinationStore
	DeliveryStore
	TaskStore
}

// MessageReader provides read operations for messages.
type MessageReader interface {
	// GetMessage retrieves a message by ID.
	// Returns ErrNotFound if the message doesn't exist.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// GetMessageByProviderID retrieves an outbound message by the id the provider assigned.
	GetMessageByProviderID(ctx context.Context, providerMessageID string) (*Message, error)

	// FindMessages lists messages matching the filter, oldest first.
	FindMessages(ctx context.Context, filter MessageFilter) ([]*Message, error)
}

// MessageWriter provides creation and versioned updates.
type MessageWriter interface {
	// CreateMessage atomically creates a message or returns the existing one
	// with the same idempotency key (created=false). Messages without an
	// idempotency key are always created.
	CreateMessage(ctx context.Context, msg *Message) (*Message, bool, error)

	// UpdateMessage applies update when the stored version equals expectedVersion.
	// The version is incremented on success. Returns ErrVersionConflict otherwise.
	UpdateMessage(ctx context.Context, id string, expectedVersion int64, update MessageUpdate) (*Message, error)
}

// MessageStore composes message reads and writes.
type MessageStore interface {
	MessageReader
	MessageWriter
}

// ThreadStore groups messages into conversations.
type ThreadStore interface {
	// FindOrCreateThread returns the thread for (inboxID, normalized subject),
	// creating it when absent. Participants are merged into the thread.
	FindOrCreateThread(ctx context.Context, inboxID, subject string, participants []string) (*Thread, error)

	// GetThread returns a thread with its message ids in creation order.
	GetThread(ctx context.Context, id string) (*Thread, error)
}

// EventStore records immutable lifecycle events.
type EventStore interface {
	// CreateEvent inserts an event or returns the existing one for the same
	// (message_id, type) with created=false.
	CreateEvent(ctx context.Context, ev *Event) (*Event, bool, error)

	GetEvent(ctx context.Context, id string) (*Event, error)

	// ListEvents returns the events of a message in creation order.
	ListEvents(ctx context.Context, messageID string) ([]*Event, error)
}

// DestinationStore holds per-customer webhook configuration.
type DestinationStore interface {
	CreateDestination(ctx context.Context, d *Destination) (*Destination, error)
	GetDestination(ctx context.Context, id string) (*Destination, error)
	ListDestinations(ctx context.Context, inboxID string, activeOnly bool) ([]*Destination, error)
	SetDestinationActive(ctx context.Context, id string, active bool) error
}

// DeliveryStore tracks webhook delivery attempt sequences.
type DeliveryStore interface {
	// CreateDelivery inserts a delivery or returns the existing one for the
	// same (event_id, destination_id) with created=false.
	CreateDelivery(ctx context.Context, d *WebhookDelivery) (*WebhookDelivery, bool, error)

	GetDelivery(ctx context.Context, id string) (*WebhookDelivery, error)

	// UpdateDelivery applies update to a pending delivery. Updates to a
	// delivery that is already delivered or exhausted return ErrTerminal.
	UpdateDelivery(ctx context.Context, id string, update DeliveryUpdate) (*WebhookDelivery, error)

	// ResetDelivery puts a terminal delivery back to pending with a fresh
	// attempt sequence. Used for operator redelivery.
	ResetDelivery(ctx context.Context, id string, nextAttemptAt time.Time) (*WebhookDelivery, error)

	FindDeliveries(ctx context.Context, filter DeliveryFilter) ([]*WebhookDelivery, error)
}

// TaskStore is the durable queue behind the dispatcher.
type TaskStore interface {
	// CreateTask inserts a task or returns the existing one for the same
	// (kind, natural key) with created=false.
	CreateTask(ctx context.Context, t *Task) (*Task, bool, error)

	GetTask(ctx context.Context, id string) (*Task, error)

	// ClaimTask atomically claims the highest priority due task. A task is due
	// when it is pending or retrying with next_attempt_at <= now, or running
	// with an expired lease. Returns ErrNoTask when nothing is due.
	ClaimTask(ctx context.Context, workerID string, now time.Time, visibility time.Duration) (*Task, error)

	// FinishTask moves a claimed task to its next state. The update only
	// applies while (worker_id, attempt_count) still match the claim;
	// otherwise ErrLeaseLost is returned.
	FinishTask(ctx context.Context, id string, lease Lease, update TaskUpdate) (*Task, error)

	// RequeueTask resets a failed or succeeded task to pending for another
	// attempt sequence.
	RequeueTask(ctx context.Context, id string, nextAttemptAt time.Time) (*Task, error)

	FindTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
}

// Lease identifies one claim of a task.
type Lease struct {
	WorkerID string
	Attempt  int
}
