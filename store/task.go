package store

import (
	"encoding/json"
	"time"
)

// Kind identifies the handler a task is dispatched to.
type Kind string

const (
	KindSendEmail           Kind = "send_email"
	KindProcessInboundEmail Kind = "process_inbound_email"
	KindDeliverWebhook      Kind = "deliver_webhook"
)

// TaskStatus is the queue state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
)

// IsTerminal reports whether the task will not run again on its own.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// Task is a unit of dispatched work.
type Task struct {
	ID             string
	Kind           Kind
	Payload        json.RawMessage
	Status         TaskStatus
	Priority       int
	AttemptCount   int
	MaxAttempts    int
	NaturalKey     string
	WorkerID       string
	LeaseExpiresAt time.Time
	NextAttemptAt  time.Time
	LastError      string
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Lease returns the claim identity of the task as last claimed.
func (t *Task) Lease() Lease {
	return Lease{WorkerID: t.WorkerID, Attempt: t.AttemptCount}
}

// Clone returns a copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}

// IsDue reports whether the task can be claimed at now.
func (t *Task) IsDue(now time.Time) bool {
	switch t.Status {
	case TaskPending, TaskRetrying:
		return !t.NextAttemptAt.After(now)
	case TaskRunning:
		return !t.LeaseExpiresAt.After(now)
	}
	return false
}

// TaskUpdate is the outcome a worker records for a claimed task.
type TaskUpdate struct {
	Status        TaskStatus
	NextAttemptAt time.Time
	LastError     string
	// Result is what the handler produced; only kept for succeeded tasks.
	Result json.RawMessage
}

// TaskFilter selects tasks for operator queries.
type TaskFilter struct {
	Kind   Kind
	Status TaskStatus
	Limit  int
}
