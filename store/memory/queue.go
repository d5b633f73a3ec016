package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rbaliyan/relay/store"
)

// =============================================================================
// Webhook deliveries
// =============================================================================

// CreateDelivery inserts a delivery or returns the one for (event, destination).
func (s *Store) CreateDelivery(ctx context.Context, d *store.WebhookDelivery) (*store.WebhookDelivery, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := d.EventID + "\x00" + d.DestinationID
	if id, ok := s.deliveryIdx[key]; ok {
		return s.deliveries[id].Clone(), false, nil
	}
	c := d.Clone()
	if c.ID == "" {
		c.ID = newID()
	}
	now := s.now()
	if c.Status == "" {
		c.Status = store.DeliveryPending
	}
	if c.NextAttemptAt.IsZero() {
		c.NextAttemptAt = now
	}
	c.CreatedAt, c.UpdatedAt = now, now
	s.deliveries[c.ID] = c
	s.deliveryIdx[key] = c.ID
	return c.Clone(), true, nil
}

// GetDelivery retrieves a delivery by ID.
func (s *Store) GetDelivery(ctx context.Context, id string) (*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d.Clone(), nil
}

// UpdateDelivery applies an update to a pending delivery.
func (s *Store) UpdateDelivery(ctx context.Context, id string, update store.DeliveryUpdate) (*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next, err := update.Apply(d, s.now())
	if err != nil {
		return nil, err
	}
	s.deliveries[id] = next
	return next.Clone(), nil
}

// ResetDelivery starts a fresh attempt sequence for a terminal delivery.
func (s *Store) ResetDelivery(ctx context.Context, id string, nextAttemptAt time.Time) (*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	d.Status = store.DeliveryPending
	d.AttemptCount = 0
	if nextAttemptAt.After(d.NextAttemptAt) {
		d.NextAttemptAt = nextAttemptAt
	} else {
		d.NextAttemptAt = d.NextAttemptAt.Add(time.Millisecond)
	}
	d.UpdatedAt = s.now()
	return d.Clone(), nil
}

// FindDeliveries lists deliveries matching the filter, oldest first.
func (s *Store) FindDeliveries(ctx context.Context, f store.DeliveryFilter) ([]*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.WebhookDelivery
	for _, d := range s.deliveries {
		if f.EventID != "" && d.EventID != f.EventID {
			continue
		}
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return limit(out, f.Limit), nil
}

// =============================================================================
// Tasks
// =============================================================================

// CreateTask inserts a task or returns the one with the same (kind, natural key).
func (s *Store) CreateTask(ctx context.Context, t *store.Task) (*store.Task, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(t.Kind) + "\x00" + t.NaturalKey
	if t.NaturalKey != "" {
		if id, ok := s.taskIdx[key]; ok {
			return s.tasks[id].Clone(), false, nil
		}
	}
	c := t.Clone()
	if c.ID == "" {
		c.ID = newID()
	}
	now := s.now()
	c.Status = store.TaskPending
	c.AttemptCount = 0
	if c.NextAttemptAt.IsZero() {
		c.NextAttemptAt = now
	}
	c.CreatedAt, c.UpdatedAt = now, now
	s.tasks[c.ID] = c
	if c.NaturalKey != "" {
		s.taskIdx[key] = c.ID
	}
	return c.Clone(), true, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.Clone(), nil
}

// ClaimTask claims the highest priority due task.
func (s *Store) ClaimTask(ctx context.Context, workerID string, now time.Time, visibility time.Duration) (*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *store.Task
	for _, t := range s.tasks {
		if !t.IsDue(now) {
			continue
		}
		if best == nil || claimsBefore(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, store.ErrNoTask
	}
	best.Status = store.TaskRunning
	best.WorkerID = workerID
	best.AttemptCount++
	best.LeaseExpiresAt = now.Add(visibility)
	best.UpdatedAt = s.now()
	return best.Clone(), nil
}

// claimsBefore orders due tasks: higher priority first, then earliest due.
func claimsBefore(a, b *store.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
		return a.NextAttemptAt.Before(b.NextAttemptAt)
	}
	return a.ID < b.ID
}

// FinishTask records the outcome of a claimed task.
func (s *Store) FinishTask(ctx context.Context, id string, lease store.Lease, update store.TaskUpdate) (*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != store.TaskRunning || t.WorkerID != lease.WorkerID || t.AttemptCount != lease.Attempt {
		return nil, store.ErrLeaseLost
	}
	t.Status = update.Status
	if !update.NextAttemptAt.IsZero() {
		t.NextAttemptAt = update.NextAttemptAt
	}
	t.LastError = update.LastError
	if update.Status == store.TaskSucceeded {
		t.Result = append(json.RawMessage(nil), update.Result...)
	}
	t.LeaseExpiresAt = time.Time{}
	t.UpdatedAt = s.now()
	return t.Clone(), nil
}

// RequeueTask resets a terminal task to pending.
func (s *Store) RequeueTask(ctx context.Context, id string, nextAttemptAt time.Time) (*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !t.Status.IsTerminal() {
		return nil, store.ErrInvalidTransition
	}
	t.Status = store.TaskPending
	t.AttemptCount = 0
	t.WorkerID = ""
	t.Result = nil
	t.NextAttemptAt = nextAttemptAt
	t.UpdatedAt = s.now()
	return t.Clone(), nil
}

// FindTasks lists tasks matching the filter, oldest first.
func (s *Store) FindTasks(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Task
	for _, t := range s.tasks {
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return limit(out, f.Limit), nil
}
