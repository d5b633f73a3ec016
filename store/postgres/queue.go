package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/relay/store"
)

// =============================================================================
// Webhook deliveries
// =============================================================================

const deliveryColumns = `id, event_id, destination_id, destination_url, status, attempt_count, max_attempts,
	next_attempt_at, last_error, last_status_code, delivered_at, created_at, updated_at`

type deliveryRow struct {
	ID             string       `db:"id"`
	EventID        string       `db:"event_id"`
	DestinationID  string       `db:"destination_id"`
	DestinationURL string       `db:"destination_url"`
	Status         string       `db:"status"`
	AttemptCount   int          `db:"attempt_count"`
	MaxAttempts    int          `db:"max_attempts"`
	NextAttemptAt  time.Time    `db:"next_attempt_at"`
	LastError      string       `db:"last_error"`
	LastStatusCode int          `db:"last_status_code"`
	DeliveredAt    sql.NullTime `db:"delivered_at"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r *deliveryRow) toDelivery() *store.WebhookDelivery {
	d := &store.WebhookDelivery{
		ID:             r.ID,
		EventID:        r.EventID,
		DestinationID:  r.DestinationID,
		DestinationURL: r.DestinationURL,
		Status:         store.DeliveryStatus(r.Status),
		AttemptCount:   r.AttemptCount,
		MaxAttempts:    r.MaxAttempts,
		NextAttemptAt:  r.NextAttemptAt.UTC(),
		LastError:      r.LastError,
		LastStatusCode: r.LastStatusCode,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if r.DeliveredAt.Valid {
		d.DeliveredAt = r.DeliveredAt.Time.UTC()
	}
	return d
}

// CreateDelivery inserts a delivery or returns the one for (event, destination).
func (s *Store) CreateDelivery(ctx context.Context, d *store.WebhookDelivery) (*store.WebhookDelivery, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	c := d.Clone()
	if c.ID == "" {
		c.ID = newID()
	}
	now := s.opts.now()
	if c.Status == "" {
		c.Status = store.DeliveryPending
	}
	if c.NextAttemptAt.IsZero() {
		c.NextAttemptAt = now
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, event_id, destination_id, destination_url, status, attempt_count, max_attempts,
		                next_attempt_at, last_error, last_status_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (event_id, destination_id) DO NOTHING
		RETURNING %s
	`, s.table("deliveries"), deliveryColumns)

	var row deliveryRow
	err := s.db.QueryRowxContext(ctx, query,
		c.ID, c.EventID, c.DestinationID, c.DestinationURL, c.Status, c.AttemptCount, c.MaxAttempts,
		c.NextAttemptAt, c.LastError, c.LastStatusCode, now,
	).StructScan(&row)
	if err == nil {
		return row.toDelivery(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert delivery: %w", err)
	}

	existing := fmt.Sprintf(`SELECT %s FROM %s WHERE event_id = $1 AND destination_id = $2`,
		deliveryColumns, s.table("deliveries"))
	if err := s.db.GetContext(ctx, &row, existing, c.EventID, c.DestinationID); err != nil {
		return nil, false, fmt.Errorf("get existing delivery: %w", notFound(err))
	}
	return row.toDelivery(), false, nil
}

// GetDelivery retrieves a delivery by ID.
func (s *Store) GetDelivery(ctx context.Context, id string) (*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.getDelivery(ctx, s.db, id, false)
}

func (s *Store) getDelivery(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (*store.WebhookDelivery, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, deliveryColumns, s.table("deliveries"))
	if forUpdate {
		query += " FOR UPDATE"
	}
	var row deliveryRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.toDelivery(), nil
}

func (s *Store) writeDelivery(ctx context.Context, tx *sqlx.Tx, d *store.WebhookDelivery) (*store.WebhookDelivery, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempt_count = $2, next_attempt_at = $3, last_error = $4,
		    last_status_code = $5, delivered_at = $6, updated_at = $7
		WHERE id = $8
		RETURNING %s
	`, s.table("deliveries"), deliveryColumns)
	var row deliveryRow
	err := tx.QueryRowxContext(ctx, query,
		d.Status, d.AttemptCount, d.NextAttemptAt, d.LastError,
		d.LastStatusCode, nullTime(d.DeliveredAt), d.UpdatedAt, d.ID,
	).StructScan(&row)
	if err != nil {
		return nil, fmt.Errorf("update delivery: %w", err)
	}
	return row.toDelivery(), nil
}

// UpdateDelivery applies an update to a pending delivery under a row lock.
func (s *Store) UpdateDelivery(ctx context.Context, id string, update store.DeliveryUpdate) (*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out *store.WebhookDelivery
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		d, err := s.getDelivery(ctx, tx, id, true)
		if err != nil {
			return err
		}
		next, err := update.Apply(d, s.opts.now())
		if err != nil {
			return err
		}
		out, err = s.writeDelivery(ctx, tx, next)
		return err
	})
	return out, err
}

// ResetDelivery starts a fresh attempt sequence for a delivery.
func (s *Store) ResetDelivery(ctx context.Context, id string, nextAttemptAt time.Time) (*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out *store.WebhookDelivery
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		d, err := s.getDelivery(ctx, tx, id, true)
		if err != nil {
			return err
		}
		d.Status = store.DeliveryPending
		d.AttemptCount = 0
		if nextAttemptAt.After(d.NextAttemptAt) {
			d.NextAttemptAt = nextAttemptAt
		} else {
			d.NextAttemptAt = d.NextAttemptAt.Add(time.Millisecond)
		}
		d.UpdatedAt = s.opts.now()
		out, err = s.writeDelivery(ctx, tx, d)
		return err
	})
	return out, err
}

// FindDeliveries lists deliveries matching the filter, oldest first.
func (s *Store) FindDeliveries(ctx context.Context, f store.DeliveryFilter) ([]*store.WebhookDelivery, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	where, args := whereEq("event_id", f.EventID, "status", string(f.Status))
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY created_at, id%s`,
		deliveryColumns, s.table("deliveries"), where, limitClause(f.Limit))
	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("find deliveries: %w", err)
	}
	out := make([]*store.WebhookDelivery, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDelivery())
	}
	return out, nil
}

// =============================================================================
// Tasks
// =============================================================================

const taskColumns = `id, kind, payload, status, priority, attempt_count, max_attempts, natural_key,
	worker_id, lease_expires_at, next_attempt_at, last_error, result, created_at, updated_at`

type taskRow struct {
	ID             string       `db:"id"`
	Kind           string       `db:"kind"`
	Payload        []byte       `db:"payload"`
	Status         string       `db:"status"`
	Priority       int          `db:"priority"`
	AttemptCount   int          `db:"attempt_count"`
	MaxAttempts    int          `db:"max_attempts"`
	NaturalKey     string       `db:"natural_key"`
	WorkerID       string       `db:"worker_id"`
	LeaseExpiresAt sql.NullTime `db:"lease_expires_at"`
	NextAttemptAt  time.Time    `db:"next_attempt_at"`
	LastError      string       `db:"last_error"`
	Result         []byte       `db:"result"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
}

func (r *taskRow) toTask() *store.Task {
	t := &store.Task{
		ID:            r.ID,
		Kind:          store.Kind(r.Kind),
		Payload:       json.RawMessage(r.Payload),
		Status:        store.TaskStatus(r.Status),
		Priority:      r.Priority,
		AttemptCount:  r.AttemptCount,
		MaxAttempts:   r.MaxAttempts,
		NaturalKey:    r.NaturalKey,
		WorkerID:      r.WorkerID,
		NextAttemptAt: r.NextAttemptAt.UTC(),
		LastError:     r.LastError,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if len(r.Result) > 0 {
		t.Result = json.RawMessage(r.Result)
	}
	if r.LeaseExpiresAt.Valid {
		t.LeaseExpiresAt = r.LeaseExpiresAt.Time.UTC()
	}
	return t
}

// CreateTask inserts a task or returns the one with the same (kind, natural key).
func (s *Store) CreateTask(ctx context.Context, t *store.Task) (*store.Task, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id := t.ID
	if id == "" {
		id = newID()
	}
	now := s.opts.now()
	next := t.NextAttemptAt
	if next.IsZero() {
		next = now
	}
	payload := string(t.Payload)
	if payload == "" {
		payload = "{}"
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, kind, payload, status, priority, attempt_count, max_attempts, natural_key,
		                next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $9)
		ON CONFLICT DO NOTHING
		RETURNING %s
	`, s.table("tasks"), taskColumns)

	var row taskRow
	err := s.db.QueryRowxContext(ctx, query,
		id, t.Kind, payload, store.TaskPending, t.Priority, t.MaxAttempts, t.NaturalKey, next, now,
	).StructScan(&row)
	if err == nil {
		return row.toTask(), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}
	if t.NaturalKey == "" {
		return nil, false, store.ErrDuplicateEntry
	}

	existing := fmt.Sprintf(`SELECT %s FROM %s WHERE kind = $1 AND natural_key = $2`, taskColumns, s.table("tasks"))
	if err := s.db.GetContext(ctx, &row, existing, t.Kind, t.NaturalKey); err != nil {
		return nil, false, fmt.Errorf("get existing task: %w", notFound(err))
	}
	return row.toTask(), false, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row taskRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, taskColumns, s.table("tasks"))
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.toTask(), nil
}

// ClaimTask claims the highest priority due task with one conditional update.
// Concurrent claimers skip rows another transaction is claiming, so no two
// workers get the same attempt.
func (s *Store) ClaimTask(ctx context.Context, workerID string, now time.Time, visibility time.Duration) (*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tasks := s.table("tasks")
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, worker_id = $2, attempt_count = attempt_count + 1,
		    lease_expires_at = $3, updated_at = $4
		WHERE id = (
			SELECT id FROM %s
			WHERE (status IN ($5, $6) AND next_attempt_at <= $7)
			   OR (status = $1 AND lease_expires_at <= $7)
			ORDER BY priority DESC, next_attempt_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, tasks, tasks, taskColumns)

	var row taskRow
	err := s.db.QueryRowxContext(ctx, query,
		store.TaskRunning, workerID, now.Add(visibility), s.opts.now(),
		store.TaskPending, store.TaskRetrying, now,
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoTask
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return row.toTask(), nil
}

// FinishTask records the outcome of a claimed task while the lease still matches.
func (s *Store) FinishTask(ctx context.Context, id string, lease store.Lease, update store.TaskUpdate) (*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, next_attempt_at = COALESCE($2, next_attempt_at), last_error = $3,
		    result = $4, lease_expires_at = NULL, updated_at = $5
		WHERE id = $6 AND status = $7 AND worker_id = $8 AND attempt_count = $9
		RETURNING %s
	`, s.table("tasks"), taskColumns)

	var row taskRow
	err := s.db.QueryRowxContext(ctx, query,
		update.Status, nullTime(update.NextAttemptAt), update.LastError, taskResult(update),
		s.opts.now(), id, store.TaskRunning, lease.WorkerID, lease.Attempt,
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.GetTask(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, store.ErrLeaseLost
	}
	if err != nil {
		return nil, fmt.Errorf("finish task: %w", err)
	}
	return row.toTask(), nil
}

// taskResult is the result column value: the handler output of a succeeded
// task, NULL otherwise.
func taskResult(update store.TaskUpdate) any {
	if update.Status != store.TaskSucceeded || len(update.Result) == 0 {
		return nil
	}
	return string(update.Result)
}

// RequeueTask resets a terminal task to pending.
func (s *Store) RequeueTask(ctx context.Context, id string, nextAttemptAt time.Time) (*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempt_count = 0, worker_id = '', result = NULL, next_attempt_at = $2, updated_at = $3
		WHERE id = $4 AND status IN ($5, $6)
		RETURNING %s
	`, s.table("tasks"), taskColumns)

	var row taskRow
	err := s.db.QueryRowxContext(ctx, query,
		store.TaskPending, nextAttemptAt, s.opts.now(), id, store.TaskSucceeded, store.TaskFailed,
	).StructScan(&row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := s.GetTask(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, store.ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("requeue task: %w", err)
	}
	return row.toTask(), nil
}

// FindTasks lists tasks matching the filter, oldest first.
func (s *Store) FindTasks(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	where, args := whereEq("kind", string(f.Kind), "status", string(f.Status))
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY created_at, id%s`,
		taskColumns, s.table("tasks"), where, limitClause(f.Limit))
	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("find tasks: %w", err)
	}
	out := make([]*store.Task, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toTask())
	}
	return out, nil
}
