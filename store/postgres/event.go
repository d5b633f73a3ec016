package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/relay/store"
)

const eventColumns = `id, type, message_id, inbox_id, thread_id, payload, created_at`

type eventRow struct {
	ID        string    `db:"id"`
	Type      string    `db:"type"`
	MessageID string    `db:"message_id"`
	InboxID   string    `db:"inbox_id"`
	ThreadID  string    `db:"thread_id"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *eventRow) toEvent() (*store.Event, error) {
	ev := &store.Event{
		ID:        r.ID,
		Type:      store.EventType(r.Type),
		MessageID: r.MessageID,
		InboxID:   r.InboxID,
		ThreadID:  r.ThreadID,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
	}
	return ev, nil
}

// =============================================================================
// Events
// =============================================================================

// CreateEvent inserts an event or returns the existing one for (message, type).
func (s *Store) CreateEvent(ctx context.Context, ev *store.Event) (*store.Event, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id := ev.ID
	if id == "" {
		id = newID()
	}
	data := ev.Payload
	if data == nil {
		data = map[string]any{}
	}
	payload, err := jsonParam(data)
	if err != nil {
		return nil, false, fmt.Errorf("marshal event payload: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, type, message_id, inbox_id, thread_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_id, type) DO NOTHING
		RETURNING %s
	`, s.table("events"), eventColumns)

	var row eventRow
	err = s.db.QueryRowxContext(ctx, query,
		id, ev.Type, ev.MessageID, ev.InboxID, ev.ThreadID, payload, s.opts.now(),
	).StructScan(&row)
	if err == nil {
		out, err := row.toEvent()
		return out, true, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert event: %w", err)
	}

	existing := fmt.Sprintf(`SELECT %s FROM %s WHERE message_id = $1 AND type = $2`, eventColumns, s.table("events"))
	if err := s.db.GetContext(ctx, &row, existing, ev.MessageID, ev.Type); err != nil {
		return nil, false, fmt.Errorf("get existing event: %w", notFound(err))
	}
	out, err := row.toEvent()
	return out, false, err
}

// GetEvent retrieves an event by ID.
func (s *Store) GetEvent(ctx context.Context, id string) (*store.Event, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row eventRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, eventColumns, s.table("events"))
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.toEvent()
}

// ListEvents returns the events of a message in creation order.
func (s *Store) ListEvents(ctx context.Context, messageID string) ([]*store.Event, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rows []eventRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE message_id = $1 ORDER BY created_at, id`, eventColumns, s.table("events"))
	if err := s.db.SelectContext(ctx, &rows, query, messageID); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]*store.Event, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// =============================================================================
// Destinations
// =============================================================================

const destinationColumns = `id, inbox_id, url, secret, active, created_at`

type destinationRow struct {
	ID        string    `db:"id"`
	InboxID   string    `db:"inbox_id"`
	URL       string    `db:"url"`
	Secret    string    `db:"secret"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *destinationRow) toDestination() *store.Destination {
	return &store.Destination{
		ID:        r.ID,
		InboxID:   r.InboxID,
		URL:       r.URL,
		Secret:    r.Secret,
		Active:    r.Active,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

// CreateDestination registers a webhook destination.
func (s *Store) CreateDestination(ctx context.Context, d *store.Destination) (*store.Destination, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	id := d.ID
	if id == "" {
		id = newID()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, inbox_id, url, secret, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING %s
	`, s.table("destinations"), destinationColumns)

	var row destinationRow
	err := s.db.QueryRowxContext(ctx, query, id, d.InboxID, d.URL, d.Secret, d.Active, s.opts.now()).StructScan(&row)
	if isUniqueViolation(err) {
		return nil, store.ErrDuplicateEntry
	}
	if err != nil {
		return nil, fmt.Errorf("insert destination: %w", err)
	}
	return row.toDestination(), nil
}

// GetDestination retrieves a destination by ID.
func (s *Store) GetDestination(ctx context.Context, id string) (*store.Destination, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row destinationRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, destinationColumns, s.table("destinations"))
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, notFound(err)
	}
	return row.toDestination(), nil
}

// ListDestinations returns the destinations of an inbox.
func (s *Store) ListDestinations(ctx context.Context, inboxID string, activeOnly bool) ([]*store.Destination, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE inbox_id = $1 AND (active OR NOT $2) ORDER BY id`,
		destinationColumns, s.table("destinations"))
	var rows []destinationRow
	if err := s.db.SelectContext(ctx, &rows, query, inboxID, activeOnly); err != nil {
		return nil, fmt.Errorf("list destinations: %w", err)
	}
	out := make([]*store.Destination, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDestination())
	}
	return out, nil
}

// SetDestinationActive enables or disables a destination.
func (s *Store) SetDestinationActive(ctx context.Context, id string, active bool) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`UPDATE %s SET active = $1 WHERE id = $2`, s.table("destinations"))
	result, err := s.db.ExecContext(ctx, query, active, id)
	if err != nil {
		return fmt.Errorf("set destination active: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}
