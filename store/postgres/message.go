package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/relay/store"
)

const messageColumns = `id, direction, status, inbox_id, thread_id, sender, recipient, subject,
	text_body, html_body, raw_content, raw_content_uri, headers, parsed_metadata,
	provider_message_id, idempotency_key, last_error, version, created_at, updated_at`

// messageRow is the database shape of a message.
type messageRow struct {
	ID                string    `db:"id"`
	Direction         string    `db:"direction"`
	Status            string    `db:"status"`
	InboxID           string    `db:"inbox_id"`
	ThreadID          string    `db:"thread_id"`
	Sender            string    `db:"sender"`
	Recipient         string    `db:"recipient"`
	Subject           string    `db:"subject"`
	TextBody          string    `db:"text_body"`
	HTMLBody          string    `db:"html_body"`
	RawContent        []byte    `db:"raw_content"`
	RawContentURI     string    `db:"raw_content_uri"`
	Headers           []byte    `db:"headers"`
	ParsedMetadata    []byte    `db:"parsed_metadata"`
	ProviderMessageID string    `db:"provider_message_id"`
	IdempotencyKey    string    `db:"idempotency_key"`
	LastError         string    `db:"last_error"`
	Version           int64     `db:"version"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r *messageRow) toMessage() (*store.Message, error) {
	m := &store.Message{
		ID:                r.ID,
		Direction:         store.Direction(r.Direction),
		Status:            store.Status(r.Status),
		InboxID:           r.InboxID,
		ThreadID:          r.ThreadID,
		Sender:            r.Sender,
		Recipient:         r.Recipient,
		Subject:           r.Subject,
		TextBody:          r.TextBody,
		HTMLBody:          r.HTMLBody,
		RawContent:        r.RawContent,
		RawContentURI:     r.RawContentURI,
		ProviderMessageID: r.ProviderMessageID,
		IdempotencyKey:    r.IdempotencyKey,
		LastError:         r.LastError,
		Version:           r.Version,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &m.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if len(r.ParsedMetadata) > 0 {
		if err := json.Unmarshal(r.ParsedMetadata, &m.ParsedMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal parsed metadata: %w", err)
		}
	}
	return m, nil
}

// messageParams returns the JSON parameters of a message.
func messageParams(m *store.Message) (headers string, parsed any, err error) {
	hdrs := m.Headers
	if hdrs == nil {
		hdrs = map[string]string{}
	}
	if headers, err = jsonParam(hdrs); err != nil {
		return "", nil, fmt.Errorf("marshal headers: %w", err)
	}
	if m.ParsedMetadata != nil {
		p, err := jsonParam(m.ParsedMetadata)
		if err != nil {
			return "", nil, fmt.Errorf("marshal parsed metadata: %w", err)
		}
		parsed = p
	}
	return headers, parsed, nil
}

// =============================================================================
// Messages
// =============================================================================

// CreateMessage inserts a message or returns the one with the same idempotency key.
func (s *Store) CreateMessage(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	if err := s.checkConnected(); err != nil {
		return nil, false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m := msg.Clone()
	if err := m.CheckNew(); err != nil {
		return nil, false, err
	}
	if m.ID == "" {
		m.ID = newID()
	}
	now := s.opts.now()
	headers, parsed, err := messageParams(m)
	if err != nil {
		return nil, false, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, direction, status, inbox_id, thread_id, sender, recipient, subject,
		                text_body, html_body, raw_content, raw_content_uri, headers, parsed_metadata,
		                provider_message_id, idempotency_key, last_error, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18, $18)
		ON CONFLICT DO NOTHING
		RETURNING %s
	`, s.table("messages"), messageColumns)

	var row messageRow
	err = s.db.QueryRowxContext(ctx, query,
		m.ID, m.Direction, m.Status, m.InboxID, m.ThreadID, m.Sender, m.Recipient, m.Subject,
		m.TextBody, m.HTMLBody, m.RawContent, m.RawContentURI, headers, parsed,
		m.ProviderMessageID, m.IdempotencyKey, m.LastError, now,
	).StructScan(&row)
	if err == nil {
		out, err := row.toMessage()
		return out, true, err
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("insert message: %w", err)
	}

	// A unique index matched. Only an idempotency key makes that a duplicate
	// request rather than a conflicting one.
	if m.IdempotencyKey == "" {
		return nil, false, store.ErrDuplicateEntry
	}
	existing, err := s.getMessageBy(ctx, "idempotency_key", m.IdempotencyKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, store.ErrDuplicateEntry
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.getMessageBy(ctx, "id", id)
}

// GetMessageByProviderID retrieves a message by its provider message id.
func (s *Store) GetMessageByProviderID(ctx context.Context, providerMessageID string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if providerMessageID == "" {
		return nil, store.ErrInvalidID
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.getMessageBy(ctx, "provider_message_id", providerMessageID)
}

func (s *Store) getMessageBy(ctx context.Context, column, value string) (*store.Message, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, messageColumns, s.table("messages"), column)
	var row messageRow
	if err := s.db.GetContext(ctx, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return row.toMessage()
}

// FindMessages lists messages matching the filter, oldest first.
func (s *Store) FindMessages(ctx context.Context, f store.MessageFilter) ([]*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	where, args := whereEq(
		"inbox_id", f.InboxID,
		"thread_id", f.ThreadID,
		"direction", string(f.Direction),
		"status", string(f.Status),
	)
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY created_at, id%s`,
		messageColumns, s.table("messages"), where, limitClause(f.Limit))

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	out := make([]*store.Message, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// UpdateMessage applies a versioned update. The write only matches while the
// row still carries expectedVersion.
func (s *Store) UpdateMessage(ctx context.Context, id string, expectedVersion int64, update store.MessageUpdate) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	current, err := s.getMessageBy(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	next, err := update.Apply(current, s.opts.now())
	if err != nil {
		return nil, err
	}
	_, parsed, err := messageParams(next)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, thread_id = $2, parsed_metadata = $3, provider_message_id = $4,
		    raw_content_uri = $5, last_error = $6, updated_at = $7, version = version + 1
		WHERE id = $8 AND version = $9
		RETURNING %s
	`, s.table("messages"), messageColumns)

	var row messageRow
	err = s.db.QueryRowxContext(ctx, query,
		next.Status, next.ThreadID, parsed, next.ProviderMessageID,
		next.RawContentURI, next.LastError, next.UpdatedAt, id, expectedVersion,
	).StructScan(&row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, store.ErrVersionConflict
	case isUniqueViolation(err):
		return nil, store.ErrDuplicateEntry
	case err != nil:
		return nil, fmt.Errorf("update message: %w", err)
	}
	return row.toMessage()
}

// =============================================================================
// Threads
// =============================================================================

type threadRow struct {
	ID           string         `db:"id"`
	InboxID      string         `db:"inbox_id"`
	SubjectKey   string         `db:"subject_key"`
	Subject      string         `db:"subject"`
	Participants pq.StringArray `db:"participants"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

const threadColumns = `id, inbox_id, subject_key, subject, participants, created_at, updated_at`

// FindOrCreateThread upserts the thread for the inbox and normalized subject
// and merges participants under a row lock.
func (s *Store) FindOrCreateThread(ctx context.Context, inboxID, subject string, participants []string) (*store.Thread, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.opts.now()
	key := store.NormalizeSubject(subject)
	var row threadRow
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		upsert := fmt.Sprintf(`
			INSERT INTO %s (id, inbox_id, subject_key, subject, participants, created_at, updated_at)
			VALUES ($1, $2, $3, $4, '{}', $5, $5)
			ON CONFLICT (inbox_id, subject_key) DO UPDATE SET updated_at = EXCLUDED.updated_at
			RETURNING %s
		`, s.table("threads"), threadColumns)
		if err := tx.QueryRowxContext(ctx, upsert, newID(), inboxID, key, subject, now).StructScan(&row); err != nil {
			return fmt.Errorf("upsert thread: %w", err)
		}
		merged := store.MergeParticipants(row.Participants, participants)
		if len(merged) == len(row.Participants) {
			return nil
		}
		update := fmt.Sprintf(`UPDATE %s SET participants = $1 WHERE id = $2`, s.table("threads"))
		if _, err := tx.ExecContext(ctx, update, pq.Array(merged), row.ID); err != nil {
			return fmt.Errorf("merge participants: %w", err)
		}
		row.Participants = merged
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.threadWithMessages(ctx, &row)
}

// GetThread returns a thread with its message ids in creation order.
func (s *Store) GetThread(ctx context.Context, id string) (*store.Thread, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var row threadRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, threadColumns, s.table("threads"))
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return s.threadWithMessages(ctx, &row)
}

func (s *Store) threadWithMessages(ctx context.Context, row *threadRow) (*store.Thread, error) {
	ids := []string{}
	query := fmt.Sprintf(`SELECT id FROM %s WHERE thread_id = $1 ORDER BY created_at, id`, s.table("messages"))
	if err := s.db.SelectContext(ctx, &ids, query, row.ID); err != nil {
		return nil, fmt.Errorf("thread messages: %w", err)
	}
	return &store.Thread{
		ID:           row.ID,
		InboxID:      row.InboxID,
		Subject:      row.Subject,
		Participants: append([]string(nil), row.Participants...),
		MessageIDs:   ids,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}, nil
}
