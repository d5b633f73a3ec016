// Package postgres provides a PostgreSQL implementation of store.Store.
//
// Task claims are a single conditional UPDATE over a SKIP LOCKED subselect,
// message updates are version-checked, and every idempotent create relies on
// a unique index with ON CONFLICT DO NOTHING.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/relay/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
// This wraps the sql.DB with sqlx for enhanced functionality.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// table returns the prefixed name of a table.
func (s *Store) table(name string) string {
	return s.opts.prefix + name
}

// ensureSchema creates the tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	tables := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			direction VARCHAR(16) NOT NULL,
			status VARCHAR(32) NOT NULL,
			inbox_id TEXT NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL DEFAULT '',
			recipient TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			text_body TEXT NOT NULL DEFAULT '',
			html_body TEXT NOT NULL DEFAULT '',
			raw_content BYTEA,
			raw_content_uri TEXT NOT NULL DEFAULT '',
			headers JSONB NOT NULL DEFAULT '{}',
			parsed_metadata JSONB,
			provider_message_id TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.table("messages")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			inbox_id TEXT NOT NULL,
			subject_key TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			participants TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (inbox_id, subject_key)
		)`, s.table("threads")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			type VARCHAR(64) NOT NULL,
			message_id TEXT NOT NULL,
			inbox_id TEXT NOT NULL DEFAULT '',
			thread_id TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (message_id, type)
		)`, s.table("events")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			inbox_id TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		)`, s.table("destinations")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			destination_id TEXT NOT NULL,
			destination_url TEXT NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			last_status_code INT NOT NULL DEFAULT 0,
			delivered_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (event_id, destination_id)
		)`, s.table("deliveries")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			kind VARCHAR(64) NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			status VARCHAR(16) NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			attempt_count INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 0,
			natural_key TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT '',
			lease_expires_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			result JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.table("tasks")),
	}
	for _, q := range tables {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	m, d, t := s.table("messages"), s.table("deliveries"), s.table("tasks")

	// Tables created before task results were kept lack the column.
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS result JSONB`, t)); err != nil {
		return fmt.Errorf("add task result column: %w", err)
	}

	// Unique indexes carry the idempotency guarantees and must exist.
	unique := []string{
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_idempotency ON %s(idempotency_key) WHERE idempotency_key <> ''`, m, m),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_provider ON %s(provider_message_id) WHERE provider_message_id <> ''`, m, m),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_natural_key ON %s(kind, natural_key) WHERE natural_key <> ''`, t, t),
	}
	for _, q := range unique {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create unique index: %w", err)
		}
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_inbox_status ON %s(inbox_id, status, created_at)`, m, m),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status, created_at)`, m, m),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_thread ON %s(thread_id, created_at)`, m, m),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_message ON %s(message_id, created_at)`, s.table("events"), s.table("events")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_inbox ON %s(inbox_id)`, s.table("destinations"), s.table("destinations")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status, created_at)`, d, d),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_due ON %s(status, next_attempt_at, priority DESC)`, t, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_kind ON %s(kind, status, created_at)`, t, t),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
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

// withTimeout applies the store operation timeout.
func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.timeout)
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func newID() string {
	return uuid.New().String()
}

// isUniqueViolation reports a unique_violation (23505) from PostgreSQL.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

// jsonParam encodes v for a JSONB parameter. lib/pq sends []byte as bytea,
// so the document goes as a string.
func jsonParam(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// whereEq builds an AND of column = value conditions from column/value
// pairs, skipping empty values.
func whereEq(pairs ...string) (string, []any) {
	var conds []string
	var args []any
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			continue
		}
		args = append(args, pairs[i+1])
		conds = append(conds, fmt.Sprintf("%s = $%d", pairs[i], len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func limitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}
