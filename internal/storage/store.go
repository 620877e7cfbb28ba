// Package storage is the persistence layer: a transactional SQLite store
// for every entity in the data model, with a bounded connection pool and
// idempotent migrations run on every startup.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a pooled *sql.DB and exposes typed operations for every
// entity named in the data model. All multi-statement operations that
// must be observed atomically (conversation append+trim, reminder
// sent_at gating) run inside a transaction.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Config bounds the connection pool. Defaults match the 20-connection
// process-wide pool called for by the concurrency model.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleMins int
}

// Open connects to the SQLite database at cfg.URL, applies pool bounds,
// and runs migrations. The returned Store is safe for concurrent use.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.URL+"?_journal=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxIdleMins <= 0 {
		cfg.ConnMaxIdleMins = 5
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleMins) * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "storage"), now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an already-open *sql.DB (used by tests against
// file::memory:?cache=shared databases) and runs migrations.
func NewWithDB(db *sql.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger.With("component", "storage"), now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying pool for callers that need a raw query
// (diagnostics, admin tooling) without growing the typed surface here.
func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, which is re-raised after
// rollback).
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// ErrNotFound is returned by single-row lookups that match no row.
var ErrNotFound = errors.New("storage: not found")

// migrate applies the schema. Every statement is idempotent so it is safe
// to run on every process startup against an existing database.
func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS families (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			canonical_phone TEXT,
			telegram_id TEXT,
			timezone TEXT NOT NULL DEFAULT 'America/New_York',
			is_admin INTEGER NOT NULL DEFAULT 0,
			is_agent_trigger INTEGER NOT NULL DEFAULT 0,
			last_active_family_id TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_phone ON users(canonical_phone) WHERE canonical_phone IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_telegram ON users(telegram_id) WHERE telegram_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS memberships (
			user_id TEXT NOT NULL,
			family_id TEXT NOT NULL,
			role TEXT NOT NULL,
			joined_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, family_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_family ON memberships(family_id)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			family_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT 'user',
			tags TEXT NOT NULL DEFAULT '[]',
			source TEXT NOT NULL DEFAULT '',
			deleted_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_key ON facts(user_id, family_id, key, scope) WHERE deleted_at IS NULL`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			family_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conv_tenant_seq ON conversation_messages(user_id, family_id, seq)`,
		`CREATE TABLE IF NOT EXISTS summaries (
			user_id TEXT NOT NULL,
			family_id TEXT NOT NULL,
			sentences TEXT NOT NULL DEFAULT '[]',
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, family_id)
		)`,
		`CREATE TABLE IF NOT EXISTS personality_instructions (
			user_id TEXT NOT NULL,
			family_id TEXT NOT NULL,
			instructions TEXT NOT NULL DEFAULT '[]',
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id, family_id)
		)`,
		`CREATE TABLE IF NOT EXISTS todos (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			assignee_id TEXT NOT NULL,
			creator_id TEXT NOT NULL,
			text TEXT NOT NULL,
			due_at TIMESTAMP,
			done INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_todos_assignee ON todos(family_id, assignee_id)`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			creator_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			text TEXT NOT NULL,
			kind TEXT NOT NULL,
			fire_at_utc TIMESTAMP,
			recurrence TEXT,
			next_fire_at_utc TIMESTAMP,
			sent_at TIMESTAMP,
			last_fired_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due_oneoff ON reminders(kind, sent_at, fire_at_utc)`,
		`CREATE INDEX IF NOT EXISTS idx_reminders_due_recurring ON reminders(kind, next_fire_at_utc)`,
		`CREATE TABLE IF NOT EXISTS skills (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			entrypoint TEXT NOT NULL,
			input_schema TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS skill_acl (
			family_id TEXT NOT NULL,
			principal TEXT NOT NULL,
			allow_list TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY (family_id, principal)
		)`,
		`CREATE TABLE IF NOT EXISTS moderation_flags (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			family_id TEXT NOT NULL,
			message TEXT NOT NULL,
			original_response TEXT,
			replacement_response TEXT,
			flags TEXT NOT NULL DEFAULT '[]',
			severity TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			reviewed INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_log (
			id TEXT PRIMARY KEY,
			family_id TEXT NOT NULL,
			user_id TEXT,
			message_count INTEGER NOT NULL,
			window_start TIMESTAMP NOT NULL,
			window_end TIMESTAMP NOT NULL,
			cooldown_until TIMESTAMP,
			cooldown_level INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS llm_log (
			request_id TEXT NOT NULL,
			user_id TEXT,
			family_id TEXT,
			owner TEXT NOT NULL,
			step TEXT NOT NULL,
			request_doc TEXT NOT NULL,
			response_text TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (request_id, step)
		)`,
		`CREATE TABLE IF NOT EXISTS group_chats (
			chat_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			family_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_state (
			user_id TEXT NOT NULL,
			family_id TEXT NOT NULL,
			event TEXT NOT NULL,
			last_fired_date TEXT NOT NULL,
			PRIMARY KEY (user_id, family_id, event)
		)`,
		`CREATE TABLE IF NOT EXISTS watch_self_replied (
			guid TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration %q: %w", stmt, err)
		}
	}
	return nil
}
