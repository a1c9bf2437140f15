// Package store is the durable record of processed message ids and per-thread
// conversation history. Every guard decision is made against it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
)

// Role is the speaker of a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Entry is a single recorded turn of a thread.
type Entry struct {
	ID        int64
	ThreadID  string
	MessageID string
	Role      Role
	Content   string
	CreatedAt time.Time
}

type entryRow struct {
	ID        int64  `db:"id"`
	ThreadID  string `db:"thread_id"`
	MessageID string `db:"message_id"`
	Role      Role   `db:"role"`
	Content   string `db:"content"`
	CreatedAt int64  `db:"created_at"`
}

func (r entryRow) entry() Entry {
	return Entry{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		MessageID: r.MessageID,
		Role:      r.Role,
		Content:   r.Content,
		CreatedAt: time.Unix(0, r.CreatedAt).UTC(),
	}
}

// ErrEmptyID is returned when a write is attempted without a message id.
var ErrEmptyID = errors.New("store: empty message id")

// Store is a SQLite backed state store.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (or creates) the SQLite database at path, enables WAL with a busy
// timeout and applies pending migrations. ":memory:" yields a private in-memory
// database.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	s := New(db)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// New wraps an already opened database without touching its schema.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tableCount > 0 {
		if err := s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// IsProcessed reports whether messageID has been durably handled. An empty id
// is never processed.
func (s *Store) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	if strings.TrimSpace(messageID) == "" {
		return false, nil
	}
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM processed_messages WHERE message_id = ?", messageID)
	if err != nil {
		return false, fmt.Errorf("checking processed %s: %w", messageID, err)
	}
	return n > 0, nil
}

// MarkProcessed records messageID. Repeated calls are no-ops.
func (s *Store) MarkProcessed(ctx context.Context, messageID string) error {
	if strings.TrimSpace(messageID) == "" {
		return ErrEmptyID
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO processed_messages (message_id, processed_at) VALUES (?, ?)",
		messageID, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("marking %s processed: %w", messageID, err)
	}
	return nil
}

// AppendHistory records a turn and marks its message id processed in one
// transaction. Either both rows land or neither does.
func (s *Store) AppendHistory(ctx context.Context, threadID, messageID string, role Role, content string) error {
	if strings.TrimSpace(messageID) == "" {
		return ErrEmptyID
	}
	if !role.Valid() {
		return fmt.Errorf("store: unknown role %q", role)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	ts := s.now().UnixNano()
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO processed_messages (message_id, processed_at) VALUES (?, ?)",
		messageID, ts); err != nil {
		return fmt.Errorf("marking %s processed: %w", messageID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_history (thread_id, message_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		threadID, messageID, string(role), content, ts); err != nil {
		return fmt.Errorf("appending history for thread %s: %w", threadID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing history for thread %s: %w", threadID, err)
	}
	return nil
}

// Forget removes every trace of messageID: its history entries and its
// processed mark. Both deletes happen in one transaction.
func (s *Store) Forget(ctx context.Context, messageID string) error {
	if strings.TrimSpace(messageID) == "" {
		return ErrEmptyID
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM conversation_history WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("deleting history of %s: %w", messageID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM processed_messages WHERE message_id = ?", messageID); err != nil {
		return fmt.Errorf("unmarking %s: %w", messageID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing forget of %s: %w", messageID, err)
	}
	return nil
}

// History returns the entries of a thread, oldest first.
func (s *Store) History(ctx context.Context, threadID string) ([]Entry, error) {
	var rows []entryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, thread_id, message_id, role, content, created_at
		FROM conversation_history
		WHERE thread_id = ?
		ORDER BY created_at ASC, id ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying history for thread %s: %w", threadID, err)
	}

	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

// LastSpeaker returns the most recent entry of a thread, or nil when the
// thread has no history.
func (s *Store) LastSpeaker(ctx context.Context, threadID string) (*Entry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, thread_id, message_id, role, content, created_at
		FROM conversation_history
		WHERE thread_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying last speaker for thread %s: %w", threadID, err)
	}
	e := row.entry()
	return &e, nil
}
