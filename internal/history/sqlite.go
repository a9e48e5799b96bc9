package history

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var _ Store = (*SQLite)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS turns (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT    NOT NULL UNIQUE,
	conversation TEXT    NOT NULL,
	role         TEXT    NOT NULL,
	text         TEXT    NOT NULL,
	at_ns        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns (conversation, seq);`

// SQLite stores history in a local SQLite database file.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLite opens (creating if needed) the database at dsn. An empty dsn
// opens a shared in-memory database.
func NewSQLite(ctx context.Context, dsn string) (_ *SQLite, err error) {
	dsn = cmp.Or(dsn, "file::memory:?cache=shared")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open sqlite: %w", err)
	}
	s := &SQLite{db: db}
	defer func() {
		if err != nil {
			err = errors.Join(err, s.Close())
		}
	}()

	// One writer keeps in-memory databases on a single connection.
	db.SetMaxOpenConns(1)

	if _, err = db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("history: set journal mode: %w", err)
	}
	if _, err = db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("history: migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLite) Append(ctx context.Context, conversation string, t Turn) error {
	if err := checkTurn(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, conversation, role, text, at_ns) VALUES (?, ?, ?, ?, ?)`,
		t.ID.String(), conversation, string(t.Role), t.Text, t.At.UnixNano())
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, conversation string, limit int) (_ []Turn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rows *sql.Rows
	if limit <= 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, role, text, at_ns FROM turns WHERE conversation = ? ORDER BY seq ASC`,
			conversation)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, role, text, at_ns FROM turns WHERE conversation = ? ORDER BY seq DESC LIMIT ?`,
			conversation, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer func() {
		if e := rows.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("history: close rows: %w", e))
		}
	}()

	var turns []Turn
	for rows.Next() {
		var (
			id, role, text string
			atNS           int64
		)
		if err = rows.Scan(&id, &role, &text, &atNS); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		uid, perr := uuid.Parse(id)
		if perr != nil {
			return nil, fmt.Errorf("history: turn id %q: %w", id, perr)
		}
		turns = append(turns, Turn{ID: uid, Role: Role(role), Text: text, At: time.Unix(0, atNS)})
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("history: rows: %w", err)
	}
	if limit > 0 {
		slices.Reverse(turns)
	}
	return turns, nil
}

func (s *SQLite) Clear(ctx context.Context, conversation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE conversation = ?`, conversation); err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
