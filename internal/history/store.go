package history

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/nbkernel/schema"
	"pkt.systems/pslog"

	_ "modernc.org/sqlite"
)

// Entry is one recorded execution.
type Entry struct {
	Session        schema.SessionID
	ExecutionCount int
	Code           string
	Status         schema.ReplyStatus
	CreatedAt      time.Time
}

// Store persists entries in a sqlite database.
type Store struct {
	db  *sql.DB
	log pslog.Logger
}

// Open opens or creates the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("history path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: pslog.Ctx(ctx).With("history", path)}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Debug("history opened")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		execution_count INTEGER NOT NULL,
		code TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS history_session ON history(session, execution_count);`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Append records an entry. A zero CreatedAt is set to now.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (session, execution_count, code, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(entry.Session), entry.ExecutionCount, entry.Code, string(entry.Status), entry.CreatedAt.UTC(),
	)
	if err != nil {
		s.log.Warn("history append failed", "session", entry.Session, "execution_count", entry.ExecutionCount, "err", err)
		return err
	}
	s.log.Trace("history append", "session", entry.Session, "execution_count", entry.ExecutionCount, "status", entry.Status)
	return nil
}

// Recent returns up to limit entries, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session, execution_count, code, status, created_at
		FROM history
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			entry   Entry
			session string
			status  string
		)
		if err := rows.Scan(&session, &entry.ExecutionCount, &entry.Code, &status, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Session = schema.SessionID(session)
		entry.Status = schema.ReplyStatus(status)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
