// Package sqlite persists conversation entries in a local SQLite file so the
// CLI can show history across restarts.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/smartgenie/internal/conversation"
)

var (
	_ conversation.Sink   = (*Store)(nil)
	_ conversation.Reader = (*Store)(nil)
)

// DefaultRecentLimit applies when Recent is called with limit <= 0.
const DefaultRecentLimit = 100

// Store is a SQLite-backed conversation sink. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open creates the database at path if needed and migrates the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS conversation_entries (
    id           TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    collection   TEXT NOT NULL DEFAULT '',
    role         TEXT NOT NULL,
    text         TEXT NOT NULL DEFAULT '',
    has_audio    INTEGER NOT NULL DEFAULT 0,
    utterance_id TEXT NOT NULL DEFAULT '',
    created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_session_seq ON conversation_entries(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_conversation_created ON conversation_entries(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append implements [conversation.Sink]. Appending the same entry twice is a
// no-op.
func (s *Store) Append(ctx context.Context, e conversation.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_entries(id, session_id, seq, collection, role, text, has_audio, utterance_id, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, e.SessionID, int64(e.Seq), e.Collection, e.Role.String(), e.Text, e.HasAudio, e.UtteranceID,
		e.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlite store: append: %w", err)
	}
	return nil
}

// Recent implements [conversation.Reader].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]conversation.Entry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	// Newest first to apply the limit, then reversed.
	q := `SELECT id, session_id, seq, collection, role, text, has_audio, utterance_id, created_at
	      FROM conversation_entries`
	args := []any{}
	if sessionID != "" {
		q += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: recent: %w", err)
	}
	defer rows.Close()

	var entries []conversation.Entry
	for rows.Next() {
		var (
			e       conversation.Entry
			seq     int64
			role    string
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &seq, &e.Collection, &role, &e.Text, &e.HasAudio, &e.UtteranceID, &created); err != nil {
			return nil, fmt.Errorf("sqlite store: scan: %w", err)
		}
		e.Seq = uint64(seq)
		if e.Role, err = conversation.ParseRole(role); err != nil {
			return nil, fmt.Errorf("sqlite store: entry %s: %w", e.ID, err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.Timestamp = ts
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: rows: %w", err)
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Prune deletes entries older than maxAge and returns how many were removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation_entries WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: prune: %w", err)
	}
	return res.RowsAffected()
}
