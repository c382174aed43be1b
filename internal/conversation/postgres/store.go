// Package postgres stores conversation entries in PostgreSQL so several
// clients can share one history.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	log := conversation.New(sessionID, conversation.WithSink(store))
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/smartgenie/internal/conversation"
)

var (
	_ conversation.Sink   = (*Store)(nil)
	_ conversation.Reader = (*Store)(nil)
)

// DefaultRecentLimit applies when Recent is called with limit <= 0.
const DefaultRecentLimit = 100

const ddlConversationEntries = `
CREATE TABLE IF NOT EXISTS conversation_entries (
    id           TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    seq          BIGINT       NOT NULL,
    collection   TEXT         NOT NULL DEFAULT '',
    role         TEXT         NOT NULL,
    text         TEXT         NOT NULL DEFAULT '',
    has_audio    BOOLEAN      NOT NULL DEFAULT false,
    utterance_id TEXT         NOT NULL DEFAULT '',
    timestamp    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_entries_session_seq
    ON conversation_entries (session_id, seq);

CREATE INDEX IF NOT EXISTS idx_conversation_entries_timestamp
    ON conversation_entries (timestamp);
`

// Migrate creates the conversation table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversationEntries); err != nil {
		return fmt.Errorf("postgres store: migrate conversation_entries: %w", err)
	}
	return nil
}

// Store is a PostgreSQL conversation sink. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append implements [conversation.Sink]. Re-appending an entry is a no-op.
func (s *Store) Append(ctx context.Context, e conversation.Entry) error {
	const q = `
		INSERT INTO conversation_entries
		    (id, session_id, seq, collection, role, text, has_audio, utterance_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		e.ID,
		e.SessionID,
		int64(e.Seq),
		e.Collection,
		e.Role.String(),
		e.Text,
		e.HasAudio,
		e.UtteranceID,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("postgres store: append: %w", err)
	}
	return nil
}

// Recent implements [conversation.Reader].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]conversation.Entry, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}

	const q = `
		SELECT id, session_id, seq, collection, role, text, has_audio, utterance_id, timestamp
		FROM (
		    SELECT *
		    FROM   conversation_entries
		    WHERE  $1 = '' OR session_id = $1
		    ORDER  BY timestamp DESC, seq DESC
		    LIMIT  $2
		) newest
		ORDER BY timestamp, seq`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]conversation.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Entry, error) {
		var (
			e    conversation.Entry
			seq  int64
			role string
		)
		if err := row.Scan(
			&e.ID,
			&e.SessionID,
			&seq,
			&e.Collection,
			&role,
			&e.Text,
			&e.HasAudio,
			&e.UtteranceID,
			&e.Timestamp,
		); err != nil {
			return conversation.Entry{}, err
		}
		r, err := conversation.ParseRole(role)
		if err != nil {
			return conversation.Entry{}, err
		}
		e.Seq = uint64(seq)
		e.Role = r
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []conversation.Entry{}
	}
	return entries, nil
}
