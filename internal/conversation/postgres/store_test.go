package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/smartgenie/internal/conversation"
	"github.com/MrWong99/smartgenie/internal/conversation/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if SMARTGENIE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SMARTGENIE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SMARTGENIE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, `DROP TABLE IF EXISTS conversation_entries`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_AppendRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	entries := []conversation.Entry{
		{ID: "e1", SessionID: "s1", Seq: 1, Role: conversation.RoleUser, Text: conversation.VoiceMessageText, HasAudio: true, UtteranceID: "u1", Collection: "mbbs-guide", Timestamp: base},
		{ID: "e2", SessionID: "s1", Seq: 2, Role: conversation.RoleUserEcho, Text: "hello", Collection: "mbbs-guide", Timestamp: base.Add(time.Second)},
		{ID: "e3", SessionID: "s1", Seq: 3, Role: conversation.RoleAssistant, Text: "Hi there", Collection: "mbbs-guide", Timestamp: base.Add(2 * time.Second)},
		{ID: "x1", SessionID: "s2", Seq: 1, Role: conversation.RoleUser, Timestamp: base.Add(3 * time.Second)},
	}
	for _, e := range entries {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append(%s): %v", e.ID, err)
		}
	}
	if err := store.Append(ctx, entries[0]); err != nil {
		t.Errorf("duplicate Append: %v", err)
	}

	got, err := store.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e2" || got[1].ID != "e3" {
		t.Fatalf("Recent(s1, 2) = %+v", got)
	}
	if got[1].Role != conversation.RoleAssistant || got[1].Text != "Hi there" {
		t.Errorf("entry = %+v", got[1])
	}

	all, err := store.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent all: %v", err)
	}
	if len(all) != 4 || all[3].ID != "x1" {
		t.Errorf("Recent all = %d entries", len(all))
	}
}

func TestNewStore_BadDSN(t *testing.T) {
	t.Parallel()
	if _, err := postgres.NewStore(context.Background(), "://not a dsn"); err == nil {
		t.Error("NewStore accepted a malformed DSN")
	}
}
