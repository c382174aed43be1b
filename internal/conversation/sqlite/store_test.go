package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/smartgenie/internal/conversation"
	"github.com/MrWong99/smartgenie/internal/conversation/sqlite"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "history.db")
	s, err := sqlite.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_AppendAndRecent(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	tick := 0
	l := conversation.New("sess-a",
		conversation.WithSink(s),
		conversation.WithClock(func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }),
	)
	l.Append(conversation.Entry{Role: conversation.RoleUser, Text: conversation.VoiceMessageText, HasAudio: true, UtteranceID: "utt-1", Collection: "nmc-regulations"})
	l.Append(conversation.Entry{Role: conversation.RoleUserEcho, Text: "what is the passing mark", Collection: "nmc-regulations"})
	l.Append(conversation.Entry{Role: conversation.RoleAssistant, Text: "Fifty percent.", HasAudio: true, Collection: "nmc-regulations"})
	if err := l.Close(ctx); err != nil {
		t.Fatalf("Close log: %v", err)
	}

	got, err := s.Recent(ctx, "sess-a", 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d; want 3", len(got))
	}
	want := l.Entries()
	for i := range want {
		g, w := got[i], want[i]
		if g.ID != w.ID || g.Seq != w.Seq || g.Role != w.Role || g.Text != w.Text || g.HasAudio != w.HasAudio ||
			g.UtteranceID != w.UtteranceID || g.Collection != w.Collection || !g.Timestamp.Equal(w.Timestamp) {
			t.Errorf("entry %d = %+v; want %+v", i, g, w)
		}
	}

	last, err := s.Recent(ctx, "", 1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(last) != 1 || last[0].Role != conversation.RoleAssistant {
		t.Errorf("newest entry = %+v", last)
	}

	if err := s.Append(ctx, want[0]); err != nil {
		t.Errorf("duplicate Append: %v", err)
	}
	if all, _ := s.Recent(ctx, "sess-a", 10); len(all) != 3 {
		t.Errorf("duplicate append changed count to %d", len(all))
	}
}

func TestStore_Prune(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	old := conversation.Entry{ID: "old", SessionID: "s", Seq: 1, Role: conversation.RoleUser, Timestamp: time.Now().Add(-48 * time.Hour)}
	fresh := conversation.Entry{ID: "fresh", SessionID: "s", Seq: 2, Role: conversation.RoleAssistant, Timestamp: time.Now()}
	for _, e := range []conversation.Entry{old, fresh} {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	n, err := s.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d; want 1", n)
	}
	got, _ := s.Recent(ctx, "s", 10)
	if len(got) != 1 || got[0].ID != "fresh" {
		t.Errorf("remaining = %+v", got)
	}
}
