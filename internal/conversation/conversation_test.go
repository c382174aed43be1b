package conversation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/smartgenie/internal/conversation"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []conversation.Entry
	err     error
}

func (s *recordingSink) Append(_ context.Context, e conversation.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func (s *recordingSink) snapshot() []conversation.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]conversation.Entry(nil), s.entries...)
}

func TestLog_AppendAssignsOrder(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := conversation.New("sess-1", conversation.WithClock(func() time.Time { return fixed }))

	a := l.Append(conversation.Entry{Role: conversation.RoleUser, Text: conversation.VoiceMessageText, HasAudio: true, Collection: "nmc-regulations"})
	b := l.Append(conversation.Entry{Role: conversation.RoleUserEcho, Text: "what is the passing mark"})
	c := l.Append(conversation.Entry{Role: conversation.RoleAssistant, Text: "Fifty percent.", HasAudio: true})

	if a.Seq != 1 || b.Seq != 2 || c.Seq != 3 {
		t.Errorf("seqs = %d %d %d; want 1 2 3", a.Seq, b.Seq, c.Seq)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Error("entry ids missing or not unique")
	}
	if a.SessionID != "sess-1" || !a.Timestamp.Equal(fixed) {
		t.Errorf("entry = %+v", a)
	}

	got := l.Entries()
	if len(got) != 3 || l.Len() != 3 {
		t.Fatalf("len = %d", len(got))
	}
	got[0].Text = "mutated"
	if l.Entries()[0].Text != conversation.VoiceMessageText {
		t.Error("Entries exposed internal storage")
	}
}

func TestLog_ObserversAndSinks(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	failing := &recordingSink{err: errors.New("disk full")}
	l := conversation.New("sess-2", conversation.WithSink(failing), conversation.WithSink(sink))

	var seen []uint64
	l.OnAppend(func(e conversation.Entry) { seen = append(seen, e.Seq) })

	for i := range 5 {
		l.Append(conversation.Entry{Role: conversation.RoleAssistant, Text: string(rune('a' + i))})
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(seen) != 5 || seen[4] != 5 {
		t.Errorf("observer saw %v", seen)
	}
	persisted := sink.snapshot()
	if len(persisted) != 5 {
		t.Fatalf("sink got %d entries; want 5", len(persisted))
	}
	for i, e := range persisted {
		if e.Seq != uint64(i+1) {
			t.Errorf("sink entry %d has seq %d", i, e.Seq)
		}
	}
	if len(failing.snapshot()) != 5 {
		t.Error("failing sink stopped receiving entries")
	}

	// Appending after Close still records in memory.
	l.Append(conversation.Entry{Role: conversation.RoleUser})
	if l.Len() != 6 {
		t.Errorf("len after close = %d; want 6", l.Len())
	}
}

func TestLog_Recent(t *testing.T) {
	t.Parallel()

	l := conversation.New("sess-3")
	for range 4 {
		l.Append(conversation.Entry{Role: conversation.RoleUser})
	}
	got, err := l.Recent(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Seq != 3 || got[1].Seq != 4 {
		t.Errorf("Recent = %+v", got)
	}
	if other, _ := l.Recent(context.Background(), "someone-else", 10); len(other) != 0 {
		t.Errorf("Recent for other session = %d entries", len(other))
	}
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	for _, r := range []conversation.Role{conversation.RoleUser, conversation.RoleUserEcho, conversation.RoleAssistant} {
		got, err := conversation.ParseRole(r.String())
		if err != nil || got != r {
			t.Errorf("ParseRole(%q) = %v, %v", r.String(), got, err)
		}
	}
	if _, err := conversation.ParseRole("system"); !errors.Is(err, conversation.ErrUnknownRole) {
		t.Errorf("err = %v; want ErrUnknownRole", err)
	}
}
