// Package conversation keeps the ordered, append-only record of a voice
// session: what the user said, what the peer heard, and what the assistant
// answered.
//
// A [Log] is owned by one session. Entries are immutable once appended and
// are handed out by value. Persistent copies are written by [Sink]
// implementations (SQLite, PostgreSQL, NATS) from a background writer so that
// a slow database never stalls the session.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced an entry.
type Role int

const (
	// RoleUser is a recording the user sent.
	RoleUser Role = iota

	// RoleUserEcho is the peer's transcript of a recording.
	RoleUserEcho

	// RoleAssistant is an assistant reply.
	RoleAssistant
)

// String returns the stored name of the role.
func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleUserEcho:
		return "user-echo"
	case RoleAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// ErrUnknownRole is returned by [ParseRole].
var ErrUnknownRole = errors.New("conversation: unknown role")

// ParseRole is the inverse of [Role.String].
func ParseRole(s string) (Role, error) {
	switch s {
	case "user":
		return RoleUser, nil
	case "user-echo":
		return RoleUserEcho, nil
	case "assistant":
		return RoleAssistant, nil
	default:
		return 0, ErrUnknownRole
	}
}

// VoiceMessageText is the display text of a user entry. The client only has
// the recording; the transcript arrives later as a user-echo entry.
const VoiceMessageText = "Voice message"

// Entry is one line of the conversation.
type Entry struct {
	// Seq is the 1-based position within the session's log.
	Seq uint64

	// ID is globally unique.
	ID string

	SessionID  string
	Collection string
	Role       Role
	Text       string

	// HasAudio is set for user recordings and for assistant replies that
	// carried speech.
	HasAudio bool

	// UtteranceID links a user entry to the recording it describes.
	UtteranceID string

	Timestamp time.Time
}

// Sink persists or forwards entries.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Reader returns persisted entries, oldest first.
type Reader interface {
	// Recent returns up to limit of the newest entries. An empty sessionID
	// spans all sessions.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}

// Option configures a [Log].
type Option func(*Log)

// WithSink adds a sink. Sinks receive entries in append order.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, s) }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithSinkTimeout bounds each sink write. Defaults to 5s.
func WithSinkTimeout(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.sinkTimeout = d
		}
	}
}

// Log is the in-memory conversation of one session.
//
// All methods are safe for concurrent use.
type Log struct {
	sessionID   string
	now         func() time.Time
	sinks       []Sink
	sinkTimeout time.Duration

	mu        sync.Mutex
	entries   []Entry
	observers []func(Entry)

	queue     chan Entry
	drained   chan struct{}
	closeOnce sync.Once
}

// New creates the log for sessionID. When sinks are configured a writer
// goroutine is started; call Close to flush it.
func New(sessionID string, opts ...Option) *Log {
	l := &Log{
		sessionID:   sessionID,
		now:         time.Now,
		sinkTimeout: 5 * time.Second,
		drained:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if len(l.sinks) > 0 {
		l.queue = make(chan Entry, 256)
		go l.writer()
	} else {
		close(l.drained)
	}
	return l
}

// SessionID returns the owning session's id.
func (l *Log) SessionID() string { return l.sessionID }

// OnAppend registers fn to be called synchronously after every append.
func (l *Log) OnAppend(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, fn)
}

// Append records a new entry and returns it with Seq, ID and Timestamp set.
// Only Role, Text, HasAudio, Collection and UtteranceID are taken from e.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	e.Seq = uint64(len(l.entries)) + 1
	e.ID = uuid.NewString()
	e.SessionID = l.sessionID
	e.Timestamp = l.now().UTC()
	l.entries = append(l.entries, e)
	observers := make([]func(Entry), len(l.observers))
	copy(observers, l.observers)
	if l.queue != nil {
		select {
		case l.queue <- e:
		default:
			slog.Warn("conversation: sink queue full, entry not persisted", "seq", e.Seq, "role", e.Role.String())
		}
	}
	l.mu.Unlock()

	for _, fn := range observers {
		fn(e)
	}
	return e
}

// Entries returns a copy of every entry, in order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Recent implements [Reader] over the in-memory entries. sessionID must be
// empty or match the log's session.
func (l *Log) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	if sessionID != "" && sessionID != l.sessionID {
		return nil, nil
	}
	all := l.Entries()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (l *Log) writer() {
	defer close(l.drained)
	for e := range l.queue {
		for _, s := range l.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), l.sinkTimeout)
			if err := s.Append(ctx, e); err != nil {
				slog.Warn("conversation: sink append failed", "seq", e.Seq, "err", err)
			}
			cancel()
		}
	}
}

// Close stops accepting sink writes and waits until queued entries have been
// written or ctx expires. The in-memory entries stay readable.
func (l *Log) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		if l.queue != nil {
			close(l.queue)
			l.queue = nil
		}
		l.mu.Unlock()
	})
	select {
	case <-l.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Reader = (*Log)(nil)
