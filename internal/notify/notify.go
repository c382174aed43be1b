// Package notify delivers short fire-and-forget notices (success, error) to
// whatever surface the user is looking at.
package notify

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Level is the severity of a notice.
type Level int

const (
	LevelInfo Level = iota
	LevelSuccess
	LevelError
)

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelSuccess:
		return "success"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Notice is one message for the user.
type Notice struct {
	Level   Level
	Message string
	Time    time.Time
}

// Notifier receives notices. Notify must not block.
type Notifier interface {
	Notify(n Notice)
}

// Func adapts a function to [Notifier].
type Func func(Notice)

// Notify implements [Notifier].
func (f Func) Notify(n Notice) { f(n) }

// Discard drops every notice.
var Discard Notifier = Func(func(Notice) {})

// Errorf sends an error notice.
func Errorf(n Notifier, format string, args ...any) {
	send(n, LevelError, fmt.Sprintf(format, args...))
}

// Successf sends a success notice.
func Successf(n Notifier, format string, args ...any) {
	send(n, LevelSuccess, fmt.Sprintf(format, args...))
}

// Infof sends an informational notice.
func Infof(n Notifier, format string, args ...any) {
	send(n, LevelInfo, fmt.Sprintf(format, args...))
}

func send(n Notifier, l Level, msg string) {
	if n == nil {
		return
	}
	n.Notify(Notice{Level: l, Message: msg, Time: time.Now()})
}

// Console writes notices to a terminal, one per line.
type Console struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsole returns a notifier that writes to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Notify implements [Notifier].
func (c *Console) Notify(n Notice) {
	prefix := "·"
	switch n.Level {
	case LevelSuccess:
		prefix = "✓"
	case LevelError:
		prefix = "✗"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "%s %s\n", prefix, n.Message); err != nil {
		slog.Debug("notify: console write failed", "err", err)
	}
}

var (
	_ Notifier = (*Console)(nil)
	_ Notifier = Func(nil)
)
