// Package transport owns the WebSocket connection between the client and the
// assistant peer.
//
// A [Conn] manages one live WebSocket at a time. Every successful [Conn.Open]
// starts a new generation: the collection-select frame is written before the
// read loop starts, and all events produced by that socket carry its
// generation number. Closing or switching collections tears the socket down
// completely before a new one is dialled, so two sockets are never live at the
// same time. Events from a socket that was closed on purpose are dropped, and
// consumers can compare generations to ignore anything older that is still
// buffered.
//
// There is no automatic reconnection at this level. An unexpected close
// surfaces as [EventClosed] or [EventErrored]; the owner decides whether and
// when to call Open again.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/smartgenie/pkg/wire"
)

// Sentinel errors.
var (
	// ErrNotConnected is returned by Send when no socket is open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAlreadyOpen is returned by Open when a socket is already live.
	ErrAlreadyOpen = errors.New("transport: already open")
)

// Defaults for [Conn].
const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	// DefaultReadLimit bounds a single inbound frame. Assistant replies carry
	// base64 WAV audio, which is far larger than the library default.
	DefaultReadLimit = 32 << 20
)

// EventType classifies a lifecycle event emitted by a [Conn].
type EventType int

const (
	// EventOpened is emitted once per generation, before any message.
	EventOpened EventType = iota

	// EventMessage carries one inbound frame.
	EventMessage

	// EventClosed is emitted when the peer closed the socket.
	EventClosed

	// EventErrored is emitted when the socket failed without a close
	// handshake.
	EventErrored
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Event is one notification from the connection.
type Event struct {
	Type EventType

	// Generation identifies the socket that produced the event.
	Generation uint64

	// Collection is the collection the socket was opened with.
	Collection string

	// Frame is set for EventMessage.
	Frame wire.Frame

	// Code and Reason describe the close frame for EventClosed.
	Code   websocket.StatusCode
	Reason string

	// Err is set for EventClosed and EventErrored.
	Err error
}

// Option configures a [Conn].
type Option func(*Conn)

// WithBearerToken attaches an Authorization header to the upgrade request.
func WithBearerToken(token string) Option {
	return func(c *Conn) { c.token = token }
}

// WithDialTimeout bounds the dial and the collection-select write.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithWriteTimeout bounds each Send.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithReadLimit sets the largest inbound frame accepted, in bytes.
func WithReadLimit(n int64) Option {
	return func(c *Conn) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// WithHTTPClient sets the client used for the upgrade request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Conn) { c.httpClient = hc }
}

// Conn is a reusable handle on the assistant endpoint.
//
// All methods are safe for concurrent use.
type Conn struct {
	url          string
	token        string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	readLimit    int64
	httpClient   *http.Client

	events chan Event

	// lifecycle serialises Open and Close. mu guards the fields below and is
	// never held across network I/O.
	lifecycle  sync.Mutex
	mu         sync.Mutex
	ws         *websocket.Conn
	gen        uint64
	collection string
	stopEmit   context.CancelFunc
	readDone   chan struct{}
}

// New creates a Conn for the WebSocket endpoint at url. No connection is made
// until Open.
func New(url string, opts ...Option) *Conn {
	c := &Conn{
		url:          url,
		dialTimeout:  DefaultDialTimeout,
		writeTimeout: DefaultWriteTimeout,
		readLimit:    DefaultReadLimit,
		events:       make(chan Event, 64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Events returns the channel all generations report on. It is never closed.
func (c *Conn) Events() <-chan Event { return c.events }

// URL returns the endpoint address.
func (c *Conn) URL() string { return c.url }

// Connected reports whether a socket is live.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Collection returns the collection of the most recent Open.
func (c *Conn) Collection() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collection
}

// Generation returns the generation of the most recent successful Open.
func (c *Conn) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Open dials the endpoint and selects collection. The collection-select frame
// is the first frame written on the new socket. On success the read loop is
// running and [EventOpened] is queued ahead of any message.
func (c *Conn) Open(ctx context.Context, collection string) error {
	sel, err := wire.EncodeCollectionSelect(collection)
	if err != nil {
		return err
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.Connected() {
		return ErrAlreadyOpen
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPClient: c.httpClient}
	if c.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	ws, _, err := websocket.Dial(dialCtx, c.url, opts)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.url, err)
	}
	ws.SetReadLimit(c.readLimit)

	if err := ws.Write(dialCtx, websocket.MessageText, sel.Data); err != nil {
		ws.Close(websocket.StatusInternalError, "collection select failed")
		return fmt.Errorf("transport: select collection: %w", err)
	}

	emitCtx, stopEmit := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.ws = ws
	c.collection = collection
	c.stopEmit = stopEmit
	c.readDone = done
	c.mu.Unlock()

	go c.readLoop(emitCtx, ws, gen, collection, done)

	slog.Info("transport opened", "url", c.url, "collection", collection, "generation", gen)
	return nil
}

// readLoop forwards inbound frames until the socket fails or is closed. It
// reads with a background context so that Close can perform a clean close
// handshake; emitCtx only aborts a pending hand-off to the events channel.
func (c *Conn) readLoop(emitCtx context.Context, ws *websocket.Conn, gen uint64, collection string, done chan struct{}) {
	defer close(done)

	c.emit(emitCtx, Event{Type: EventOpened, Generation: gen, Collection: collection})

	for {
		typ, data, err := ws.Read(context.Background())
		if err != nil {
			c.lost(emitCtx, ws, gen, collection, err)
			return
		}

		kind := wire.FrameText
		if typ == websocket.MessageBinary {
			kind = wire.FrameBinary
		}
		c.emit(emitCtx, Event{
			Type:       EventMessage,
			Generation: gen,
			Collection: collection,
			Frame:      wire.Frame{Kind: kind, Data: data},
		})
	}
}

// lost reports a socket that ended without Close being called.
func (c *Conn) lost(emitCtx context.Context, ws *websocket.Conn, gen uint64, collection string, err error) {
	c.mu.Lock()
	current := c.ws == ws
	var stop context.CancelFunc
	if current {
		stop = c.stopEmit
		c.ws = nil
		c.stopEmit = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}
	defer stop()

	ev := Event{Generation: gen, Collection: collection, Err: err}
	if code := websocket.CloseStatus(err); code != -1 {
		ev.Type = EventClosed
		ev.Code = code
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			ev.Reason = ce.Reason
		}
		slog.Warn("transport closed by peer", "generation", gen, "code", code, "reason", ev.Reason)
	} else {
		ev.Type = EventErrored
		slog.Warn("transport failed", "generation", gen, "err", err)
	}
	c.emit(emitCtx, ev)
}

func (c *Conn) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

// Send writes one frame. It fails with [ErrNotConnected] when no socket is
// live.
func (c *Conn) Send(ctx context.Context, f wire.Frame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	typ := websocket.MessageText
	if f.Kind == wire.FrameBinary {
		typ = websocket.MessageBinary
	}
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := ws.Write(wctx, typ, f.Data); err != nil {
		return fmt.Errorf("transport: send %s frame: %w", f.Kind, err)
	}
	return nil
}

// Close tears down the live socket, if any, and waits for its read loop to
// exit. No further events are emitted for the closed generation. It is safe to
// call Close when nothing is open.
func (c *Conn) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	ws, stop, done, gen := c.ws, c.stopEmit, c.readDone, c.gen
	c.ws = nil
	c.stopEmit = nil
	c.mu.Unlock()
	if ws == nil {
		return nil
	}

	stop()
	if err := ws.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
		slog.Debug("transport: close handshake", "generation", gen, "err", err)
	}
	<-done

	slog.Info("transport closed", "url", c.url, "generation", gen)
	return nil
}

// SwitchCollection closes the live socket and opens a new one that selects
// id. The peer only learns the collection at open time, so this is a full
// reconnect. The identifier is validated before anything is torn down.
func (c *Conn) SwitchCollection(ctx context.Context, id string) error {
	if err := wire.ValidateCollection(id); err != nil {
		return err
	}
	if err := c.Close(); err != nil {
		slog.Warn("transport: close before switch", "err", err)
	}
	return c.Open(ctx, id)
}
