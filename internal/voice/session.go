// Package voice drives one real-time voice-assistant session: it records the
// user, ships each utterance to the assistant, renders and plays the replies,
// and lets the user cut a spoken reply short by speaking again.
//
// A [Session] owns its recorder, player and transport. Every transition is
// applied by the single goroutine running [Session.Run]; commands from the UI
// (BeginCapture, EndCapture, SwitchCollection, Reconnect), transport events
// and playback completions are all consumed there, one at a time, and each is
// fully applied before the next is taken.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/smartgenie/internal/conversation"
	"github.com/MrWong99/smartgenie/internal/notify"
	"github.com/MrWong99/smartgenie/internal/observe"
	"github.com/MrWong99/smartgenie/internal/transport"
	"github.com/MrWong99/smartgenie/pkg/audio"
	"github.com/MrWong99/smartgenie/pkg/audio/capture"
	"github.com/MrWong99/smartgenie/pkg/audio/playback"
	"github.com/MrWong99/smartgenie/pkg/wire"
)

// Transport is the duplex connection to the assistant peer.
type Transport interface {
	Open(ctx context.Context, collection string) error
	Send(ctx context.Context, f wire.Frame) error
	SwitchCollection(ctx context.Context, id string) error
	Close() error
	Events() <-chan transport.Event
	Generation() uint64
	Connected() bool
}

// Recorder captures one utterance at a time.
type Recorder interface {
	Begin(ctx context.Context) (string, error)
	End() (audio.Utterance, error)
	Abort()
	Close() error
}

// Player plays one reply clip at a time.
type Player interface {
	Play(data []byte) (uint64, error)
	Interrupt(reason audio.InterruptReason)
	Done() <-chan playback.Completion
	State() playback.State
	Close() error
}

var (
	_ Transport = (*transport.Conn)(nil)
	_ Recorder  = (*capture.Controller)(nil)
	_ Player    = (*playback.Controller)(nil)
)

// Config holds the collaborators and settings of a [Session].
type Config struct {
	// Transport, Recorder and Player are required. The session takes
	// ownership and closes them when Run returns.
	Transport Transport
	Recorder  Recorder
	Player    Player

	// Collection is the collection selected on the first connection.
	Collection string

	// Log receives the conversation. When nil a fresh in-memory log is
	// created. The session never closes the log.
	Log *conversation.Log

	// SessionID labels logs, spans and conversation entries. Ignored when
	// Log is set.
	SessionID string

	// Notifier receives user-facing notices. Defaults to [notify.Discard].
	Notifier notify.Notifier

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// TurnTimeout returns the session to Idle when no assistant reply arrives
	// in time. Zero waits forever.
	TurnTimeout time.Duration

	// Reconnect controls automatic reconnection after connection loss.
	Reconnect ReconnectPolicy

	// OnStateChange is called from the session goroutine after every
	// transition. It must not call back into the session.
	OnStateChange func(from, to State)
}

// Status is a point-in-time view of the session.
type Status struct {
	State      State
	Collection string
	Connected  bool
	LastError  error
}

type commandKind int

const (
	cmdBeginCapture commandKind = iota
	cmdEndCapture
	cmdSwitchCollection
	cmdReconnect
)

type command struct {
	kind  commandKind
	ctx   context.Context
	arg   string
	reply chan error
}

// Session is one voice-assistant session.
//
// Commands and accessors are safe for concurrent use. Run must be called
// exactly once.
type Session struct {
	transport Transport
	recorder  Recorder
	player    Player
	log       *conversation.Log
	notifier  notify.Notifier
	metrics   *observe.Metrics
	timeout   time.Duration
	onChange  func(from, to State)
	reconn    *reconnector

	state   atomic.Int32
	running atomic.Bool

	mu         sync.Mutex
	collection string
	lastErr    error

	cmds chan command
	done chan struct{}

	// Owned by the Run goroutine.
	ctx        context.Context
	clipID     uint64
	turnStart  time.Time
	turnSpan   trace.Span
	turnReply  bool
	turnTimer  *time.Timer
	turnC      <-chan time.Time
	reconnectC <-chan time.Time
}

// New validates cfg and creates a session in [Idle]. Nothing is opened until
// Run.
func New(cfg Config) (*Session, error) {
	var errs []error
	if cfg.Transport == nil {
		errs = append(errs, errors.New("voice: transport is required"))
	}
	if cfg.Recorder == nil {
		errs = append(errs, errors.New("voice: recorder is required"))
	}
	if cfg.Player == nil {
		errs = append(errs, errors.New("voice: player is required"))
	}
	if err := wire.ValidateCollection(cfg.Collection); err != nil {
		errs = append(errs, fmt.Errorf("voice: collection: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = conversation.New(cfg.SessionID)
	}
	n := cfg.Notifier
	if n == nil {
		n = notify.Discard
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	return &Session{
		transport:  cfg.Transport,
		recorder:   cfg.Recorder,
		player:     cfg.Player,
		log:        log,
		notifier:   n,
		metrics:    m,
		timeout:    cfg.TurnTimeout,
		onChange:   cfg.OnStateChange,
		reconn:     newReconnector(cfg.Reconnect),
		collection: cfg.Collection,
		cmds:       make(chan command),
		done:       make(chan struct{}),
	}, nil
}

// ID returns the session id used for the conversation log.
func (s *Session) ID() string { return s.log.SessionID() }

// Log returns the session's conversation.
func (s *Session) Log() *conversation.Log { return s.log }

// State returns the current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Status returns the current state, collection, connection flag and the
// most recent surfaced error.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:      s.State(),
		Collection: s.collection,
		Connected:  s.transport.Connected(),
		LastError:  s.lastErr,
	}
}

// Collection returns the selected collection.
func (s *Session) Collection() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collection
}

// Done is closed when Run has returned and every resource is released.
func (s *Session) Done() <-chan struct{} { return s.done }

// ── Commands ─────────────────────────────────────────────────────────────────

// BeginCapture starts recording. While the assistant is speaking this cuts
// the reply short first. It is a no-op while already recording and fails
// with [ErrTurnInProgress] while a reply is pending.
func (s *Session) BeginCapture(ctx context.Context) error {
	return s.do(ctx, cmdBeginCapture, "")
}

// EndCapture seals the recording, sends it and waits for the reply.
func (s *Session) EndCapture(ctx context.Context) error {
	return s.do(ctx, cmdEndCapture, "")
}

// SwitchCollection reconnects with a different collection. Any recording is
// discarded and any reply audio is stopped.
func (s *Session) SwitchCollection(ctx context.Context, id string) error {
	return s.do(ctx, cmdSwitchCollection, id)
}

// Reconnect tears the connection down and opens it again with the current
// collection.
func (s *Session) Reconnect(ctx context.Context) error {
	return s.do(ctx, cmdReconnect, "")
}

// do hands a command to the Run goroutine and waits until it has been
// applied.
func (s *Session) do(ctx context.Context, kind commandKind, arg string) error {
	if !s.running.Load() {
		return ErrNotRunning
	}
	cmd := command{kind: kind, ctx: ctx, arg: arg, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrNotRunning
	}
}

// ── Event loop ───────────────────────────────────────────────────────────────

// Run connects to the assistant and processes events until ctx is cancelled.
// A failed initial connection leaves the session in [Error] rather than
// returning. On return the recorder, player and transport are released.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	s.ctx = ctx
	defer s.teardown()

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	slog.Info("voice session starting", "session_id", s.ID(), "collection", s.Collection())
	if err := s.transport.Open(ctx, s.Collection()); err != nil {
		s.connectionLost(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	}

	events := s.transport.Events()
	completions := s.player.Done()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.cmds:
			cmd.reply <- s.apply(cmd)
		case ev := <-events:
			s.handleEvent(ev)
		case c := <-completions:
			s.handleCompletion(c)
		case <-s.turnC:
			s.handleTurnTimeout()
		case <-s.reconnectC:
			s.handleReconnectTimer()
		}
	}
}

func (s *Session) teardown() {
	s.endTurn(errors.New("session closed"))
	s.reconn.stop()
	if err := s.recorder.Close(); err != nil {
		slog.Warn("voice: closing recorder", "err", err)
	}
	s.player.Interrupt(audio.Shutdown)
	if err := s.player.Close(); err != nil {
		slog.Warn("voice: closing player", "err", err)
	}
	if err := s.transport.Close(); err != nil {
		slog.Warn("voice: closing transport", "err", err)
	}
	close(s.done)
	slog.Info("voice session stopped", "session_id", s.ID())
}

func (s *Session) apply(cmd command) error {
	switch cmd.kind {
	case cmdBeginCapture:
		return s.beginCapture(cmd.ctx)
	case cmdEndCapture:
		return s.endCapture(cmd.ctx)
	case cmdSwitchCollection:
		return s.switchCollection(cmd.ctx, cmd.arg)
	case cmdReconnect:
		return s.reconnect(cmd.ctx)
	default:
		return fmt.Errorf("voice: unknown command %d", cmd.kind)
	}
}

func (s *Session) setState(to State) {
	from := State(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	slog.Debug("voice state", "session_id", s.ID(), "from", from.String(), "to", to.String())
	s.metrics.RecordTransition(s.ctx, from.String(), to.String())
	if s.onChange != nil {
		s.onChange(from, to)
	}
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// ── Capture ──────────────────────────────────────────────────────────────────

func (s *Session) beginCapture(ctx context.Context) error {
	switch s.State() {
	case Recording:
		return nil
	case AwaitingReply:
		return ErrTurnInProgress
	case Speaking:
		s.player.Interrupt(audio.BargeIn)
		s.clipID = 0
		s.endTurn(nil)
		s.metrics.RecordInterruption(s.ctx, audio.BargeIn.String())
		slog.Info("barge-in: reply interrupted", "session_id", s.ID())
	case Error:
		if !s.transport.Connected() {
			if err := s.openCurrent(ctx); err != nil {
				return err
			}
		}
	}

	id, err := s.recorder.Begin(ctx)
	if err != nil {
		s.setError(err)
		s.metrics.RecordError(s.ctx, captureErrorKind(err))
		notify.Errorf(s.notifier, "Microphone unavailable: %v", err)
		slog.Warn("voice: capture failed to start", "session_id", s.ID(), "err", err)
		s.setState(Idle)
		return err
	}
	slog.Debug("recording", "session_id", s.ID(), "utterance_id", id)
	s.setState(Recording)
	return nil
}

func captureErrorKind(err error) string {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "device_unavailable"
	default:
		return "capture"
	}
}

func (s *Session) endCapture(ctx context.Context) error {
	if s.State() != Recording {
		return ErrNotRecording
	}

	utt, err := s.recorder.End()
	if err != nil {
		s.setState(Idle)
		if errors.Is(err, capture.ErrNoAudio) {
			s.metrics.RecordUtterance(s.ctx, "empty")
			notify.Infof(s.notifier, "Nothing was recorded")
			return err
		}
		s.metrics.RecordUtterance(s.ctx, "failed")
		s.setError(err)
		notify.Errorf(s.notifier, "Recording failed: %v", err)
		return err
	}

	frame, err := wire.EncodeUtterance(utt.Data)
	if err != nil {
		s.setState(Idle)
		s.metrics.RecordUtterance(s.ctx, "failed")
		return err
	}
	if err := s.transport.Send(ctx, frame); err != nil {
		s.metrics.RecordUtterance(s.ctx, "failed")
		s.connectionLost(fmt.Errorf("%w: send utterance: %w", ErrConnectionLost, err))
		return err
	}

	s.metrics.RecordUtterance(s.ctx, "sent")
	s.metrics.UtteranceDuration.Record(s.ctx, utt.Duration.Seconds())
	s.log.Append(conversation.Entry{
		Role:        conversation.RoleUser,
		Text:        conversation.VoiceMessageText,
		HasAudio:    true,
		UtteranceID: utt.ID,
		Collection:  s.Collection(),
	})
	s.startTurn(utt)
	s.setState(AwaitingReply)
	return nil
}

// ── Turns ────────────────────────────────────────────────────────────────────

func (s *Session) startTurn(utt audio.Utterance) {
	s.endTurn(nil)
	_, s.turnSpan = observe.StartTurnSpan(s.ctx, s.ID(), s.Collection(), utt.ID)
	s.turnStart = time.Now()
	s.turnReply = false
	if s.timeout > 0 {
		s.turnTimer = time.NewTimer(s.timeout)
		s.turnC = s.turnTimer.C
	}
	observe.Logger(trace.ContextWithSpan(s.ctx, s.turnSpan)).Info("utterance sent",
		"session_id", s.ID(),
		"utterance_id", utt.ID,
		"chunks", utt.Chunks,
		"duration", utt.Duration,
		"bytes", len(utt.Data),
	)
}

// firstReply records the turn latency once per turn.
func (s *Session) firstReply() {
	if s.turnSpan == nil || s.turnReply {
		return
	}
	s.turnReply = true
	s.metrics.TurnLatency.Record(s.ctx, time.Since(s.turnStart).Seconds())
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
		s.turnC = nil
	}
}

// endTurn closes the span of the current turn, if any.
func (s *Session) endTurn(err error) {
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
		s.turnC = nil
	}
	if s.turnSpan == nil {
		return
	}
	if err != nil {
		s.turnSpan.SetStatus(codes.Error, err.Error())
	}
	s.turnSpan.End()
	s.turnSpan = nil
}

func (s *Session) handleTurnTimeout() {
	s.turnC = nil
	s.turnTimer = nil
	if s.State() != AwaitingReply {
		return
	}
	slog.Warn("voice: no reply from assistant", "session_id", s.ID(), "timeout", s.timeout)
	s.metrics.RecordError(s.ctx, "turn_timeout")
	notify.Errorf(s.notifier, "The assistant did not answer, please try again")
	s.endTurn(errors.New("turn timed out"))
	s.setState(Idle)
}

// ── Inbound ──────────────────────────────────────────────────────────────────

func (s *Session) handleEvent(ev transport.Event) {
	if ev.Generation < s.transport.Generation() {
		slog.Debug("voice: dropping event from old connection", "event", ev.Type.String(), "generation", ev.Generation)
		return
	}
	s.metrics.RecordConnectionEvent(s.ctx, ev.Type.String())

	switch ev.Type {
	case transport.EventOpened:
		s.reconn.reset()
		s.reconnectC = nil
		if s.State() == Error {
			s.setError(nil)
			s.setState(Idle)
			notify.Successf(s.notifier, "Reconnected")
		}
	case transport.EventMessage:
		s.handleMessage(ev.Frame)
	case transport.EventClosed:
		reason := ev.Reason
		if reason == "" {
			reason = ev.Code.String()
		}
		s.connectionLost(fmt.Errorf("%w: closed by peer: %s", ErrConnectionLost, reason))
	case transport.EventErrored:
		s.connectionLost(fmt.Errorf("%w: %w", ErrConnectionLost, ev.Err))
	}
}

func (s *Session) handleMessage(f wire.Frame) {
	d := wire.DecodeInbound(f)
	if d.Kind == wire.KindError {
		s.metrics.RecordInbound(s.ctx, d.Kind.String())
		slog.Debug("voice: ignoring undecodable frame", "session_id", s.ID(), "kind", f.Kind.String(), "err", d.Err)
		return
	}
	if d.Warning != nil {
		slog.Warn("voice: reply decoded with warning", "session_id", s.ID(), "warning", d.Warning)
	}

	msg := d.Reply
	if d.Kind == wire.KindRawAudio {
		s.metrics.RecordInbound(s.ctx, d.Kind.String())
	} else {
		s.metrics.RecordInbound(s.ctx, msg.Kind.String())
	}

	if msg.Kind == wire.UserEcho {
		s.log.Append(conversation.Entry{
			Role:       conversation.RoleUserEcho,
			Text:       msg.Text,
			Collection: s.Collection(),
		})
		return
	}
	s.handleAssistant(msg)
}

func (s *Session) handleAssistant(msg wire.ReplyMessage) {
	s.firstReply()
	s.log.Append(conversation.Entry{
		Role:       conversation.RoleAssistant,
		Text:       msg.Text,
		HasAudio:   msg.HasAudio(),
		Collection: s.Collection(),
	})

	state := s.State()
	if state == Recording || state == Error {
		if msg.HasAudio() {
			slog.Info("voice: reply audio not played", "session_id", s.ID(), "state", state.String())
		}
		return
	}

	if !msg.HasAudio() {
		if state == AwaitingReply {
			s.endTurn(nil)
			s.setState(Idle)
		}
		return
	}

	if state == Speaking {
		s.metrics.RecordInterruption(s.ctx, audio.Superseded.String())
	}
	id, err := s.player.Play(msg.Audio)
	if err != nil {
		s.clipID = 0
		s.metrics.RecordError(s.ctx, "playback")
		slog.Warn("voice: playback failed", "session_id", s.ID(), "err", err)
		s.endTurn(err)
		s.setState(Idle)
		return
	}
	s.clipID = id
	s.setState(Speaking)
}

func (s *Session) handleCompletion(c playback.Completion) {
	if c.ClipID != s.clipID || s.State() != Speaking {
		return
	}
	s.clipID = 0
	if c.Err != nil {
		s.metrics.RecordError(s.ctx, "playback")
		slog.Warn("voice: playback failed", "session_id", s.ID(), "clip_id", c.ClipID, "err", c.Err)
	}
	s.endTurn(c.Err)
	s.setState(Idle)
}

// ── Connection ───────────────────────────────────────────────────────────────

// connectionLost releases capture and playback, enters Error and schedules a
// retry when the policy allows.
func (s *Session) connectionLost(err error) {
	s.recorder.Abort()
	s.player.Interrupt(audio.ConnectionLost)
	s.clipID = 0
	// A failed send leaves the socket nominally open. Close it so recovery
	// reopens and no late event for this generation reaches the loop.
	if cerr := s.transport.Close(); cerr != nil {
		slog.Debug("voice: close lost connection", "session_id", s.ID(), "err", cerr)
	}
	s.endTurn(err)
	s.setError(err)
	s.metrics.RecordError(s.ctx, "connection_lost")
	slog.Warn("voice: connection lost", "session_id", s.ID(), "err", err)
	notify.Errorf(s.notifier, "Connection to the assistant lost")
	s.setState(Error)
	if s.reconnectC == nil {
		s.reconnectC = s.reconn.schedule(s.Collection())
	}
}

func (s *Session) handleReconnectTimer() {
	s.reconnectC = nil
	if s.State() != Error || s.transport.Connected() {
		return
	}
	if err := s.transport.Open(s.ctx, s.Collection()); err != nil {
		slog.Warn("reconnection attempt failed", "session_id", s.ID(), "err", err)
		s.setError(fmt.Errorf("%w: %w", ErrConnectionLost, err))
		s.reconnectC = s.reconn.schedule(s.Collection())
		return
	}
	s.reconn.reset()
	s.setError(nil)
	s.setState(Idle)
	notify.Successf(s.notifier, "Reconnected")
}

// openCurrent opens the transport with the current collection, keeping the
// session in Error on failure.
func (s *Session) openCurrent(ctx context.Context) error {
	if err := s.transport.Open(ctx, s.Collection()); err != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionLost, err)
		s.setError(err)
		notify.Errorf(s.notifier, "Could not reach the assistant")
		return err
	}
	s.reconn.reset()
	s.reconnectC = nil
	s.setError(nil)
	return nil
}

// quiesce stops everything in flight before the transport is replaced.
func (s *Session) quiesce(reason audio.InterruptReason) {
	s.recorder.Abort()
	if s.player.State() == playback.Playing {
		s.metrics.RecordInterruption(s.ctx, reason.String())
	}
	s.player.Interrupt(reason)
	s.clipID = 0
	s.endTurn(nil)
}

func (s *Session) switchCollection(ctx context.Context, id string) error {
	if err := wire.ValidateCollection(id); err != nil {
		return err
	}
	if id == s.Collection() && s.transport.Connected() {
		return nil
	}

	s.quiesce(audio.CollectionSwitch)
	s.mu.Lock()
	s.collection = id
	s.mu.Unlock()

	if err := s.transport.SwitchCollection(ctx, id); err != nil {
		s.connectionLost(fmt.Errorf("%w: switch collection: %w", ErrConnectionLost, err))
		return err
	}
	s.reconn.reset()
	s.reconnectC = nil
	s.setError(nil)
	s.setState(Idle)
	slog.Info("collection switched", "session_id", s.ID(), "collection", id)
	return nil
}

func (s *Session) reconnect(ctx context.Context) error {
	s.quiesce(audio.Shutdown)
	if err := s.transport.Close(); err != nil {
		slog.Warn("voice: close before reconnect", "err", err)
	}
	if err := s.openCurrent(ctx); err != nil {
		s.setState(Error)
		return err
	}
	s.setState(Idle)
	return nil
}
