// Package devpeer is a local stand-in for the SmartGenie assistant. It speaks
// the client wire protocol at /ws/assistant without doing any recognition or
// retrieval: every utterance is answered with a transcript echo and a short
// synthesized tone, so the client can be exercised end to end on one machine.
//
// Utterances that contain only silence are dropped without a reply, the same
// way the real backend drops empty transcriptions.
package devpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/smartgenie/pkg/audio"
	"github.com/MrWong99/smartgenie/pkg/wire"
)

// Mode selects how replies are framed.
type Mode string

const (
	// ModeJSON answers with a JSON assistant envelope carrying base64 audio.
	ModeJSON Mode = "json"

	// ModeRaw answers with bare WAV bytes in a binary frame.
	ModeRaw Mode = "raw"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool { return m == ModeJSON || m == ModeRaw }

// Defaults for [Server].
const (
	DefaultToneHz       = 440.0
	DefaultToneDuration = 600 * time.Millisecond
	DefaultReplyDelay   = 0
	writeTimeout        = 10 * time.Second
	readLimit           = 32 << 20
)

// Server serves the assistant endpoint.
type Server struct {
	mode         Mode
	toneHz       float64
	toneDuration time.Duration
	format       audio.Format
	replyDelay   time.Duration

	conns atomic.Int64
	turns atomic.Int64

	mu   sync.Mutex
	seen []string
}

// Option configures a [Server].
type Option func(*Server)

// WithMode sets the reply framing. Default: [ModeJSON].
func WithMode(m Mode) Option {
	return func(s *Server) {
		if m.IsValid() {
			s.mode = m
		}
	}
}

// WithTone sets the frequency and length of the synthesized reply.
func WithTone(hz float64, d time.Duration) Option {
	return func(s *Server) {
		if hz > 0 {
			s.toneHz = hz
		}
		if d > 0 {
			s.toneDuration = d
		}
	}
}

// WithFormat sets the PCM format of the synthesized reply. Default: 16 kHz mono.
func WithFormat(f audio.Format) Option {
	return func(s *Server) {
		if f.Validate() == nil {
			s.format = f
		}
	}
}

// WithReplyDelay pauses before each assistant reply, which makes barge-in
// easy to try by hand.
func WithReplyDelay(d time.Duration) Option {
	return func(s *Server) { s.replyDelay = d }
}

// New returns a server with the given options applied.
func New(opts ...Option) *Server {
	s := &Server{
		mode:         ModeJSON,
		toneHz:       DefaultToneHz,
		toneDuration: DefaultToneDuration,
		format:       audio.Format{SampleRate: 16000, Channels: 1},
		replyDelay:   DefaultReplyDelay,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes returns the HTTP handler of the peer.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws/assistant", s.handleAssistant)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Connections returns the number of WebSocket connections accepted so far.
func (s *Server) Connections() int { return int(s.conns.Load()) }

// Turns returns the number of utterances answered so far.
func (s *Server) Turns() int { return int(s.turns.Load()) }

// Collections returns the collection selected by each connection, in
// connection order. Connections that never selected one are recorded as "".
func (s *Server) Collections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func (s *Server) handleAssistant(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("devpeer: accept failed", "err", err)
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(readLimit)

	s.mu.Lock()
	idx := len(s.seen)
	s.seen = append(s.seen, "")
	s.mu.Unlock()
	id := s.conns.Add(1)

	log := slog.With("conn", id, "remote", r.RemoteAddr)
	log.Info("devpeer: client connected")

	err = s.serve(r.Context(), ws, idx, log)
	switch {
	case err == nil:
		ws.Close(websocket.StatusNormalClosure, "bye")
	case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway,
		errors.Is(err, context.Canceled):
		log.Info("devpeer: client disconnected")
	default:
		log.Warn("devpeer: connection ended", "err", err)
	}
}

func (s *Server) serve(ctx context.Context, ws *websocket.Conn, idx int, log *slog.Logger) error {
	collection := ""
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}

		if typ == websocket.MessageText {
			f := wire.Frame{Kind: wire.FrameText, Data: data}
			if id, ok := wire.ParseCollectionSelect(f); ok {
				collection = id
				s.mu.Lock()
				s.seen[idx] = id
				s.mu.Unlock()
				log.Info("devpeer: collection selected", "collection", id)
				continue
			}
			log.Warn("devpeer: ignoring text frame", "len", len(data))
			continue
		}

		pcm, f, err := audio.DecodeWAV(data)
		if err != nil {
			// Not a WAV container: treat the bytes as 16 kHz mono PCM.
			pcm, f = data, s.format
		}
		if silent(pcm) {
			log.Info("devpeer: dropping silent utterance", "bytes", len(data))
			continue
		}
		turn := s.turns.Add(1)
		heard := f.Duration(len(pcm))
		log.Info("devpeer: utterance", "turn", turn, "collection", collection, "duration", heard)

		if err := s.reply(ctx, ws, int(turn), collection, heard); err != nil {
			return err
		}
	}
}

func (s *Server) reply(ctx context.Context, ws *websocket.Conn, turn int, collection string, heard time.Duration) error {
	echo, err := wire.EncodeUserEcho(fmt.Sprintf("(%.1fs of speech)", heard.Seconds()))
	if err != nil {
		return err
	}
	if err := s.write(ctx, ws, echo); err != nil {
		return err
	}

	if s.replyDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.replyDelay):
		}
	}

	wav, err := audio.EncodeWAV(Tone(s.format, s.toneHz, s.toneDuration), s.format)
	if err != nil {
		return fmt.Errorf("devpeer: encode tone: %w", err)
	}

	var out wire.Frame
	if s.mode == ModeRaw {
		out = wire.Frame{Kind: wire.FrameBinary, Data: wav}
	} else {
		text := fmt.Sprintf("Answer %d from %s.", turn, collectionLabel(collection))
		if out, err = wire.EncodeAssistantReply(text, wav); err != nil {
			return err
		}
	}
	return s.write(ctx, ws, out)
}

func (s *Server) write(ctx context.Context, ws *websocket.Conn, f wire.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	typ := websocket.MessageText
	if f.Kind == wire.FrameBinary {
		typ = websocket.MessageBinary
	}
	return ws.Write(ctx, typ, f.Data)
}

func collectionLabel(id string) string {
	if id == "" {
		return "no collection"
	}
	return id
}

// Tone synthesizes a sine wave of the given frequency and length as 16-bit
// little-endian PCM in format f, with a short fade at both ends.
func Tone(f audio.Format, hz float64, d time.Duration) []byte {
	frames := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	fade := f.SampleRate / 100
	pcm := make([]byte, frames*f.FrameSize())
	for i := range frames {
		amp := 0.3
		switch {
		case i < fade:
			amp *= float64(i) / float64(fade)
		case frames-i < fade:
			amp *= float64(frames-i) / float64(fade)
		}
		v := int16(amp * math.MaxInt16 * math.Sin(2*math.Pi*hz*float64(i)/float64(f.SampleRate)))
		for ch := range f.Channels {
			off := (i*f.Channels + ch) * audio.BytesPerSample
			pcm[off] = byte(v)
			pcm[off+1] = byte(v >> 8)
		}
	}
	return pcm
}

// silent reports whether every sample of the 16-bit PCM buffer is zero.
func silent(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}
