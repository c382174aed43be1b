// Package capture turns a hold-to-speak gesture into sealed utterances.
//
// A [Controller] owns at most one [audio.CaptureStream] at a time. Begin opens
// the microphone and starts collecting chunks; End stops the device, waits
// until every delivered chunk has been collected, and seals the recording into
// a WAV container. The device is released on every exit path: End, Abort and
// Close all close the stream whether or not sealing succeeds.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/smartgenie/pkg/audio"
)

// Sentinel errors.
var (
	// ErrNotCapturing is returned by End when no recording is in progress.
	ErrNotCapturing = errors.New("capture: not capturing")

	// ErrNoAudio is returned by End when the device delivered no samples
	// between Begin and End. The recording is discarded.
	ErrNoAudio = errors.New("capture: no audio recorded")

	// ErrClosed is returned by Begin after Close.
	ErrClosed = errors.New("capture: controller closed")
)

// DefaultFormat is the capture format used when none is configured. Speech
// recognisers on the peer side expect 16 kHz mono.
var DefaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// State is the capture lifecycle state.
type State int32

const (
	// Idle means no stream is open.
	Idle State = iota

	// Capturing means a stream is open and chunks are being collected.
	Capturing

	// Flushing means End is stopping the device and sealing the recording.
	Flushing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Option configures a [Controller].
type Option func(*Controller)

// WithFormat sets the capture format. Defaults to [DefaultFormat].
func WithFormat(f audio.Format) Option {
	return func(c *Controller) { c.format = f }
}

// WithIDFunc overrides how utterance ids are generated. Defaults to random
// UUIDs.
func WithIDFunc(fn func() string) Option {
	return func(c *Controller) { c.newID = fn }
}

// Controller records one utterance at a time from an [audio.Microphone].
//
// All methods are safe for concurrent use.
type Controller struct {
	mic    audio.Microphone
	format audio.Format
	newID  func() string

	// mu serialises lifecycle transitions. state is additionally stored
	// atomically so State never blocks behind a slow flush.
	mu     sync.Mutex
	state  atomic.Int32
	closed bool

	// Fields below are valid while Capturing or Flushing.
	id      string
	stream  audio.CaptureStream
	started time.Time
	result  chan [][]byte
}

// New creates a Controller that records from mic.
func New(mic audio.Microphone, opts ...Option) *Controller {
	c := &Controller{
		mic:    mic,
		format: DefaultFormat,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Format returns the capture format.
func (c *Controller) Format() audio.Format { return c.format }

// State returns the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Begin opens the microphone and starts collecting chunks. It returns the id
// of the new utterance. If a recording is already in progress, Begin returns
// its id and does not open a second stream.
//
// Device failures are returned wrapped; they wrap [audio.ErrPermissionDenied]
// or [audio.ErrDeviceUnavailable] when the microphone reports them.
func (c *Controller) Begin(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}
	if c.State() == Capturing {
		return c.id, nil
	}

	stream, err := c.mic.Open(ctx, c.format)
	if err != nil {
		return "", fmt.Errorf("capture: open microphone: %w", err)
	}

	c.id = c.newID()
	c.stream = stream
	c.started = time.Now()
	c.result = make(chan [][]byte, 1)
	c.state.Store(int32(Capturing))

	go collect(stream.Chunks(), c.result)

	slog.Debug("capture started", "utterance_id", c.id, "format", c.format.String())
	return c.id, nil
}

// collect appends every chunk in arrival order until the device closes the
// channel, then hands the full list over.
func collect(chunks <-chan []byte, result chan<- [][]byte) {
	var all [][]byte
	for chunk := range chunks {
		if len(chunk) == 0 {
			continue
		}
		all = append(all, chunk)
	}
	result <- all
}

// End stops the device, waits for every delivered chunk and seals the
// recording into a WAV [audio.Utterance]. The controller is Idle again when
// End returns, regardless of the outcome.
func (c *Controller) End() (audio.Utterance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != Capturing {
		return audio.Utterance{}, ErrNotCapturing
	}
	c.state.Store(int32(Flushing))
	defer c.state.Store(int32(Idle))

	id := c.id
	chunks, closeErr := c.release()
	if closeErr != nil {
		slog.Warn("capture: closing stream", "utterance_id", id, "err", closeErr)
	}

	var size int
	for _, ch := range chunks {
		size += len(ch)
	}
	if size == 0 {
		return audio.Utterance{}, ErrNoAudio
	}
	pcm := make([]byte, 0, size)
	for _, ch := range chunks {
		pcm = append(pcm, ch...)
	}
	// A device that delivered a partial frame has lost data; drop the tail
	// rather than misalign every following sample.
	if rem := len(pcm) % c.format.FrameSize(); rem != 0 {
		slog.Warn("capture: dropping partial frame", "utterance_id", id, "bytes", rem)
		pcm = pcm[:len(pcm)-rem]
	}

	data, err := audio.EncodeWAV(pcm, c.format)
	if err != nil {
		return audio.Utterance{}, fmt.Errorf("capture: seal: %w", err)
	}

	u := audio.Utterance{
		ID:       id,
		MIMEType: audio.MIMEWAV,
		Data:     data,
		Format:   c.format,
		Chunks:   len(chunks),
		Duration: c.format.Duration(len(pcm)),
	}
	slog.Debug("capture sealed", "utterance_id", id, "chunks", u.Chunks, "duration", u.Duration, "bytes", len(data))
	return u, nil
}

// Abort discards the recording in progress, if any, and releases the device.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortLocked()
}

func (c *Controller) abortLocked() {
	if c.State() != Capturing {
		return
	}
	id := c.id
	if _, err := c.release(); err != nil {
		slog.Warn("capture: closing stream", "utterance_id", id, "err", err)
	}
	c.state.Store(int32(Idle))
	slog.Debug("capture aborted", "utterance_id", id)
}

// release closes the stream and waits until the collector has seen the
// channel close. Must be called with c.mu held.
func (c *Controller) release() ([][]byte, error) {
	err := c.stream.Close()
	chunks := <-c.result
	c.stream = nil
	c.result = nil
	c.id = ""
	return chunks, err
}

// Close aborts any recording and makes further Begin calls fail. It is safe
// to call Close more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortLocked()
	c.closed = true
	return nil
}
