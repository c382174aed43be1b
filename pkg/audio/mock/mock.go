// Package mock provides in-memory mock implementations of the
// [audio.Microphone], [audio.CaptureStream], [audio.Speaker] and [audio.Clip]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	stream, _ := mic.Open(ctx, format)
//	mic.LastStream().Push([]byte{1, 2, 3, 4})
//
//	spk := &mock.Speaker{OutputFormat: format}
//	clip, _ := spk.Play(pcm)
//	spk.LastClip().Finish(nil) // simulate natural completion
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/smartgenie/pkg/audio"
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
// Set the exported Result fields before use; inspect the Call* fields after.
type Microphone struct {
	mu sync.Mutex

	// OpenError is returned by Open. When set, no stream is created.
	OpenError error

	// Buffer is the capacity of the chunk channel of every opened stream.
	// Defaults to 64.
	Buffer int

	// OpenCalls records the format argument of every Open invocation.
	OpenCalls []audio.Format

	// Streams holds every stream handed out, in order.
	Streams []*Stream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, f audio.Format) (audio.CaptureStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, f)
	if m.OpenError != nil {
		return nil, m.OpenError
	}
	size := m.Buffer
	if size <= 0 {
		size = 64
	}
	s := &Stream{ch: make(chan []byte, size)}
	m.Streams = append(m.Streams, s)
	return s, nil
}

// LastStream returns the most recently opened stream, or nil.
func (m *Microphone) LastStream() *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Streams) == 0 {
		return nil
	}
	return m.Streams[len(m.Streams)-1]
}

// OpenCount returns how many times Open was called.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.CaptureStream]. Tests feed it
// with [Stream.Push].
type Stream struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool

	// CloseError is returned by the first Close call.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// OnClose, if set, is called once from Close before the chunk channel is
	// closed. Tests use it to inject late chunks that arrive during the stop.
	OnClose func(push func([]byte))
}

// Chunks implements [audio.CaptureStream].
func (s *Stream) Chunks() <-chan []byte { return s.ch }

// Push delivers a chunk as if the device had produced it. It reports false
// once the stream is closed.
func (s *Stream) Push(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushLocked(chunk)
}

func (s *Stream) pushLocked(chunk []byte) bool {
	if s.closed {
		return false
	}
	s.ch <- chunk
	return true
}

// Close implements [audio.CaptureStream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	if s.OnClose != nil {
		s.OnClose(func(chunk []byte) { s.pushLocked(chunk) })
	}
	s.closed = true
	close(s.ch)
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker]. Clips never finish on
// their own; tests call [Clip.Finish] to simulate the end of playback.
type Speaker struct {
	mu sync.Mutex

	// OutputFormat is returned by Format.
	OutputFormat audio.Format

	// PlayError is returned by Play. When set, no clip is created.
	PlayError error

	// PlayCalls records the pcm argument of every Play invocation.
	PlayCalls [][]byte

	// Clips holds every clip handed out, in order.
	Clips []*Clip
}

// Format implements [audio.Speaker].
func (s *Speaker) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.OutputFormat
}

// Play implements [audio.Speaker].
func (s *Speaker) Play(pcm []byte) (audio.Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlayCalls = append(s.PlayCalls, pcm)
	if s.PlayError != nil {
		return nil, s.PlayError
	}
	c := &Clip{done: make(chan struct{}), PCM: pcm}
	s.Clips = append(s.Clips, c)
	return c, nil
}

// LastClip returns the most recently started clip, or nil.
func (s *Speaker) LastClip() *Clip {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Clips) == 0 {
		return nil
	}
	return s.Clips[len(s.Clips)-1]
}

// Live returns the clips that have neither finished nor been stopped.
func (s *Speaker) Live() []*Clip {
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []*Clip
	for _, c := range s.Clips {
		select {
		case <-c.done:
		default:
			live = append(live, c)
		}
	}
	return live
}

// ─── Clip ────────────────────────────────────────────────────────────────────

// Clip is a mock implementation of [audio.Clip].
type Clip struct {
	// PCM is the buffer passed to Play.
	PCM []byte

	mu      sync.Mutex
	done    chan struct{}
	err     error
	stopped bool

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Done implements [audio.Clip].
func (c *Clip) Done() <-chan struct{} { return c.done }

// Err implements [audio.Clip].
func (c *Clip) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop implements [audio.Clip].
func (c *Clip) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	c.stopped = true
	c.closeLocked()
}

// Stopped reports whether Stop has been called.
func (c *Clip) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Finish ends the clip as if playback reached the end (err == nil) or the
// device failed (err != nil). It is a no-op on a clip that already ended.
func (c *Clip) Finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	c.closeLocked()
}

func (c *Clip) closeLocked() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*Stream)(nil)
	_ audio.Speaker       = (*Speaker)(nil)
	_ audio.Clip          = (*Clip)(nil)
)
