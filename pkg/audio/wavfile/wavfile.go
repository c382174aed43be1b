// Package wavfile implements the audio device interfaces on top of WAV files.
//
// [Microphone] replays a recording from disk as if it were spoken into a
// real microphone, and [Speaker] writes every reply clip to a directory.
// Together they let the client run on machines without a sound card, and
// they make end-to-end runs reproducible.
package wavfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/smartgenie/pkg/audio"
)

// DefaultChunk is the amount of audio delivered per chunk.
const DefaultChunk = 20 * time.Millisecond

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone streams the samples of a WAV file. Every Open starts from the
// beginning of the file. When the file is exhausted the stream delivers
// silence until it is closed, like a muted microphone.
type Microphone struct {
	path     string
	chunk    time.Duration
	realtime bool
}

// MicOption configures a [Microphone].
type MicOption func(*Microphone)

// WithChunk sets the duration of audio per chunk. Defaults to [DefaultChunk].
func WithChunk(d time.Duration) MicOption {
	return func(m *Microphone) {
		if d > 0 {
			m.chunk = d
		}
	}
}

// WithRealtime paces chunks at the rate a real device would produce them.
// Without it the whole file is delivered as fast as the consumer reads.
func WithRealtime(on bool) MicOption {
	return func(m *Microphone) { m.realtime = on }
}

// NewMicrophone returns a microphone that replays the WAV file at path.
func NewMicrophone(path string, opts ...MicOption) *Microphone {
	m := &Microphone{path: path, chunk: DefaultChunk}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [audio.Microphone]. The file is converted to f.
func (m *Microphone) Open(_ context.Context, f audio.Format) (audio.CaptureStream, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %s: %w: %w", m.path, audio.ErrDeviceUnavailable, err)
	}
	pcm, src, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %s: %w: %w", m.path, audio.ErrDeviceUnavailable, err)
	}
	conv := audio.FormatConverter{Target: f}
	pcm, err = conv.Convert(pcm, src)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %s: %w", m.path, err)
	}

	size := int(int64(f.SampleRate)*int64(m.chunk)/int64(time.Second)) * f.FrameSize()
	if size <= 0 {
		size = f.FrameSize()
	}

	s := &stream{
		out:  make(chan []byte, 4),
		stop: make(chan struct{}),
	}
	go s.run(pcm, size, m.chunk, m.realtime)
	return s, nil
}

type stream struct {
	out       chan []byte
	stop      chan struct{}
	closeOnce sync.Once
}

func (s *stream) run(pcm []byte, size int, interval time.Duration, realtime bool) {
	defer close(s.out)

	var tick <-chan time.Time
	if realtime {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	silence := make([]byte, size)
	for {
		var chunk []byte
		if len(pcm) > 0 {
			n := min(size, len(pcm))
			chunk, pcm = pcm[:n], pcm[n:]
		} else if realtime {
			chunk = silence
		} else {
			// Nothing left and no clock to pace silence; wait for Close.
			<-s.stop
			return
		}

		if tick != nil {
			select {
			case <-tick:
			case <-s.stop:
				return
			}
		}
		select {
		case s.out <- chunk:
		case <-s.stop:
			return
		}
	}
}

// Chunks implements [audio.CaptureStream].
func (s *stream) Chunks() <-chan []byte { return s.out }

// Close implements [audio.CaptureStream].
func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker writes each clip to dir as reply-NNNN.wav. A clip finishes after
// its playing time has elapsed, or immediately when pacing is disabled.
type Speaker struct {
	dir      string
	format   audio.Format
	realtime bool
	seq      atomic.Uint64
}

// NewSpeaker creates dir if needed and returns a speaker in format f.
func NewSpeaker(dir string, f audio.Format, realtime bool) (*Speaker, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wavfile: create %s: %w: %w", dir, audio.ErrDeviceUnavailable, err)
	}
	return &Speaker{dir: dir, format: f, realtime: realtime}, nil
}

// Format implements [audio.Speaker].
func (s *Speaker) Format() audio.Format { return s.format }

// Play implements [audio.Speaker].
func (s *Speaker) Play(pcm []byte) (audio.Clip, error) {
	data, err := audio.EncodeWAV(pcm, s.format)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("reply-%04d.wav", s.seq.Add(1)))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("wavfile: write %s: %w", path, err)
	}
	slog.Info("reply written", "path", path, "duration", s.format.Duration(len(pcm)))

	c := &clip{done: make(chan struct{}), stop: make(chan struct{})}
	var wait time.Duration
	if s.realtime {
		wait = s.format.Duration(len(pcm))
	}
	go c.run(wait)
	return c, nil
}

type clip struct {
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func (c *clip) run(d time.Duration) {
	defer close(c.done)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.stop:
	}
}

func (c *clip) Done() <-chan struct{} { return c.done }

func (c *clip) Err() error { return nil }

func (c *clip) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Speaker    = (*Speaker)(nil)
)
