package device

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/smartgenie/pkg/audio"
)

// pollInterval is how often a playing clip checks whether oto has drained it.
const pollInterval = 20 * time.Millisecond

// Speaker plays through the default output device. oto supports a single
// context per process, so create at most one Speaker.
type Speaker struct {
	ctx    *oto.Context
	format audio.Format
}

// NewSpeaker opens the output device in format f and waits until it is ready.
// buffer controls the device latency; zero selects the driver default.
func NewSpeaker(f audio.Format, buffer time.Duration) (*Speaker, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("device: init speaker: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	<-ready
	return &Speaker{ctx: ctx, format: f}, nil
}

// Format implements [audio.Speaker].
func (s *Speaker) Format() audio.Format { return s.format }

// Play implements [audio.Speaker].
func (s *Speaker) Play(pcm []byte) (audio.Clip, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, fmt.Errorf("device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	p := s.ctx.NewPlayer(bytes.NewReader(pcm))
	c := &clip{player: p, done: make(chan struct{}), stop: make(chan struct{})}
	p.Play()
	go c.watch()
	return c, nil
}

type clip struct {
	player *oto.Player

	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

// watch closes done once the player has drained, failed or been stopped.
func (c *clip) watch() {
	defer close(c.done)
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			if err := c.player.Err(); err != nil {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
				return
			}
			if !c.player.IsPlaying() {
				return
			}
		}
	}
}

func (c *clip) Done() <-chan struct{} { return c.done }

func (c *clip) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Stop pauses the player and drops its queued samples.
func (c *clip) Stop() {
	c.stopOnce.Do(func() {
		c.player.Pause()
		c.player.Reset()
		close(c.stop)
	})
}

var _ audio.Speaker = (*Speaker)(nil)
