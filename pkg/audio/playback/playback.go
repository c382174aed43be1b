// Package playback plays assistant replies through an [audio.Speaker].
//
// A [Controller] holds at most one live [audio.Clip]. Starting a new clip
// always stops the previous one first, so replies never overlap. Natural
// completion and device failures are reported on [Controller.Done]; clips
// that were stopped by Interrupt or replaced by Play report nothing.
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/smartgenie/pkg/audio"
)

// ErrClosed is returned by Play after Close.
var ErrClosed = errors.New("playback: controller closed")

// State is the playback lifecycle state.
type State int

const (
	// Silent means no clip is live.
	Silent State = iota

	// Playing means exactly one clip is live.
	Playing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Silent:
		return "silent"
	case Playing:
		return "playing"
	default:
		return "unknown"
	}
}

// Completion reports the end of a clip that was not interrupted.
type Completion struct {
	// ClipID is the id returned by the Play call that started the clip.
	ClipID uint64

	// Err is nil after a natural finish. A device failure while playing is
	// reported as an error wrapping [audio.ErrPlaybackFailure].
	Err error
}

// Controller owns the speaker on behalf of a session.
//
// All methods are safe for concurrent use.
type Controller struct {
	speaker audio.Speaker
	conv    *audio.FormatConverter

	mu     sync.Mutex
	clip   audio.Clip
	clipID uint64
	nextID uint64
	closed bool

	done chan Completion
	quit chan struct{}
}

// New creates a Controller that plays through speaker.
func New(speaker audio.Speaker) *Controller {
	return &Controller{
		speaker: speaker,
		conv:    &audio.FormatConverter{Target: speaker.Format()},
		done:    make(chan Completion, 4),
		quit:    make(chan struct{}),
	}
}

// Done delivers one [Completion] per clip that ended without being
// interrupted. The channel is never closed.
func (c *Controller) Done() <-chan Completion { return c.done }

// State reports whether a clip is live.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clip != nil {
		return Playing
	}
	return Silent
}

// Current returns the id of the live clip, or 0 when Silent.
func (c *Controller) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clipID
}

// Play stops any live clip, decodes data as a WAV container and starts
// playing it. On failure the controller is Silent and the error wraps
// [audio.ErrPlaybackFailure].
func (c *Controller) Play(data []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	c.stopLocked(audio.Superseded)

	pcm, f, err := audio.DecodeWAV(data)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", audio.ErrPlaybackFailure, err)
	}
	pcm, err = c.conv.Convert(pcm, f)
	if err != nil {
		return 0, fmt.Errorf("%w: convert: %w", audio.ErrPlaybackFailure, err)
	}
	clip, err := c.speaker.Play(pcm)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", audio.ErrPlaybackFailure, err)
	}

	c.nextID++
	c.clip = clip
	c.clipID = c.nextID
	go c.watch(c.clipID, clip)

	slog.Debug("playback started", "clip_id", c.clipID, "source", f.String(), "duration", c.conv.Target.Duration(len(pcm)))
	return c.clipID, nil
}

// watch waits for clip to end and reports it unless it was stopped or
// replaced in the meantime.
func (c *Controller) watch(id uint64, clip audio.Clip) {
	select {
	case <-clip.Done():
	case <-c.quit:
		return
	}

	c.mu.Lock()
	if c.clipID != id {
		c.mu.Unlock()
		return
	}
	c.clip = nil
	c.clipID = 0
	c.mu.Unlock()

	comp := Completion{ClipID: id}
	if err := clip.Err(); err != nil {
		comp.Err = fmt.Errorf("%w: %w", audio.ErrPlaybackFailure, err)
		slog.Warn("playback failed", "clip_id", id, "err", err)
	} else {
		slog.Debug("playback finished", "clip_id", id)
	}

	select {
	case c.done <- comp:
	case <-c.quit:
	}
}

// Interrupt stops the live clip immediately. The interrupted clip emits no
// completion. Interrupt is a no-op when Silent.
func (c *Controller) Interrupt(reason audio.InterruptReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(reason)
}

func (c *Controller) stopLocked(reason audio.InterruptReason) {
	if c.clip == nil {
		return
	}
	clip, id := c.clip, c.clipID
	c.clip = nil
	c.clipID = 0
	clip.Stop()
	slog.Debug("playback interrupted", "clip_id", id, "reason", reason.String())
}

// Close stops any live clip and releases the controller. It is safe to call
// Close more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.stopLocked(audio.Shutdown)
	c.closed = true
	close(c.quit)
	return nil
}
