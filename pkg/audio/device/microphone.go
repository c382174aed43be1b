// Package device connects the audio abstractions to the local sound card.
//
// Capture goes through miniaudio (github.com/gen2brain/malgo) and playback
// through github.com/ebitengine/oto/v3. Both need cgo and a working audio
// backend at runtime; headless runs use the audio/wavfile package instead.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/smartgenie/pkg/audio"
)

// PeriodMillis is the capture period requested from miniaudio. Each chunk on
// the stream covers roughly this much audio.
const PeriodMillis = 20

// Microphone captures from the default input device.
type Microphone struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	period uint32
}

// NewMicrophone initialises the miniaudio context. Call Close to release it.
// periodMillis <= 0 selects [PeriodMillis].
func NewMicrophone(periodMillis int) (*Microphone, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime

	ctx, err := malgo.InitContext(nil, cfg, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("device: init capture context: %w", mapError(err))
	}
	if periodMillis <= 0 {
		periodMillis = PeriodMillis
	}
	return &Microphone{ctx: ctx, period: uint32(periodMillis)}, nil
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, f audio.Format) (audio.CaptureStream, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return nil, fmt.Errorf("device: microphone closed: %w", audio.ErrDeviceUnavailable)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(f.Channels)
	cfg.SampleRate = uint32(f.SampleRate)
	cfg.PeriodSizeInMilliseconds = m.period

	s := &stream{
		out:    make(chan []byte, 16),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}

	dev, err := malgo.InitDevice(m.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) { s.push(in) },
	})
	if err != nil {
		return nil, fmt.Errorf("device: init capture device: %w", mapError(err))
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("device: start capture: %w", mapError(err))
	}
	s.dev = dev

	go s.pump()
	return s, nil
}

// Close releases the miniaudio context. Streams must be closed first.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	if err != nil {
		return fmt.Errorf("device: uninit capture context: %w", err)
	}
	return nil
}

// stream buffers callback data on the audio thread and forwards it to the
// chunk channel from a regular goroutine, so the device callback never
// blocks on a slow consumer.
type stream struct {
	dev *malgo.Device

	mu      sync.Mutex
	pending [][]byte

	out    chan []byte
	notify chan struct{}
	stop   chan struct{}

	closeOnce sync.Once
}

func (s *stream) push(in []byte) {
	if len(in) == 0 {
		return
	}
	// miniaudio reuses the buffer after the callback returns.
	chunk := make([]byte, len(in))
	copy(chunk, in)

	s.mu.Lock()
	s.pending = append(s.pending, chunk)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *stream) take() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

func (s *stream) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.notify:
			for _, c := range s.take() {
				s.out <- c
			}
		case <-s.stop:
			// The device is stopped; forward whatever arrived last.
			for _, c := range s.take() {
				s.out <- c
			}
			return
		}
	}
}

// Chunks implements [audio.CaptureStream].
func (s *stream) Chunks() <-chan []byte { return s.out }

// Close implements [audio.CaptureStream]. It stops the device before closing
// the chunk channel so the final callback's data is still delivered.
func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if stopErr := s.dev.Stop(); stopErr != nil {
			err = fmt.Errorf("device: stop capture: %w", stopErr)
		}
		s.dev.Uninit()
		close(s.stop)
	})
	return err
}

// mapError translates miniaudio results into the audio package taxonomy.
// Anything other than an access refusal means the device cannot be used.
func mapError(err error) error {
	if errors.Is(err, malgo.ErrAccessDenied) {
		return fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
}

var _ audio.Microphone = (*Microphone)(nil)
