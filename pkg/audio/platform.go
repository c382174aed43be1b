// Package audio defines the device abstractions, PCM helpers and the WAV
// container used by the SmartGenie client.
//
// The two device abstractions are:
//
//   - [Microphone] opens a [CaptureStream] that delivers raw PCM chunks.
//   - [Speaker] plays one fully decoded buffer as a [Clip].
//
// Implementations live in sub-packages: audio/device talks to the sound card,
// audio/wavfile reads and writes WAV files for headless runs, and audio/mock
// provides test doubles. Everything above this package (capture, playback and
// the voice session) depends only on these interfaces.
package audio

import "context"

// Microphone is an input device.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Open starts capturing in the requested format. The supplied ctx governs
	// the open attempt only; the stream stays live until Close.
	//
	// Returns an error wrapping [ErrPermissionDenied] or [ErrDeviceUnavailable]
	// when the hardware cannot be acquired.
	Open(ctx context.Context, f Format) (CaptureStream, error)
}

// CaptureStream is one live recording.
type CaptureStream interface {
	// Chunks delivers PCM chunks in arrival order. The channel is closed after
	// the final chunk once Close has stopped the device, so a consumer that
	// ranges over it sees every chunk that was captured.
	Chunks() <-chan []byte

	// Close stops the device and releases it. It is safe to call Close more
	// than once; subsequent calls return nil.
	Close() error
}

// Speaker is an output device with a fixed native format.
//
// Implementations must be safe for concurrent use.
type Speaker interface {
	// Format is the PCM layout Play expects.
	Format() Format

	// Play starts playing pcm, which must already be in [Speaker.Format].
	// Playback runs asynchronously; the returned Clip reports completion.
	Play(pcm []byte) (Clip, error)
}

// Clip is one playing buffer.
type Clip interface {
	// Done is closed when the clip finishes, fails, or is stopped.
	Done() <-chan struct{}

	// Err returns the device error that ended the clip, or nil after a
	// natural finish or Stop. Only meaningful once Done is closed.
	Err() error

	// Stop halts output immediately. Idempotent.
	Stop()
}
