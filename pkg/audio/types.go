package audio

import (
	"errors"
	"fmt"
	"time"
)

// MIMEWAV is the MIME type of sealed utterances and of the replies the
// assistant sends back.
const MIMEWAV = "audio/wav"

// BytesPerSample is the width of one sample. Every PCM buffer in this module
// is signed 16-bit little-endian.
const BytesPerSample = 2

// Sentinel errors shared by the device implementations and controllers.
var (
	// ErrPermissionDenied is returned when the OS refuses access to the
	// microphone.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned when no usable input or output device
	// exists, or when the device failed to start.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrPlaybackFailure wraps every reason a reply clip could not be played:
	// undecodable payloads as well as output device errors.
	ErrPlaybackFailure = errors.New("audio: playback failure")

	// ErrInvalidFormat is returned for sample rates or channel layouts that
	// cannot be represented.
	ErrInvalidFormat = errors.New("audio: invalid format")
)

// Format describes the sample rate and channel count of a 16-bit PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Validate reports whether f describes a usable stream.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidFormat, f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("%w: %d channels", ErrInvalidFormat, f.Channels)
	}
	return nil
}

// FrameSize is the number of bytes of one sample across all channels.
func (f Format) FrameSize() int { return f.Channels * BytesPerSample }

// Duration returns the playing time of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / f.FrameSize()
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// String returns e.g. "16000Hz mono".
func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// Utterance is one sealed recording, ready to be transmitted. It is never
// mutated after [capture.Controller.End] returns it.
type Utterance struct {
	// ID is the identifier handed out by Begin.
	ID string

	// MIMEType is the container type of Data, normally [MIMEWAV].
	MIMEType string

	// Data is the complete container (header plus samples).
	Data []byte

	// Format is the PCM format of the samples inside Data.
	Format Format

	// Chunks is how many device chunks were concatenated.
	Chunks int

	// Duration is the recorded playing time.
	Duration time.Duration
}
