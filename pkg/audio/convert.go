package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FormatConverter converts PCM buffers into a fixed target format. It logs a
// warning on the first format mismatch so that a misconfigured speaker shows
// up once in the log instead of on every reply.
// Create one per output device; safe for concurrent use.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts pcm from the source format to c.Target. If the formats
// already match, pcm is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert.
func (c *FormatConverter) Convert(pcm []byte, from Format) ([]byte, error) {
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if err := c.Target.Validate(); err != nil {
		return nil, err
	}
	if len(pcm)%from.FrameSize() != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %s frames", ErrInvalidFormat, len(pcm), from)
	}

	if from == c.Target {
		return pcm, nil
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", from.String(),
			"to", c.Target.String(),
		)
	})

	// Resampling before channel conversion avoids resampling stereo when the
	// target is mono.
	if from.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, from.Channels, from.SampleRate, c.Target.SampleRate)
	}

	switch {
	case from.Channels == 1 && c.Target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case from.Channels == 2 && c.Target.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm, nil
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sampleAt(pcm, i*2))
		r := int32(sampleAt(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// Resample16 resamples interleaved 16-bit PCM with the given channel count
// from srcRate to dstRate using linear interpolation per channel. If the
// rates match or are not positive, the input is returned unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	srcFrames := len(pcm) / (channels * 2)
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*channels*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := float64(sampleAt(pcm, srcIdx*channels+ch))
			s1 := float64(sampleAt(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int32(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// sampleAt returns the n-th little-endian int16 sample of pcm.
func sampleAt(pcm []byte, n int) int16 {
	return int16(pcm[n*2]) | int16(pcm[n*2+1])<<8
}

// putSample writes v as the n-th little-endian int16 sample of pcm. v must
// already be within int16 range.
func putSample(pcm []byte, n int, v int32) {
	pcm[n*2] = byte(v)
	pcm[n*2+1] = byte(v >> 8)
}

func clamp16(v int32) int32 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
