package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrNotWAV is returned by [DecodeWAV] when data is not a RIFF/WAVE PCM
// container.
var ErrNotWAV = errors.New("audio: not a wav container")

// EncodeWAV wraps 16-bit little-endian PCM in a WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if len(pcm)%BytesPerSample != 0 {
		return nil, fmt.Errorf("audio: encode wav: pcm payload not aligned (%d bytes)", len(pcm))
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(pcm)/BytesPerSample),
	}
	for i := range buf.Data {
		buf.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	ws := &writeSeeker{}
	enc := wav.NewEncoder(ws, f.SampleRate, 16, f.Channels, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("audio: encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("audio: encode wav: close: %w", err)
	}
	return ws.buf, nil
}

// DecodeWAV parses a WAV container and returns its samples as 16-bit
// little-endian PCM. 8, 24 and 32-bit integer sources are rescaled to 16 bits.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w", err)
	}
	if buf.Format == nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w: missing fmt chunk", ErrNotWAV)
	}
	f := Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}
	if err := f.Validate(); err != nil {
		return nil, Format{}, fmt.Errorf("audio: decode wav: %w", err)
	}

	depth := int(dec.SampleBitDepth())
	pcm := make([]byte, len(buf.Data)*BytesPerSample)
	for i, v := range buf.Data {
		s, err := to16(v, depth)
		if err != nil {
			return nil, Format{}, fmt.Errorf("audio: decode wav: %w", err)
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	return pcm, f, nil
}

// to16 rescales one decoded sample of the given bit depth to int16.
func to16(v, depth int) (int16, error) {
	switch depth {
	case 8:
		// 8-bit WAV samples are unsigned.
		return int16((v - 128) << 8), nil
	case 16:
		return int16(v), nil
	case 24:
		return int16(v >> 8), nil
	case 32:
		return int16(v >> 16), nil
	default:
		return 0, fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidFormat, depth)
	}
}

// writeSeeker is an in-memory [io.WriteSeeker]. The WAV encoder seeks back
// to patch chunk sizes once the sample count is known.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	if end := w.pos + len(p); end > len(w.buf) {
		if end > cap(w.buf) {
			grown := make([]byte, end, 2*end)
			copy(grown, w.buf)
			w.buf = grown
		} else {
			w.buf = w.buf[:end]
		}
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(w.pos) + offset
	case io.SeekEnd:
		abs = int64(len(w.buf)) + offset
	default:
		return 0, fmt.Errorf("audio: seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, fmt.Errorf("audio: seek: negative position %d", abs)
	}
	w.pos = int(abs)
	return abs, nil
}
