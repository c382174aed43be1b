package audio_test

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/smartgenie/pkg/audio"
)

func TestWAV_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		format  audio.Format
		samples []int16
	}{
		{name: "mono 16k", format: audio.Format{SampleRate: 16000, Channels: 1}, samples: []int16{0, 1, -1, 32767, -32768, 1234}},
		{name: "stereo 48k", format: audio.Format{SampleRate: 48000, Channels: 2}, samples: []int16{10, -10, 20, -20}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			data, err := audio.EncodeWAV(samplesToBytes(tc.samples), tc.format)
			if err != nil {
				t.Fatalf("EncodeWAV: %v", err)
			}
			if !bytes.HasPrefix(data, []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
				t.Fatalf("missing RIFF/WAVE header: % x", data[:12])
			}

			pcm, f, err := audio.DecodeWAV(data)
			if err != nil {
				t.Fatalf("DecodeWAV: %v", err)
			}
			if f != tc.format {
				t.Errorf("format = %v; want %v", f, tc.format)
			}
			if got := bytesToSamples(pcm); !slices.Equal(got, tc.samples) {
				t.Errorf("samples = %v; want %v", got, tc.samples)
			}
		})
	}
}

func TestEncodeWAV_Errors(t *testing.T) {
	if _, err := audio.EncodeWAV([]byte{1, 2, 3}, audio.Format{SampleRate: 16000, Channels: 1}); err == nil {
		t.Error("expected error for unaligned pcm")
	}
	if _, err := audio.EncodeWAV([]byte{1, 2}, audio.Format{}); !errors.Is(err, audio.ErrInvalidFormat) {
		t.Errorf("err = %v; want ErrInvalidFormat", err)
	}
}

func TestDecodeWAV_NotWAV(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("hello world"), []byte("RIFF\x00\x00\x00\x00JUNK")} {
		if _, _, err := audio.DecodeWAV(data); err == nil {
			t.Errorf("DecodeWAV(%q) succeeded; want error", data)
		}
	}
}
