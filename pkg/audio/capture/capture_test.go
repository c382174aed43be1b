package capture_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/MrWong99/smartgenie/pkg/audio"
	"github.com/MrWong99/smartgenie/pkg/audio/capture"
	"github.com/MrWong99/smartgenie/pkg/audio/mock"
)

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("utt-%d", n)
	}
}

func TestController_BeginEnd(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	c := capture.New(mic, capture.WithIDFunc(sequentialIDs()))

	id, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if id != "utt-1" {
		t.Errorf("id = %q; want utt-1", id)
	}
	if c.State() != capture.Capturing {
		t.Fatalf("state = %v; want capturing", c.State())
	}

	s := mic.LastStream()
	s.Push([]byte{1, 0, 2, 0})
	s.Push([]byte{3, 0})

	u, err := c.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if c.State() != capture.Idle {
		t.Errorf("state after End = %v; want idle", c.State())
	}
	if !s.Closed() {
		t.Error("stream not closed after End")
	}
	if u.ID != "utt-1" || u.MIMEType != audio.MIMEWAV || u.Chunks != 2 {
		t.Errorf("utterance = %+v", u)
	}

	pcm, f, err := audio.DecodeWAV(u.Data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f != capture.DefaultFormat {
		t.Errorf("format = %v; want %v", f, capture.DefaultFormat)
	}
	if want := []byte{1, 0, 2, 0, 3, 0}; !slices.Equal(pcm, want) {
		t.Errorf("pcm = %v; want %v", pcm, want)
	}
}

func TestController_BeginTwiceIsNoOp(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	c := capture.New(mic, capture.WithIDFunc(sequentialIDs()))

	first, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	second, err := c.Begin(context.Background())
	if err != nil {
		t.Fatalf("second Begin: %v", err)
	}
	if first != second {
		t.Errorf("second Begin returned %q; want existing %q", second, first)
	}
	if n := mic.OpenCount(); n != 1 {
		t.Errorf("microphone opened %d times; want 1", n)
	}
	c.Abort()
}

func TestController_NoChunksDroppedOrDuplicated(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{Buffer: 256}
	c := capture.New(mic)

	for round := range 5 {
		if _, err := c.Begin(context.Background()); err != nil {
			t.Fatalf("round %d Begin: %v", round, err)
		}
		s := mic.LastStream()
		var want []byte
		for i := range 50 {
			chunk := []byte{byte(round), byte(i)}
			want = append(want, chunk...)
			s.Push(chunk)
		}
		// A chunk that the device delivers while stopping must still be kept.
		s.OnClose = func(push func([]byte)) {
			push([]byte{0xEE, 0xEE})
		}
		want = append(want, 0xEE, 0xEE)

		u, err := c.End()
		if err != nil {
			t.Fatalf("round %d End: %v", round, err)
		}
		pcm, _, err := audio.DecodeWAV(u.Data)
		if err != nil {
			t.Fatalf("round %d DecodeWAV: %v", round, err)
		}
		if !slices.Equal(pcm, want) {
			t.Fatalf("round %d: pcm mismatch (got %d bytes, want %d)", round, len(pcm), len(want))
		}
		if u.Chunks != 51 {
			t.Errorf("round %d: chunks = %d; want 51", round, u.Chunks)
		}
	}
	if n := mic.OpenCount(); n != 5 {
		t.Errorf("microphone opened %d times; want 5", n)
	}
}

func TestController_EndWhenIdle(t *testing.T) {
	t.Parallel()

	c := capture.New(&mock.Microphone{})
	if _, err := c.End(); !errors.Is(err, capture.ErrNotCapturing) {
		t.Errorf("End err = %v; want ErrNotCapturing", err)
	}
}

func TestController_EndWithoutAudio(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	c := capture.New(mic)
	if _, err := c.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := c.End(); !errors.Is(err, capture.ErrNoAudio) {
		t.Errorf("End err = %v; want ErrNoAudio", err)
	}
	if c.State() != capture.Idle {
		t.Errorf("state = %v; want idle", c.State())
	}
	if !mic.LastStream().Closed() {
		t.Error("stream leaked after empty recording")
	}
}

func TestController_OpenFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "permission", err: audio.ErrPermissionDenied},
		{name: "device", err: fmt.Errorf("no input: %w", audio.ErrDeviceUnavailable)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := capture.New(&mock.Microphone{OpenError: tc.err})
			_, err := c.Begin(context.Background())
			if !errors.Is(err, tc.err) {
				t.Fatalf("Begin err = %v; want %v", err, tc.err)
			}
			if c.State() != capture.Idle {
				t.Errorf("state = %v; want idle", c.State())
			}
		})
	}
}

func TestController_DropsPartialFrame(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	c := capture.New(mic)
	if _, err := c.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	mic.LastStream().Push([]byte{1, 0, 2})
	u, err := c.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	pcm, _, err := audio.DecodeWAV(u.Data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if !slices.Equal(pcm, []byte{1, 0}) {
		t.Errorf("pcm = %v; want [1 0]", pcm)
	}
}

func TestController_AbortAndClose(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	c := capture.New(mic)
	if _, err := c.Begin(context.Background()); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	mic.LastStream().Push([]byte{1, 0})
	c.Abort()
	if !mic.LastStream().Closed() {
		t.Error("Abort did not close the stream")
	}
	if c.State() != capture.Idle {
		t.Errorf("state = %v; want idle", c.State())
	}
	c.Abort() // idempotent

	if _, err := c.Begin(context.Background()); err != nil {
		t.Fatalf("Begin after Abort: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !mic.LastStream().Closed() {
		t.Error("Close did not release the stream")
	}
	if _, err := c.Begin(context.Background()); !errors.Is(err, capture.ErrClosed) {
		t.Errorf("Begin after Close err = %v; want ErrClosed", err)
	}
}
