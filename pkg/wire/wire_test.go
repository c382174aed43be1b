package wire_test

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/MrWong99/smartgenie/pkg/wire"
)

func TestEncodeCollectionSelect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		id      string
		want    string
		wantErr bool
	}{
		{name: "plain", id: "mbbs-guide", want: "SET_COLLECTION:mbbs-guide"},
		{name: "with spaces", id: "ai research", want: "SET_COLLECTION:ai research"},
		{name: "empty", id: "", wantErr: true},
		{name: "blank", id: "   ", wantErr: true},
		{name: "newline", id: "nmc\nregulations", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f, err := wire.EncodeCollectionSelect(tc.id)
			if tc.wantErr {
				if !errors.Is(err, wire.ErrInvalidCollection) {
					t.Fatalf("err = %v; want ErrInvalidCollection", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Kind != wire.FrameText {
				t.Errorf("kind = %v; want text", f.Kind)
			}
			if string(f.Data) != tc.want {
				t.Errorf("data = %q; want %q", f.Data, tc.want)
			}
			got, ok := wire.ParseCollectionSelect(f)
			if !ok || got != tc.id {
				t.Errorf("ParseCollectionSelect = %q, %v; want %q, true", got, ok, tc.id)
			}
		})
	}
}

func TestParseCollectionSelect_RejectsOtherFrames(t *testing.T) {
	t.Parallel()
	if _, ok := wire.ParseCollectionSelect(wire.Frame{Kind: wire.FrameBinary, Data: []byte("SET_COLLECTION:x")}); ok {
		t.Error("binary frame accepted as collection select")
	}
	if _, ok := wire.ParseCollectionSelect(wire.Frame{Kind: wire.FrameText, Data: []byte("hello")}); ok {
		t.Error("unprefixed text accepted as collection select")
	}
}

func TestEncodeUtterance(t *testing.T) {
	t.Parallel()

	data := []byte{1, 2, 3, 4}
	f, err := wire.EncodeUtterance(data)
	if err != nil {
		t.Fatalf("EncodeUtterance: %v", err)
	}
	if f.Kind != wire.FrameBinary {
		t.Errorf("kind = %v; want binary", f.Kind)
	}
	if !bytes.Equal(f.Data, data) {
		t.Errorf("data = %v; want %v", f.Data, data)
	}

	if _, err := wire.EncodeUtterance(nil); !errors.Is(err, wire.ErrEmptyUtterance) {
		t.Errorf("empty utterance err = %v; want ErrEmptyUtterance", err)
	}
}

func TestDecodeInbound(t *testing.T) {
	t.Parallel()

	audio := []byte("RIFF....WAVEfmt ")
	b64 := base64.StdEncoding.EncodeToString(audio)

	tests := []struct {
		name        string
		frame       wire.Frame
		wantKind    wire.DecodeKind
		wantReply   wire.ReplyKind
		wantText    string
		wantAudio   []byte
		wantWarning bool
	}{
		{
			name:      "user echo",
			frame:     text(`{"type":"user","content":"what is the syllabus"}`),
			wantKind:  wire.KindReply,
			wantReply: wire.UserEcho,
			wantText:  "what is the syllabus",
		},
		{
			name:      "text transcript type",
			frame:     text(`{"type":"text","content":"hello"}`),
			wantKind:  wire.KindReply,
			wantReply: wire.UserEcho,
			wantText:  "hello",
		},
		{
			name:      "user echo drops audio",
			frame:     text(`{"type":"user","content":"hi","audio":"` + b64 + `"}`),
			wantKind:  wire.KindReply,
			wantReply: wire.UserEcho,
			wantText:  "hi",
		},
		{
			name:      "assistant with audio",
			frame:     text(`{"type":"assistant","text":"Hello","audio":"` + b64 + `"}`),
			wantKind:  wire.KindReply,
			wantReply: wire.AssistantReply,
			wantText:  "Hello",
			wantAudio: audio,
		},
		{
			name:      "assistant without audio",
			frame:     text(`{"type":"assistant","text":"No audio here"}`),
			wantKind:  wire.KindReply,
			wantReply: wire.AssistantReply,
			wantText:  "No audio here",
		},
		{
			name:        "assistant with malformed audio",
			frame:       text(`{"type":"assistant","text":"Broken","audio":"%%%not-base64"}`),
			wantKind:    wire.KindReply,
			wantReply:   wire.AssistantReply,
			wantText:    "Broken",
			wantWarning: true,
		},
		{
			name:      "non-json text falls back to audio",
			frame:     text("RIFF garbage"),
			wantKind:  wire.KindRawAudio,
			wantReply: wire.AssistantReply,
			wantText:  wire.RawAudioText,
			wantAudio: []byte("RIFF garbage"),
		},
		{
			name:      "binary frame is audio",
			frame:     wire.Frame{Kind: wire.FrameBinary, Data: audio},
			wantKind:  wire.KindRawAudio,
			wantReply: wire.AssistantReply,
			wantText:  wire.RawAudioText,
			wantAudio: audio,
		},
		{
			name:     "unknown type",
			frame:    text(`{"type":"status","content":"thinking"}`),
			wantKind: wire.KindError,
		},
		{
			name:     "empty frame",
			frame:    text(""),
			wantKind: wire.KindError,
		},
		{
			name:     "assistant text of wrong type",
			frame:    text(`{"type":"assistant","text":42}`),
			wantKind: wire.KindError,
		},
		{
			name:     "user content of wrong type",
			frame:    text(`{"type":"user","content":["a"]}`),
			wantKind: wire.KindError,
		},
		{
			name:     "json array",
			frame:    text(`[]`),
			wantKind: wire.KindError,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			d := wire.DecodeInbound(tc.frame)
			if d.Kind != tc.wantKind {
				t.Fatalf("kind = %v; want %v (err=%v)", d.Kind, tc.wantKind, d.Err)
			}
			if tc.wantKind == wire.KindError {
				if !errors.Is(d.Err, wire.ErrDecode) {
					t.Errorf("err = %v; want ErrDecode", d.Err)
				}
				return
			}
			if d.Reply.Kind != tc.wantReply {
				t.Errorf("reply kind = %v; want %v", d.Reply.Kind, tc.wantReply)
			}
			if d.Reply.Text != tc.wantText {
				t.Errorf("text = %q; want %q", d.Reply.Text, tc.wantText)
			}
			if !bytes.Equal(d.Reply.Audio, tc.wantAudio) {
				t.Errorf("audio = %q; want %q", d.Reply.Audio, tc.wantAudio)
			}
			if d.Reply.HasAudio() != (len(tc.wantAudio) > 0) {
				t.Errorf("HasAudio = %v", d.Reply.HasAudio())
			}
			if (d.Warning != nil) != tc.wantWarning {
				t.Errorf("warning = %v; want warning=%v", d.Warning, tc.wantWarning)
			}
		})
	}
}

func TestDecodeInbound_RawAudioDoesNotAliasFrame(t *testing.T) {
	t.Parallel()
	data := []byte{9, 9, 9}
	d := wire.DecodeInbound(wire.Frame{Kind: wire.FrameBinary, Data: data})
	data[0] = 0
	if d.Reply.Audio[0] != 9 {
		t.Error("decoded audio aliases the frame buffer")
	}
}

func TestPeerEncoders_RoundTripThroughDecoder(t *testing.T) {
	t.Parallel()

	echo, err := wire.EncodeUserEcho("how many credits")
	if err != nil {
		t.Fatalf("EncodeUserEcho: %v", err)
	}
	if d := wire.DecodeInbound(echo); d.Reply.Kind != wire.UserEcho || d.Reply.Text != "how many credits" {
		t.Errorf("echo decoded as %+v", d)
	}

	reply, err := wire.EncodeAssistantReply("Twelve.", []byte{1, 2})
	if err != nil {
		t.Fatalf("EncodeAssistantReply: %v", err)
	}
	d := wire.DecodeInbound(reply)
	if d.Reply.Kind != wire.AssistantReply || !bytes.Equal(d.Reply.Audio, []byte{1, 2}) {
		t.Errorf("reply decoded as %+v", d)
	}
}

func text(s string) wire.Frame {
	return wire.Frame{Kind: wire.FrameText, Data: []byte(s)}
}
