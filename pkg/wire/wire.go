// Package wire implements the SmartGenie assistant wire protocol.
//
// The protocol runs over a single persistent WebSocket connection:
//
//   - Client → peer, text: "SET_COLLECTION:<id>", sent once right after the
//     connection opens and before any audio.
//   - Client → peer, binary: the complete, sealed recording of one utterance.
//   - Peer → client, text: a JSON envelope, either
//     {"type":"user","content":"…"} for the recognised transcript or
//     {"type":"assistant","text":"…","audio":"<base64>"} for a reply.
//
// The peer may also answer with bare audio bytes instead of JSON. Such frames
// are not errors: [DecodeInbound] turns them into a [KindRawAudio] result that
// carries an assistant reply with a placeholder text.
//
// The package has no dependencies on the rest of the module.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// CollectionPrefix is the fixed prefix of the collection-select control frame.
const CollectionPrefix = "SET_COLLECTION:"

// RawAudioText is the display text attached to replies that arrived as bare
// audio without a JSON envelope.
const RawAudioText = "Voice response..."

// Sentinel errors returned by the encoders and carried in [Decoded.Err].
var (
	ErrInvalidCollection = errors.New("wire: invalid collection identifier")
	ErrEmptyUtterance    = errors.New("wire: empty utterance")

	// ErrDecode is wrapped by every decode failure. Decode failures are
	// recovered by the caller and never surfaced to the user.
	ErrDecode = errors.New("wire: decode")
)

// FrameKind distinguishes WebSocket text frames from binary frames.
type FrameKind int

const (
	// FrameText is a UTF-8 text frame.
	FrameText FrameKind = iota

	// FrameBinary is a binary frame.
	FrameBinary
)

// String returns the human-readable name of the frame kind.
func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Frame is one WebSocket message as seen by the codec.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// ReplyKind classifies a decoded peer message.
type ReplyKind int

const (
	// UserEcho is the peer's transcript of what the user said. It never
	// carries audio.
	UserEcho ReplyKind = iota

	// AssistantReply is the assistant's answer; it carries zero or one
	// audio payload.
	AssistantReply
)

// String returns the human-readable name of the reply kind.
func (k ReplyKind) String() string {
	switch k {
	case UserEcho:
		return "user-echo"
	case AssistantReply:
		return "assistant-reply"
	default:
		return "unknown"
	}
}

// ReplyMessage is one message received from the peer.
type ReplyMessage struct {
	Kind ReplyKind

	// Text is the display text. May be empty.
	Text string

	// Audio is the raw (base64-decoded) audio payload. Nil when the message
	// has no audio; never empty when non-nil.
	Audio []byte
}

// HasAudio reports whether the message carries a playable payload.
func (m ReplyMessage) HasAudio() bool { return len(m.Audio) > 0 }

// DecodeKind tags the outcome of [DecodeInbound].
type DecodeKind int

const (
	// KindReply is a well-formed JSON envelope.
	KindReply DecodeKind = iota

	// KindRawAudio is a frame that was not JSON and is treated as audio.
	KindRawAudio

	// KindError is a frame that could not be interpreted at all.
	KindError
)

// String returns the human-readable name of the decode kind.
func (k DecodeKind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindRawAudio:
		return "raw-audio"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Decoded is the tagged result of [DecodeInbound]. Reply is set for
// [KindReply] and [KindRawAudio]; Err is set for [KindError].
type Decoded struct {
	Kind  DecodeKind
	Reply ReplyMessage
	Err   error

	// Warning records a recoverable problem with an otherwise usable reply,
	// for example an assistant message whose audio field was not valid base64.
	Warning error
}

// envelope is the JSON shape of peer text frames.
type envelope struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Text    string `json:"text,omitempty"`
	Audio   string `json:"audio,omitempty"`
}

// EncodeCollectionSelect builds the control frame that tells the peer which
// reference collection to ground its replies in.
func EncodeCollectionSelect(collectionID string) (Frame, error) {
	if err := ValidateCollection(collectionID); err != nil {
		return Frame{}, err
	}
	return Frame{Kind: FrameText, Data: []byte(CollectionPrefix + collectionID)}, nil
}

// ValidateCollection reports whether id can be sent in a collection-select
// frame. Identifiers are opaque but must be non-empty and free of control
// characters.
func ValidateCollection(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidCollection)
	}
	if strings.ContainsFunc(id, unicode.IsControl) {
		return fmt.Errorf("%w: %q contains control characters", ErrInvalidCollection, id)
	}
	return nil
}

// ParseCollectionSelect is the inverse of [EncodeCollectionSelect]. It is used
// by peers; ok is false when f is not a collection-select frame.
func ParseCollectionSelect(f Frame) (collectionID string, ok bool) {
	if f.Kind != FrameText {
		return "", false
	}
	s := string(f.Data)
	if !strings.HasPrefix(s, CollectionPrefix) {
		return "", false
	}
	return strings.TrimPrefix(s, CollectionPrefix), true
}

// EncodeUtterance wraps a sealed utterance as a binary frame. The bytes are
// sent verbatim in a single frame.
func EncodeUtterance(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyUtterance
	}
	return Frame{Kind: FrameBinary, Data: data}, nil
}

// DecodeInbound interprets one frame received from the peer.
//
// JSON text frames yield [KindReply]. Binary frames and text frames that are
// not valid JSON yield [KindRawAudio] with an assistant reply carrying the
// frame bytes as audio. Empty frames, valid JSON that does not fit the
// envelope, and envelopes with an unknown type yield [KindError].
func DecodeInbound(f Frame) Decoded {
	if len(f.Data) == 0 {
		return Decoded{Kind: KindError, Err: fmt.Errorf("%w: empty %s frame", ErrDecode, f.Kind)}
	}
	if f.Kind == FrameBinary {
		return rawAudio(f.Data)
	}

	if !json.Valid(f.Data) {
		return rawAudio(f.Data)
	}
	var env envelope
	if err := json.Unmarshal(f.Data, &env); err != nil {
		return Decoded{Kind: KindError, Err: fmt.Errorf("%w: malformed envelope: %w", ErrDecode, err)}
	}

	switch env.Type {
	case "user", "text":
		text := env.Content
		if text == "" {
			text = env.Text
		}
		return Decoded{Kind: KindReply, Reply: ReplyMessage{Kind: UserEcho, Text: text}}

	case "assistant":
		text := env.Text
		if text == "" {
			text = env.Content
		}
		d := Decoded{Kind: KindReply, Reply: ReplyMessage{Kind: AssistantReply, Text: text}}
		if env.Audio == "" {
			return d
		}
		audio, err := base64.StdEncoding.DecodeString(env.Audio)
		switch {
		case err != nil:
			d.Warning = fmt.Errorf("%w: assistant audio: %w", ErrDecode, err)
		case len(audio) == 0:
			d.Warning = fmt.Errorf("%w: assistant audio is empty", ErrDecode)
		default:
			d.Reply.Audio = audio
		}
		return d

	default:
		return Decoded{Kind: KindError, Err: fmt.Errorf("%w: unknown message type %q", ErrDecode, env.Type)}
	}
}

// rawAudio builds the fallback result for a frame that carries bare audio.
func rawAudio(data []byte) Decoded {
	audio := make([]byte, len(data))
	copy(audio, data)
	return Decoded{
		Kind: KindRawAudio,
		Reply: ReplyMessage{
			Kind:  AssistantReply,
			Text:  RawAudioText,
			Audio: audio,
		},
	}
}

// EncodeUserEcho builds the peer-side JSON frame for a recognised transcript.
func EncodeUserEcho(text string) (Frame, error) {
	return encodeEnvelope(envelope{Type: "user", Content: text})
}

// EncodeAssistantReply builds the peer-side JSON frame for an assistant
// reply. audio may be nil.
func EncodeAssistantReply(text string, audio []byte) (Frame, error) {
	env := envelope{Type: "assistant", Text: text}
	if len(audio) > 0 {
		env.Audio = base64.StdEncoding.EncodeToString(audio)
	}
	return encodeEnvelope(env)
}

func encodeEnvelope(env envelope) (Frame, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: marshal: %w", err)
	}
	return Frame{Kind: FrameText, Data: data}, nil
}
