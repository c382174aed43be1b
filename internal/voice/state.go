package voice

import "errors"

// State is the session's position in the turn cycle.
type State int32

const (
	// Idle waits for the user to start speaking.
	Idle State = iota

	// Recording is capturing the user's utterance.
	Recording

	// AwaitingReply has sent an utterance and waits for the assistant.
	AwaitingReply

	// Speaking is playing an assistant reply.
	Speaking

	// Error means the connection to the assistant was lost. Starting a new
	// recording or reconnecting recovers.
	Error
)

// String returns the snake_case name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case AwaitingReply:
		return "awaiting_reply"
	case Speaking:
		return "speaking"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Sentinel errors.
var (
	// ErrTurnInProgress is returned by BeginCapture while a reply is pending.
	// Once an utterance is sent it cannot be retracted.
	ErrTurnInProgress = errors.New("voice: waiting for the assistant to reply")

	// ErrNotRecording is returned by EndCapture outside Recording.
	ErrNotRecording = errors.New("voice: not recording")

	// ErrConnectionLost wraps the cause of an unexpected transport close.
	ErrConnectionLost = errors.New("voice: connection lost")

	// ErrNotRunning is returned by commands issued before Run starts or
	// after it returned.
	ErrNotRunning = errors.New("voice: session not running")

	// ErrAlreadyRunning is returned by a second Run call.
	ErrAlreadyRunning = errors.New("voice: session already running")
)
