// Package live defines the contract for a real-time conversational session
// with a remote voice model.
//
// A [Dialer] opens a [Channel]: a bidirectional message stream that carries
// microphone audio and text out, and synthesised audio, text, transcriptions
// and tool calls back in. Inbound traffic is delivered through [Callbacks]
// rather than Go channels so that the orchestrator can demultiplex each message
// on the receive path in arrival order.
//
// Callback contract:
//
//   - No callback runs before [Dialer.Connect] returns.
//   - OnOpen runs once, when the remote side acknowledges the session setup.
//     Until then the channel must not be considered ready for audio.
//   - OnMessage runs sequentially, once per inbound message, in arrival order.
//   - OnError reports transport or protocol errors that do not close the
//     channel.
//   - OnClose runs exactly once after the channel has gone away, whether the
//     remote side closed it or [Channel.Close] was called. It runs on the
//     channel's own goroutine, never from inside Close, so it may call back
//     into Close safely.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/MrWong99/jarvis/pkg/audio"
)

var (
	// ErrChannel marks transport-level failures. They are reported through
	// OnError and do not force teardown on their own.
	ErrChannel = errors.New("live: channel error")

	// ErrChannelClosed is returned by Send methods after the channel has
	// closed, and wrapped in the error passed to OnClose.
	ErrChannelClosed = errors.New("live: channel closed")
)

// FunctionDeclaration advertises one tool the model may call.
type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Config is the initial configuration for a new session.
type Config struct {
	// Model is the live model name, without the "models/" prefix.
	Model string

	// VoiceName selects a prebuilt voice. Empty means the model default.
	VoiceName string

	// SystemInstruction is the system prompt for the whole session.
	SystemInstruction string

	// Tools lists the functions the model may call.
	Tools []FunctionDeclaration

	// Transcription requests text transcriptions of both the user's speech
	// and the model's spoken output.
	Transcription bool
}

// FunctionCall is one tool invocation requested by the model. ID is opaque
// and must be echoed verbatim in the matching [FunctionResponse].
type FunctionCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// FunctionResponse answers one [FunctionCall].
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ServerMessage is the decoded form of one inbound message. Any combination of
// fields may be set.
type ServerMessage struct {
	// ToolCalls lists tool invocations, possibly several per message.
	ToolCalls []FunctionCall

	// CancelledToolCalls lists ids of earlier calls the model no longer
	// needs answered.
	CancelledToolCalls []string

	// Audio holds base64 PCM chunks from the model turn, in part order.
	Audio []string

	// Text holds text parts from the model turn, in part order.
	Text []string

	// InputTranscription and OutputTranscription are transcription fragments
	// of the user's speech and of the model's speech.
	InputTranscription  string
	OutputTranscription string

	// Interrupted reports that the user barged in and any buffered model
	// audio should be discarded.
	Interrupted bool

	// TurnComplete reports that the model finished its turn.
	TurnComplete bool
}

// Callbacks receives inbound events for one session. Nil callbacks are
// skipped.
type Callbacks struct {
	OnOpen    func(ch Channel)
	OnMessage func(msg *ServerMessage)
	OnError   func(err error)
	OnClose   func(err error)
}

// Channel is an open session.
type Channel interface {
	// SendRealtimeInput streams one encoded microphone frame.
	SendRealtimeInput(blob audio.Blob) error

	// SendText sends a complete user text turn, e.g. a system notification.
	SendText(text string) error

	// SendToolResponse answers one or more tool calls.
	SendToolResponse(responses ...FunctionResponse) error

	// Close ends the session. It is idempotent.
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Connect(ctx context.Context, cfg Config, cb Callbacks) (Channel, error)
}
