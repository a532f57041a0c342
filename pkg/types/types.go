// Package types defines the shared types used across all Jarvis packages.
//
// These types form the lingua franca between the audio pipeline, the session
// orchestrator, the tool dispatcher and the UI surface. Each package keeps its
// own domain types; only cross-cutting data structures live here so that
// packages do not import each other in a cycle.
package types

import (
	"fmt"
	"time"
)

// SessionState is the lifecycle state of the single live conversation.
type SessionState int

const (
	// StateDisconnected means no session handle is live.
	StateDisconnected SessionState = iota

	// StateConnecting means a connect attempt is in flight and the remote
	// channel has not reported open yet.
	StateConnecting

	// StateConnected means the remote channel is open and captured audio is
	// being forwarded.
	StateConnected

	// StateError is entered when initialisation fails. Teardown still runs and
	// the state returns to StateDisconnected afterwards.
	StateError
)

// String returns the upper-case name of the state.
func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements [encoding.TextMarshaler] so states serialise by name.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *SessionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "DISCONNECTED":
		*s = StateDisconnected
	case "CONNECTING":
		*s = StateConnecting
	case "CONNECTED":
		*s = StateConnected
	case "ERROR":
		*s = StateError
	default:
		return fmt.Errorf("types: unknown session state %q", string(b))
	}
	return nil
}

// LogSource identifies who produced a [LogEntry].
type LogSource string

const (
	SourceUser   LogSource = "USER"
	SourceJarvis LogSource = "JARVIS"
	SourceSystem LogSource = "SYSTEM"
)

// LogType classifies a [LogEntry] for display.
type LogType string

const (
	LogInfo    LogType = "info"
	LogError   LogType = "error"
	LogSuccess LogType = "success"
	LogCommand LogType = "command"
)

// LogEntry is one discrete line of the conversation log shown to the user.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Source    LogSource `json:"source"`
	Text      string    `json:"text"`
	Type      LogType   `json:"type"`
}

// MediaType enumerates the kinds of [MediaItem].
type MediaType string

const (
	MediaImage  MediaType = "image"
	MediaVideo  MediaType = "video"
	MediaSearch MediaType = "search"
	MediaMap    MediaType = "map"
)

// MediaItem is a generated artefact produced by a tool execution. Items are
// append-only and never mutated after creation.
type MediaItem struct {
	// ID is a unique identifier assigned at creation.
	ID string `json:"id"`

	// Type selects how the item is displayed.
	Type MediaType `json:"type"`

	// URL points at the asset: a data URL for images, a served path for
	// videos, or an external link for maps.
	URL string `json:"url,omitempty"`

	// Content is textual content, e.g. a grounded search summary.
	Content string `json:"content,omitempty"`

	// Metadata holds type-specific extras such as grounding sources or the
	// prompt that produced the item. May be nil.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Timestamp is when the item was created.
	Timestamp time.Time `json:"timestamp"`
}

// ContextFile is the file the user has made available to the assistant.
// It is read, never mutated, by consumers.
type ContextFile struct {
	Name      string `json:"name"`
	Content   string `json:"content"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// Settings is the configuration object the UI supplies before connect.
type Settings struct {
	// VoiceName selects the prebuilt voice of the remote model.
	VoiceName string `json:"voice_name" yaml:"voice_name"`

	// WakeWordSensitivity drives the capture noise gate, in [0, 1]. Higher
	// values let quieter audio through.
	WakeWordSensitivity float64 `json:"wake_word_sensitivity" yaml:"wake_word_sensitivity"`
}
