package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// takes effect on restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AssistantChanged is true if voice, sensitivity, persona or transcription
	// changed. The new settings apply at the next connect.
	AssistantChanged bool

	// ToolsChanged is true if the set of disabled tools changed.
	ToolsChanged bool

	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

// Changed reports whether d holds any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AssistantChanged || d.ToolsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !sameAssistant(old.Assistant, new.Assistant) {
		d.AssistantChanged = true
	}

	if !slices.Equal(old.Tools.Disabled, new.Tools.Disabled) {
		d.ToolsChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Gemini != new.Gemini {
		d.RestartRequired = append(d.RestartRequired, "gemini")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Telemetry.ServiceName != new.Telemetry.ServiceName ||
		old.Telemetry.SampleRatio() != new.Telemetry.SampleRatio() ||
		old.Telemetry.LogSpans != new.Telemetry.LogSpans {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

// sameAssistant compares two assistant sections by value.
func sameAssistant(a, b AssistantConfig) bool {
	return a.VoiceName == b.VoiceName &&
		a.SystemInstruction == b.SystemInstruction &&
		a.Settings().WakeWordSensitivity == b.Settings().WakeWordSensitivity &&
		a.TranscriptionEnabled() == b.TranscriptionEnabled()
}
