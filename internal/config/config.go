// Package config provides the configuration schema, loader and file watcher
// for the Jarvis voice assistant.
package config

import (
	"time"

	"github.com/MrWong99/jarvis/pkg/types"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Default values applied by [ApplyDefaults] to zero fields.
const (
	DefaultListenAddr         = "127.0.0.1:8080"
	DefaultLiveModel          = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice              = "Fenrir"
	DefaultSensitivity        = 0.5
	DefaultInputSampleRate    = 16000
	DefaultBlockSize          = 4096
	DefaultOutputSampleRate   = 24000
	DefaultOutputChannels     = 1
	DefaultReadFileMaxChars   = 30000
	DefaultGeolocationTimeout = 3 * time.Second
	DefaultVideoPollInterval  = 3 * time.Second
	DefaultMediaDir           = "media"
	DefaultServiceName        = "jarvis"
	DefaultTraceSampleRatio   = 1.0
	DefaultSystemInstruction  = "You are Jarvis, a concise and capable voice assistant. Answer briefly and naturally, and use your tools whenever they help."
)

// Voices lists the prebuilt voice names accepted for assistant.voice_name.
var Voices = []string{"Puck", "Charon", "Kore", "Fenrir", "Zephyr"}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Assistant AssistantConfig `yaml:"assistant"`
	Audio     AudioConfig     `yaml:"audio"`
	Tools     ToolsConfig     `yaml:"tools"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the local UI server.
type ServerConfig struct {
	// ListenAddr is the TCP address the UI server listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// GeminiConfig configures every Gemini endpoint the assistant talks to.
type GeminiConfig struct {
	// APIKey authenticates every request. When empty, the GEMINI_API_KEY and
	// then the API_KEY environment variables are consulted by [ResolveAPIKey].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the REST endpoint. Leave empty for the default.
	BaseURL string `yaml:"base_url"`

	// LiveBaseURL overrides the live websocket endpoint.
	LiveBaseURL string `yaml:"live_base_url"`

	// LiveModel is the native-audio model used for the conversation.
	LiveModel string `yaml:"live_model"`

	// Models used by the remote capabilities. Empty selects the provider
	// default.
	ReasoningModel string `yaml:"reasoning_model"`
	SearchModel    string `yaml:"search_model"`
	MapsModel      string `yaml:"maps_model"`
	ImageModel     string `yaml:"image_model"`
	VideoModel     string `yaml:"video_model"`
}

// AssistantConfig holds the user-facing settings of a session.
type AssistantConfig struct {
	// VoiceName selects one of [Voices].
	VoiceName string `yaml:"voice_name"`

	// WakeWordSensitivity in [0, 1] sets the microphone gate. Higher means
	// quieter speech passes.
	WakeWordSensitivity *float64 `yaml:"wake_word_sensitivity"`

	// SystemInstruction is the persona prompt for every session.
	SystemInstruction string `yaml:"system_instruction"`

	// Transcription requests text transcripts of both sides of the
	// conversation. Defaults to true.
	Transcription *bool `yaml:"transcription"`
}

// Settings returns the per-session settings derived from a.
func (a AssistantConfig) Settings() types.Settings {
	s := types.Settings{VoiceName: a.VoiceName, WakeWordSensitivity: DefaultSensitivity}
	if a.WakeWordSensitivity != nil {
		s.WakeWordSensitivity = *a.WakeWordSensitivity
	}
	return s
}

// TranscriptionEnabled reports whether transcripts are requested.
func (a AssistantConfig) TranscriptionEnabled() bool {
	return a.Transcription == nil || *a.Transcription
}

// AudioConfig describes the local audio devices.
type AudioConfig struct {
	InputSampleRate  int `yaml:"input_sample_rate"`
	BlockSize        int `yaml:"block_size"`
	OutputSampleRate int `yaml:"output_sample_rate"`
	OutputChannels   int `yaml:"output_channels"`

	// InputDevice and OutputDevice select devices by name. Empty selects the
	// system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`
}

// ToolsConfig tunes the assistant's capabilities.
type ToolsConfig struct {
	// ReadFileMaxChars bounds the text returned by read_active_file.
	ReadFileMaxChars int `yaml:"read_file_max_chars"`

	// GeolocationURL overrides the IP geolocation service queried by
	// find_places. Empty uses the built-in list.
	GeolocationURL string `yaml:"geolocation_url"`

	// GeolocationTimeout bounds the best-effort location lookup.
	GeolocationTimeout time.Duration `yaml:"geolocation_timeout"`

	// VideoPollInterval is the wait between video status checks.
	VideoPollInterval time.Duration `yaml:"video_poll_interval"`

	// VideoMaxPolls and VideoMaxWait bound video polling. Zero means
	// unbounded.
	VideoMaxPolls int           `yaml:"video_max_polls"`
	VideoMaxWait  time.Duration `yaml:"video_max_wait"`

	// MediaDir is where generated videos are stored and served from.
	MediaDir string `yaml:"media_dir"`

	// Disabled lists tool names that are not offered to the model.
	Disabled []string `yaml:"disabled"`
}

// TelemetryConfig controls tracing. Metrics are always served on /metrics.
type TelemetryConfig struct {
	// ServiceName is reported as service.name.
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio in [0, 1] is the fraction of root spans recorded.
	// Defaults to 1.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`

	// LogSpans writes every finished span to the debug log.
	LogSpans bool `yaml:"log_spans"`
}

// SampleRatio returns the configured sample ratio or its default.
func (t TelemetryConfig) SampleRatio() float64 {
	if t.TraceSampleRatio == nil {
		return DefaultTraceSampleRatio
	}
	return *t.TraceSampleRatio
}

// ApplyDefaults fills every zero field of cfg with its default value.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Gemini.LiveModel, DefaultLiveModel)
	setDefault(&cfg.Assistant.VoiceName, DefaultVoice)
	setDefault(&cfg.Assistant.SystemInstruction, DefaultSystemInstruction)
	setDefault(&cfg.Audio.InputSampleRate, DefaultInputSampleRate)
	setDefault(&cfg.Audio.BlockSize, DefaultBlockSize)
	setDefault(&cfg.Audio.OutputSampleRate, DefaultOutputSampleRate)
	setDefault(&cfg.Audio.OutputChannels, DefaultOutputChannels)
	setDefault(&cfg.Tools.ReadFileMaxChars, DefaultReadFileMaxChars)
	setDefault(&cfg.Tools.GeolocationTimeout, DefaultGeolocationTimeout)
	setDefault(&cfg.Tools.VideoPollInterval, DefaultVideoPollInterval)
	setDefault(&cfg.Tools.MediaDir, DefaultMediaDir)
	setDefault(&cfg.Telemetry.ServiceName, DefaultServiceName)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
