package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// APIKeyEnv lists the environment variables consulted, in order, when
// gemini.api_key is empty.
var APIKeyEnv = []string{"GEMINI_API_KEY", "API_KEY"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Endpoints
	for _, ep := range []struct{ field, raw string }{
		{"gemini.base_url", cfg.Gemini.BaseURL},
		{"gemini.live_base_url", cfg.Gemini.LiveBaseURL},
		{"tools.geolocation_url", cfg.Tools.GeolocationURL},
	} {
		if ep.raw == "" {
			continue
		}
		if u, err := url.Parse(ep.raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", ep.field, ep.raw))
		}
	}

	// Assistant
	if v := cfg.Assistant.VoiceName; v != "" && !slices.Contains(Voices, v) {
		slog.Warn("unknown voice name; the model default may be used instead", "voice", v, "known", Voices)
	}
	if s := cfg.Assistant.WakeWordSensitivity; s != nil && (*s < 0 || *s > 1) {
		errs = append(errs, fmt.Errorf("assistant.wake_word_sensitivity %.2f is out of range [0, 1]", *s))
	}

	// Audio
	if cfg.Audio.InputSampleRate < 0 || cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, errors.New("audio sample rates must be positive"))
	}
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", cfg.Audio.BlockSize))
	}
	if c := cfg.Audio.OutputChannels; c < 0 || c > 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d is invalid; valid values: 1, 2", c))
	}

	// Tools
	if cfg.Tools.ReadFileMaxChars < 0 {
		errs = append(errs, fmt.Errorf("tools.read_file_max_chars %d must not be negative", cfg.Tools.ReadFileMaxChars))
	}
	if cfg.Tools.GeolocationTimeout < 0 || cfg.Tools.VideoPollInterval < 0 || cfg.Tools.VideoMaxWait < 0 {
		errs = append(errs, errors.New("tools durations must not be negative"))
	}
	if cfg.Tools.VideoMaxPolls < 0 {
		errs = append(errs, fmt.Errorf("tools.video_max_polls %d must not be negative", cfg.Tools.VideoMaxPolls))
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r != nil && (*r < 0 || *r > 1) {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", *r))
	}

	return errors.Join(errs...)
}

// ResolveAPIKey returns gemini.api_key, falling back to the variables named
// in [APIKeyEnv] as seen through getenv. The result is empty when no
// credential is configured; callers report that at connect time.
func ResolveAPIKey(cfg *Config, getenv func(string) string) string {
	if cfg.Gemini.APIKey != "" {
		return cfg.Gemini.APIKey
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, name := range APIKeyEnv {
		if v := getenv(name); v != "" {
			return v
		}
	}
	return ""
}
