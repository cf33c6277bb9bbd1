package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownTransports lists the transport names shipped with voxline.
// Used by [Validate] to warn about unrecognised names.
var KnownTransports = []string{TransportGemini, TransportOpenAI}

// EnvKeys maps a transport name to the environment variables consulted, in
// order, when transport.api_key is empty.
var EnvKeys = map[string][]string{
	TransportGemini: {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	TransportOpenAI: {"OPENAI_API_KEY"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
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

// LoadFromReader decodes a YAML config from r, fills the API key from the
// environment when absent, applies defaults, and validates the result.
// An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills cfg.Transport.APIKey from the first non-empty variable
// listed in [EnvKeys] for the configured transport. lookup is usually
// [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg.Transport.APIKey != "" {
		return
	}
	name := cfg.Transport.Name
	if name == "" {
		name = TransportGemini
	}
	for _, key := range EnvKeys[name] {
		if v, ok := lookup(key); ok && v != "" {
			cfg.Transport.APIKey = v
			return
		}
	}
}

// ApplyDefaults fills zero-valued fields. The input rate defaults to what
// the selected transport accepts.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Transport.Name == "" {
		cfg.Transport.Name = TransportGemini
	}
	if cfg.Session.SystemPrompt == "" {
		cfg.Session.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Session.OpenTimeout == 0 {
		cfg.Session.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.Session.MaxFailures == 0 {
		cfg.Session.MaxFailures = DefaultMaxFailures
	}
	if cfg.Session.ResetTimeout == 0 {
		cfg.Session.ResetTimeout = DefaultResetTimeout
	}

	in := &cfg.Audio.Input
	if in.SampleRate == 0 {
		in.SampleRate = DefaultInputRate
		if cfg.Transport.Name == TransportOpenAI {
			in.SampleRate = DefaultOpenAIInputRate
		}
	}
	if in.Channels == 0 {
		in.Channels = 1
	}
	if in.FrameSamples == 0 {
		in.FrameSamples = DefaultFrameSamples
	}
	if in.BufferFrames == 0 {
		in.BufferFrames = DefaultBufferFrames
	}

	out := &cfg.Audio.Output
	if out.SampleRate == 0 {
		out.SampleRate = DefaultOutputRate
	}
	if out.Channels == 0 {
		out.Channels = 1
	}
	if out.BufferMS == 0 {
		out.BufferMS = DefaultOutputBufferMS
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Transport
	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	} else if !slices.Contains(KnownTransports, cfg.Transport.Name) {
		slog.Warn("unknown transport name; may be a typo or third-party transport",
			"name", cfg.Transport.Name,
			"known", KnownTransports,
		)
	}
	if cfg.Transport.APIKey == "" {
		errs = append(errs, fmt.Errorf("transport.api_key is required (or set one of %v)", EnvKeys[cfg.Transport.Name]))
	}

	// Session
	if cfg.Session.OpenTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.open_timeout %s must not be negative", cfg.Session.OpenTimeout))
	}
	if cfg.Session.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("session.max_failures %d must not be negative", cfg.Session.MaxFailures))
	}
	if cfg.Session.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.reset_timeout %s must not be negative", cfg.Session.ResetTimeout))
	}

	// Audio
	in, out := cfg.Audio.Input, cfg.Audio.Output
	errs = append(errs, validateFormat("audio.input", in.SampleRate, in.Channels)...)
	errs = append(errs, validateFormat("audio.output", out.SampleRate, out.Channels)...)
	if in.FrameSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.input.frame_samples %d must not be negative", in.FrameSamples))
	}
	if in.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("audio.input.buffer_frames %d must not be negative", in.BufferFrames))
	}
	if out.BufferMS < 0 {
		errs = append(errs, fmt.Errorf("audio.output.buffer_ms %d must not be negative", out.BufferMS))
	}

	// Transport ↔ audio cross-validation
	if cfg.Transport.Name == TransportOpenAI && (in.SampleRate != DefaultOpenAIInputRate || in.Channels != 1) {
		errs = append(errs, fmt.Errorf("transport %q requires audio.input of 24000 Hz mono, got %d Hz %d ch",
			cfg.Transport.Name, in.SampleRate, in.Channels))
	}

	return errors.Join(errs...)
}

func validateFormat(prefix string, rate, channels int) []error {
	var errs []error
	if rate < 8000 || rate > 192000 {
		errs = append(errs, fmt.Errorf("%s.sample_rate %d is out of range [8000, 192000]", prefix, rate))
	}
	if channels < 1 || channels > 8 {
		errs = append(errs, fmt.Errorf("%s.channels %d is out of range [1, 8]", prefix, channels))
	}
	return errs
}
