// Package config provides the configuration schema, loader, and transport
// registry for voxline.
package config

import "time"

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

// Names of the built-in transports.
const (
	TransportGemini = "gemini-live"
	TransportOpenAI = "openai-realtime"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultInputRate       = 16000
	DefaultOpenAIInputRate = 24000
	DefaultOutputRate      = 24000
	DefaultFrameSamples    = 4096
	DefaultBufferFrames    = 32
	DefaultOutputBufferMS  = 100
	DefaultOpenTimeout     = 15 * time.Second
	DefaultMaxFailures     = 3
	DefaultResetTimeout    = 30 * time.Second
	DefaultSystemPrompt    = "You are a helpful assistant."
)

// Config is the root configuration structure for voxline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Transport TransportEntry `yaml:"transport"`
	Session   SessionConfig  `yaml:"session"`
	Audio     AudioConfig    `yaml:"audio"`
}

// ServerConfig holds logging and ops-endpoint settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the ops server serving /metrics,
	// /healthz and /readyz (e.g., ":9464"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the ops server. When nil, it runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// TransportEntry selects and configures the realtime speech service.
// The Name field is used to look up the constructor in the [Registry].
type TransportEntry struct {
	// Name selects the registered transport (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates with the service. When empty it is read from the
	// environment (see [EnvKeys]).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service's default WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model. Empty uses the transport default.
	Model string `yaml:"model"`

	// Options holds transport-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig holds per-conversation settings. SystemPrompt and Voice are
// hot-reloadable and take effect at the next session start.
type SessionConfig struct {
	// SystemPrompt seeds the model's behaviour.
	SystemPrompt string `yaml:"system_prompt"`

	// Voice selects the model's prebuilt voice.
	Voice string `yaml:"voice"`

	// OpenTimeout bounds the wait for the service to acknowledge a session.
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// MaxFailures is the number of consecutive failed sessions after which
	// restarts are refused until ResetTimeout passes.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long restarts stay refused.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AudioConfig holds the formats of both directions.
type AudioConfig struct {
	Input  InputConfig  `yaml:"input"`
	Output OutputConfig `yaml:"output"`
}

// InputConfig describes the outbound (microphone) stream.
type InputConfig struct {
	// SampleRate is the rate audio is streamed to the service at.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the streamed channel count.
	Channels int `yaml:"channels"`

	// FrameSamples is the number of samples per channel in each sent frame.
	FrameSamples int `yaml:"frame_samples"`

	// BufferFrames is how many frames may queue before capture drops.
	BufferFrames int `yaml:"buffer_frames"`
}

// OutputConfig describes the local playback device.
type OutputConfig struct {
	// SampleRate is the playback rate.
	SampleRate int `yaml:"sample_rate"`

	// Channels is the playback channel count.
	Channels int `yaml:"channels"`

	// BufferMS is the device buffer length in milliseconds. It bounds how
	// quickly an interruption becomes audible.
	BufferMS int `yaml:"buffer_ms"`
}
