// Package config provides the configuration schema, loader, hot-reload watcher
// and transport/backend registry for the parley voice session server.
package config

import "time"

// LogLevel controls log verbosity for the parley server.
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

// Transport names understood by the default registry.
const (
	TransportGeminiLive     = "gemini-live"
	TransportGenAILive      = "genai-live"
	TransportOpenAIRealtime = "openai-realtime"
)

// Audio backend names understood by the default registry.
const (
	BackendPortAudio = "portaudio"
	BackendNull      = "null"
)

// Config is the root configuration structure for parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the control server.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on (e.g., ":8080").
	// Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// SessionConfig is the template for every voice session. Changes are picked
// up by the next session; a running session keeps its settings.
type SessionConfig struct {
	// Instructions is the system instruction sent when connecting.
	Instructions string `yaml:"instructions"`

	// Voice is the endpoint's prebuilt voice name (e.g., "Puck", "alloy").
	Voice string `yaml:"voice"`

	// BlockSize is the number of samples per outbound frame. 0 means 4096.
	BlockSize int `yaml:"block_size"`

	// InputSampleRate is the capture and outbound rate in Hz. 0 means 16000.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate of untagged inbound audio in Hz.
	// 0 means 24000.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// ConnectTimeout bounds device acquisition and the transport handshake.
	// 0 means 15s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// TransportConfig selects and configures the speech-to-speech endpoint.
// The Name field is used to look up the dialer factory in the [Registry].
type TransportConfig struct {
	// Name selects the registered transport (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the endpoint credential. When empty, the key is read from the
	// environment variable named by APIKeyEnv.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names the environment variable holding the credential.
	// Empty selects the transport's conventional variable (GEMINI_API_KEY or
	// OPENAI_API_KEY).
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the endpoint address. Leave empty for the default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model. Leave empty for the transport default.
	Model string `yaml:"model"`

	// MaxConnectFailures is the number of consecutive failed connects after
	// which new sessions are refused for ConnectCooldown. Zero selects 5.
	MaxConnectFailures int `yaml:"max_connect_failures"`

	// ConnectCooldown is how long connects are refused once
	// MaxConnectFailures is reached. Zero selects 30s.
	ConnectCooldown time.Duration `yaml:"connect_cooldown"`

	// Options holds transport-specific values not covered above, e.g.
	// "api_version" for genai-live or "queue_size" for any transport.
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects the device backend.
type AudioConfig struct {
	// Backend is "portaudio" (hardware) or "null" (headless).
	Backend string `yaml:"backend"`

	// InputDevice names a PortAudio input device. Empty uses the default.
	InputDevice string `yaml:"input_device"`

	// OutputDevice names a PortAudio output device. Empty uses the default.
	OutputDevice string `yaml:"output_device"`

	// OutputBuffer is the number of frames per PortAudio output callback.
	// 0 lets PortAudio choose.
	OutputBuffer int `yaml:"output_buffer"`

	// StallTimeout is how long the output stream may stop rendering before
	// the session fails with a sink error. 0 selects 2s.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	// ServiceName is the OTel service.name resource attribute.
	ServiceName string `yaml:"service_name"`
}

// Default returns a configuration with every optional field filled in.
// Used as the base that decoded YAML is merged onto.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Session: SessionConfig{
			BlockSize:        4096,
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
			ConnectTimeout:   15 * time.Second,
		},
		Transport: TransportConfig{Name: TransportGeminiLive},
		Audio:     AudioConfig{Backend: BackendPortAudio},
		Telemetry: TelemetryConfig{ServiceName: "parley"},
	}
}
