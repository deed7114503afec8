package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingAPIKey is returned by [TransportConfig.ResolveAPIKey] when neither
// an inline key nor the named environment variable is set.
var ErrMissingAPIKey = errors.New("config: transport api key not set")

// KnownNames lists the built-in names per registry kind.
// Used by [Validate] to warn about unrecognised names.
var KnownNames = map[string][]string{
	"transport": {TransportGeminiLive, TransportGenAILive, TransportOpenAIRealtime},
	"audio":     {BackendPortAudio, BackendNull},
}

// defaultKeyEnv maps a transport name to its conventional credential variable.
var defaultKeyEnv = map[string]string{
	TransportGeminiLive:     "GEMINI_API_KEY",
	TransportGenAILive:      "GEMINI_API_KEY",
	TransportOpenAIRealtime: "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the process
// environment. Variables that are already set are not overridden and missing
// files are skipped. With no paths, ".env" in the working directory is used.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
	}
	return nil
}

// ResolveAPIKey returns the inline key if set, otherwise the value of the
// configured (or conventional) environment variable.
func (t TransportConfig) ResolveAPIKey() (string, error) {
	if t.APIKey != "" {
		return t.APIKey, nil
	}
	env := t.APIKeyEnv
	if env == "" {
		env = defaultKeyEnv[t.Name]
	}
	if env == "" {
		return "", fmt.Errorf("%w: transport %q has no api_key or api_key_env", ErrMissingAPIKey, t.Name)
	}
	if v, ok := os.LookupEnv(env); ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: environment variable %s is empty", ErrMissingAPIKey, env)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Session
	s := cfg.Session
	if s.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("session.block_size %d must not be negative", s.BlockSize))
	}
	if s.InputSampleRate < 0 || s.InputSampleRate > 192000 {
		errs = append(errs, fmt.Errorf("session.input_sample_rate %d is out of range [0, 192000]", s.InputSampleRate))
	}
	if s.OutputSampleRate < 0 || s.OutputSampleRate > 192000 {
		errs = append(errs, fmt.Errorf("session.output_sample_rate %d is out of range [0, 192000]", s.OutputSampleRate))
	}
	if s.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", s.ConnectTimeout))
	}

	// Transport
	if cfg.Transport.Name == "" {
		errs = append(errs, errors.New("transport.name is required"))
	}
	validateName("transport", cfg.Transport.Name)
	if v, ok := cfg.Transport.Options["queue_size"]; ok {
		if n, ok := v.(int); !ok || n <= 0 {
			errs = append(errs, fmt.Errorf("transport.options.queue_size %v must be a positive integer", v))
		}
	}
	if cfg.Transport.MaxConnectFailures < 0 {
		errs = append(errs, fmt.Errorf("transport.max_connect_failures %d must not be negative", cfg.Transport.MaxConnectFailures))
	}
	if cfg.Transport.ConnectCooldown < 0 {
		errs = append(errs, fmt.Errorf("transport.connect_cooldown %s must not be negative", cfg.Transport.ConnectCooldown))
	}
	if cfg.Transport.APIKey != "" && cfg.Transport.APIKeyEnv != "" {
		slog.Warn("transport.api_key and transport.api_key_env are both set; the inline key wins")
	}

	// Audio
	if cfg.Audio.Backend == "" {
		errs = append(errs, errors.New("audio.backend is required"))
	}
	validateName("audio", cfg.Audio.Backend)
	if cfg.Audio.OutputBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.output_buffer %d must not be negative", cfg.Audio.OutputBuffer))
	}
	if cfg.Audio.StallTimeout < 0 {
		errs = append(errs, fmt.Errorf("audio.stall_timeout %s must not be negative", cfg.Audio.StallTimeout))
	}
	if cfg.Audio.Backend == BackendNull && (cfg.Audio.InputDevice != "" || cfg.Audio.OutputDevice != "") {
		slog.Warn("audio device names are ignored by the null backend")
	}

	return errors.Join(errs...)
}

// validateName logs a warning if name is non-empty and not found in the
// [KnownNames] list for the given kind.
func validateName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := KnownNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
