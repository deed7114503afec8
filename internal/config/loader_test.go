package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q; want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Session.BlockSize != 4096 {
		t.Errorf("block_size = %d; want 4096", cfg.Session.BlockSize)
	}
	if cfg.Session.InputSampleRate != 16000 || cfg.Session.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d; want 16000/24000", cfg.Session.InputSampleRate, cfg.Session.OutputSampleRate)
	}
	if cfg.Transport.Name != config.TransportGeminiLive {
		t.Errorf("transport.name = %q; want %q", cfg.Transport.Name, config.TransportGeminiLive)
	}
	if cfg.Audio.Backend != config.BackendPortAudio {
		t.Errorf("audio.backend = %q; want %q", cfg.Audio.Backend, config.BackendPortAudio)
	}
}

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: "127.0.0.1:9000"
  log_level: debug
session:
  instructions: "be brief"
  voice: alloy
  block_size: 2048
  connect_timeout: 5s
transport:
  name: openai-realtime
  api_key_env: MY_KEY
  model: gpt-4o-realtime-preview
  options:
    queue_size: 64
audio:
  backend: "null"
telemetry:
  service_name: parley-dev
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Session.ConnectTimeout != 5*time.Second {
		t.Errorf("connect_timeout = %s; want 5s", cfg.Session.ConnectTimeout)
	}
	if cfg.Session.BlockSize != 2048 {
		t.Errorf("block_size = %d; want 2048", cfg.Session.BlockSize)
	}
	// Unset fields keep their defaults.
	if cfg.Session.InputSampleRate != 16000 {
		t.Errorf("input_sample_rate = %d; want 16000", cfg.Session.InputSampleRate)
	}
	if cfg.Transport.Options["queue_size"] != 64 {
		t.Errorf("options.queue_size = %v; want 64", cfg.Transport.Options["queue_size"])
	}
	if cfg.Telemetry.ServiceName != "parley-dev" {
		t.Errorf("service_name = %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("session:\n  voices: Puck\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "examples", "openai-null.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.Name != config.TransportOpenAIRealtime || cfg.Audio.Backend != config.BackendNull {
		t.Errorf("transport/backend = %q/%q; want openai-realtime/null", cfg.Transport.Name, cfg.Audio.Backend)
	}
	if cfg.Audio.StallTimeout != 2*time.Second {
		t.Errorf("audio.stall_timeout = %s; want 2s", cfg.Audio.StallTimeout)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
session:
  block_size: -1
  input_sample_rate: 500000
  connect_timeout: -3s
transport:
  name: ""
  max_connect_failures: -2
  connect_cooldown: -1m
  options:
    queue_size: many
audio:
  backend: ""
  stall_timeout: -1s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	for _, want := range []string{
		"server.log_level",
		"session.block_size",
		"session.input_sample_rate",
		"session.connect_timeout",
		"transport.name is required",
		"transport.max_connect_failures",
		"transport.connect_cooldown",
		"queue_size",
		"audio.backend is required",
		"audio.stall_timeout",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownNamesOnlyWarn(t *testing.T) {
	t.Parallel()
	yaml := `
transport:
  name: my-custom-endpoint
audio:
  backend: pipewire
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Fatalf("unknown names should not fail validation: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v; want os.ErrNotExist", err)
	}
}

func TestLoad_FromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeFile(t, path, "transport:\n  name: genai-live\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Transport.Name != config.TransportGenAILive {
		t.Errorf("transport.name = %q; want %q", cfg.Transport.Name, config.TransportGenAILive)
	}
}

// Tests below touch the process environment and must not run in parallel.

func TestResolveAPIKey_InlineWins(t *testing.T) {
	t.Setenv("PARLEY_TEST_KEY", "from-env")
	tc := config.TransportConfig{Name: "gemini-live", APIKey: "inline", APIKeyEnv: "PARLEY_TEST_KEY"}
	key, err := tc.ResolveAPIKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "inline" {
		t.Errorf("key = %q; want %q", key, "inline")
	}
}

func TestResolveAPIKey_NamedEnv(t *testing.T) {
	t.Setenv("PARLEY_TEST_KEY", "from-env")
	tc := config.TransportConfig{Name: "gemini-live", APIKeyEnv: "PARLEY_TEST_KEY"}
	key, err := tc.ResolveAPIKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "from-env" {
		t.Errorf("key = %q; want %q", key, "from-env")
	}
}

func TestResolveAPIKey_ConventionalEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	key, err := config.TransportConfig{Name: "openai-realtime"}.ResolveAPIKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != "sk-test" {
		t.Errorf("key = %q; want %q", key, "sk-test")
	}
}

func TestResolveAPIKey_Missing(t *testing.T) {
	t.Setenv("PARLEY_TEST_KEY", "")
	_, err := config.TransportConfig{Name: "gemini-live", APIKeyEnv: "PARLEY_TEST_KEY"}.ResolveAPIKey()
	if !errors.Is(err, config.ErrMissingAPIKey) {
		t.Errorf("err = %v; want ErrMissingAPIKey", err)
	}

	_, err = config.TransportConfig{Name: "custom"}.ResolveAPIKey()
	if !errors.Is(err, config.ErrMissingAPIKey) {
		t.Errorf("unknown transport: err = %v; want ErrMissingAPIKey", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("PARLEY_DOTENV_A", "")
	os.Unsetenv("PARLEY_DOTENV_A")
	t.Setenv("PARLEY_DOTENV_B", "preset")

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	writeFile(t, path, "PARLEY_DOTENV_A=loaded\nPARLEY_DOTENV_B=overridden\n")

	if err := config.LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("PARLEY_DOTENV_A"); got != "loaded" {
		t.Errorf("PARLEY_DOTENV_A = %q; want %q", got, "loaded")
	}
	if got := os.Getenv("PARLEY_DOTENV_B"); got != "preset" {
		t.Errorf("PARLEY_DOTENV_B = %q; want existing value %q", got, "preset")
	}
}
