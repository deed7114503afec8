package main

import (
	"log/slog"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/audio/device/portaudio"
	"github.com/MrWong99/parley/pkg/transport"
	"github.com/MrWong99/parley/pkg/transport/gemini"
	"github.com/MrWong99/parley/pkg/transport/genai"
	"github.com/MrWong99/parley/pkg/transport/openai"
)

// registerBuiltins wires the transports and device backends that ship with
// parley into reg.
func registerBuiltins(reg *config.Registry) {
	// ── Transports ────────────────────────────────────────────────────────────

	reg.RegisterTransport(config.TransportGeminiLive, func(e config.TransportConfig) (transport.Dialer, error) {
		opts := []gemini.Option{gemini.WithChannelOptions(channelOptions(e)...)}
		if e.Model != "" {
			opts = append(opts, gemini.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(e.APIKey, opts...), nil
	})

	reg.RegisterTransport(config.TransportGenAILive, func(e config.TransportConfig) (transport.Dialer, error) {
		opts := []genai.Option{genai.WithChannelOptions(channelOptions(e)...)}
		if e.Model != "" {
			opts = append(opts, genai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(e.BaseURL))
		}
		if v := optString(e.Options, "api_version"); v != "" {
			opts = append(opts, genai.WithAPIVersion(v))
		}
		return genai.New(e.APIKey, opts...), nil
	})

	reg.RegisterTransport(config.TransportOpenAIRealtime, func(e config.TransportConfig) (transport.Dialer, error) {
		opts := []openai.Option{openai.WithChannelOptions(channelOptions(e)...)}
		if e.Model != "" {
			opts = append(opts, openai.WithModel(e.Model))
		}
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, opts...), nil
	})

	// ── Audio backends ────────────────────────────────────────────────────────

	reg.RegisterAudio(config.BackendPortAudio, func(e config.AudioConfig) (device.Backend, error) {
		b, err := portaudio.New(
			portaudio.WithInputDevice(e.InputDevice),
			portaudio.WithOutputDevice(e.OutputDevice),
			portaudio.WithOutputBuffer(e.OutputBuffer),
			portaudio.WithStallTimeout(e.StallTimeout),
		)
		if err != nil {
			return nil, err
		}
		return b, nil
	})

	reg.RegisterAudio(config.BackendNull, func(e config.AudioConfig) (device.Backend, error) {
		return &device.Null{StallTimeout: e.StallTimeout}, nil
	})
}

// channelOptions maps the generic transport options onto channel options.
func channelOptions(e config.TransportConfig) []transport.Option {
	opts := []transport.Option{transport.WithLogger(slog.Default().With("transport", e.Name))}
	if n := optInt(e.Options, "queue_size"); n > 0 {
		opts = append(opts, transport.WithQueueSize(n))
	}
	if n := optInt(e.Options, "event_buffer"); n > 0 {
		opts = append(opts, transport.WithEventBuffer(n))
	}
	return opts
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from an Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from an Options map. YAML integers decode
// as int; whole floats are accepted too. Returns 0 otherwise.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	}
	return 0
}
