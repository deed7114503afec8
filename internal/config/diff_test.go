package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Transport.Options = map[string]any{"queue_size": 64, "nested": map[string]any{"a": 1}}

	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.SessionChanged {
		t.Errorf("diff of identical configs = %+v", d)
	}
	// Nested option values are treated as changed.
	if !slices.Equal(d.RestartRequired, []string{"transport"}) {
		t.Errorf("RestartRequired = %v; want [transport]", d.RestartRequired)
	}
}

func TestDiff_Empty(t *testing.T) {
	t.Parallel()
	if d := config.Diff(config.Default(), config.Default()); !d.Empty() {
		t.Errorf("Diff(Default, Default) = %+v; want empty", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q; want %q", d.NewLogLevel, config.LogDebug)
	}
	if d.SessionChanged {
		t.Error("expected SessionChanged=false")
	}
}

func TestDiff_SessionFields(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Session.Instructions = "be brief"
	new.Session.Voice = "Kore"
	new.Session.ConnectTimeout = 3 * time.Second

	d := config.Diff(old, new)
	if !d.SessionChanged {
		t.Fatal("expected SessionChanged=true")
	}
	want := []string{"instructions", "voice", "connect_timeout"}
	if !slices.Equal(d.SessionFields, want) {
		t.Errorf("SessionFields = %v; want %v", d.SessionFields, want)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v; want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.ListenAddr = ":9090"
	new.Transport.Model = "other"
	new.Audio.Backend = config.BackendNull
	new.Telemetry.ServiceName = "x"

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "transport", "audio", "telemetry"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v; want %v", d.RestartRequired, want)
	}
	if d.Empty() {
		t.Error("Empty() = true; want false")
	}
}

func TestDiff_TransportOptions(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	old.Transport.Options = map[string]any{"api_version": "v1beta"}
	new.Transport.Options = map[string]any{"api_version": "v1alpha"}

	if d := config.Diff(old, new); !slices.Contains(d.RestartRequired, "transport") {
		t.Errorf("RestartRequired = %v; want transport", d.RestartRequired)
	}

	new.Transport.Options["api_version"] = "v1beta"
	if d := config.Diff(old, new); len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v; want none", d.RestartRequired)
	}
}

func TestDiff_BreakerSettingsRequireRestart(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Transport.ConnectCooldown = time.Minute

	if d := config.Diff(old, new); !slices.Contains(d.RestartRequired, "transport") {
		t.Errorf("RestartRequired = %v; want transport", d.RestartRequired)
	}
}
