package config

import "maps"

// ConfigDiff describes what changed between two configs.
//
// LogLevel and the session template are applied live. Changes to the
// transport, audio backend, listen address or telemetry only take effect
// after a restart and are reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SessionChanged bool
	SessionFields  []string // yaml names of changed session.* fields

	// RestartRequired lists top-level sections whose changes are ignored
	// until the process restarts.
	RestartRequired []string
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionFields = diffSession(old.Session, new.Session)
	d.SessionChanged = len(d.SessionFields) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !transportEqual(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func diffSession(old, new SessionConfig) []string {
	var fields []string
	if old.Instructions != new.Instructions {
		fields = append(fields, "instructions")
	}
	if old.Voice != new.Voice {
		fields = append(fields, "voice")
	}
	if old.BlockSize != new.BlockSize {
		fields = append(fields, "block_size")
	}
	if old.InputSampleRate != new.InputSampleRate {
		fields = append(fields, "input_sample_rate")
	}
	if old.OutputSampleRate != new.OutputSampleRate {
		fields = append(fields, "output_sample_rate")
	}
	if old.ConnectTimeout != new.ConnectTimeout {
		fields = append(fields, "connect_timeout")
	}
	return fields
}

// transportEqual compares two transport sections. Option values are compared
// shallowly; nested maps always count as changed.
func transportEqual(a, b TransportConfig) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.APIKeyEnv != b.APIKeyEnv ||
		a.BaseURL != b.BaseURL || a.Model != b.Model ||
		a.MaxConnectFailures != b.MaxConnectFailures || a.ConnectCooldown != b.ConnectCooldown {
		return false
	}
	return maps.EqualFunc(a.Options, b.Options, func(x, y any) bool {
		switch x.(type) {
		case map[string]any, []any:
			return false
		}
		return x == y
	})
}
