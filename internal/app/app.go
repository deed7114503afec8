// Package app wires the parley subsystems into a running server.
//
// New resolves the audio backend and transport dialer from the config
// registry, guards the dialer with a connect breaker and builds the
// [session.Controller]. Run serves the HTTP control
// API until its context ends, and Shutdown stops the live session and releases
// the backend.
//
// For testing, inject doubles via functional options (WithBackend,
// WithDialer, WithMetrics). When an option is not provided, New creates the
// real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/transport"
)

// shutdownGrace bounds the HTTP server drain when Run's context ends.
const shutdownGrace = 5 * time.Second

// App owns the subsystem lifetimes of one parley process.
type App struct {
	cfg      *config.Config
	backend  device.Backend
	dialer   transport.Dialer
	guard    *resilience.Dialer
	metrics  *observe.Metrics
	scrape   http.Handler
	levelVar *slog.LevelVar
	ctrl     *session.Controller

	autoStart bool
	listener  net.Listener

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects an audio backend instead of creating one from config.
// The caller keeps ownership; Shutdown does not close it.
func WithBackend(b device.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithDialer injects a transport dialer instead of creating one from config.
func WithDialer(d transport.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served at /metrics. Default: the
// Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithLevelVar lets config reloads adjust the process log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithAutoStart starts a session as soon as Run is called.
func WithAutoStart(on bool) Option {
	return func(a *App) { a.autoStart = on }
}

// WithListener serves the control API on l instead of cfg.Server.ListenAddr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. Backends and dialers not injected via options are
// instantiated through reg.
func New(cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}

	if a.backend == nil {
		b, err := reg.CreateAudio(cfg.Audio)
		if err != nil {
			return nil, fmt.Errorf("app: create audio backend %q: %w", cfg.Audio.Backend, err)
		}
		a.backend = b
		a.closers = append(a.closers, b.Close)
	}

	if a.dialer == nil {
		d, err := reg.CreateTransport(cfg.Transport)
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("app: create transport %q: %w", cfg.Transport.Name, err)
		}
		a.dialer = d
	}
	a.guard = resilience.NewDialer(a.dialer, resilience.BreakerConfig{
		Name:        cfg.Transport.Name,
		MaxFailures: cfg.Transport.MaxConnectFailures,
		Cooldown:    cfg.Transport.ConnectCooldown,
	})

	a.ctrl = session.New(SessionConfig(cfg), session.Deps{
		Mic:     a.backend,
		Speaker: a.backend,
		Dialer:  a.guard,
		Metrics: a.metrics,
	})
	return a, nil
}

// SessionConfig converts the session and transport sections into the
// controller's session template.
func SessionConfig(cfg *config.Config) session.Config {
	s := cfg.Session
	return session.Config{
		Transport: transport.Config{
			Model:        cfg.Transport.Model,
			Instructions: s.Instructions,
			Voice:        s.Voice,
			Modality:     transport.DefaultModality,
		},
		TransportName:  cfg.Transport.Name,
		InputFormat:    audio.Format{SampleRate: s.InputSampleRate, Channels: 1},
		OutputFormat:   audio.Format{SampleRate: s.OutputSampleRate, Channels: 1},
		BlockSize:      s.BlockSize,
		ConnectTimeout: s.ConnectTimeout,
	}
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change. It is meant
// to be passed to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		// Transport settings are not reloadable, so the template keeps the
		// transport section the process started with.
		merged := *new
		merged.Transport = a.cfg.Transport
		a.ctrl.Configure(SessionConfig(&merged))
		slog.Info("session template updated; applies to the next session", "fields", d.SessionFields)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config log level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the control API and, with WithAutoStart, runs one session. It
// returns when ctx ends or the server fails. An auto-started session that
// fails ends Run with its error; without a control API, Run also returns once
// the auto-started session ends cleanly.
func (a *App) Run(ctx context.Context) error {
	serve := a.listener != nil || a.cfg.Server.ListenAddr != ""
	if !serve && !a.autoStart {
		<-ctx.Done()
		return ctx.Err()
	}

	eg, egCtx := errgroup.WithContext(ctx)

	if serve {
		srv := &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return egCtx },
		}
		eg.Go(func() error {
			l := a.listener
			if l == nil {
				var err error
				if l, err = net.Listen("tcp", a.cfg.Server.ListenAddr); err != nil {
					return fmt.Errorf("app: listen: %w", err)
				}
			}
			slog.Info("control API listening", "addr", l.Addr().String())
			if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(egCtx), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if a.autoStart {
		eg.Go(func() error {
			if err := a.ctrl.Start(egCtx); err != nil {
				if egCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("app: start session: %w", err)
			}
			info := a.ctrl.Info()
			slog.Info("session active", "session_id", info.ID, "transport", info.Transport)
			if err := a.ctrl.Wait(egCtx); err != nil && egCtx.Err() == nil {
				return fmt.Errorf("app: session ended: %w", err)
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the live session and closes owned resources. If ctx expires
// before the session is idle, the backend is still closed and ctx's error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "state", a.ctrl.State().String())
		if err := a.ctrl.Stop(ctx); err != nil {
			slog.Warn("session stop did not finish", "err", err)
			shutdownErr = err
		}
		a.closeAll()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
