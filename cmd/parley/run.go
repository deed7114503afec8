package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/observe"
)

// shutdownTimeout bounds session teardown after a signal.
const shutdownTimeout = 15 * time.Second

var (
	runStart  bool
	runListen string
	runWatch  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the control API and run voice sessions",
	Long: `Serve the HTTP control API (POST/DELETE/GET /v1/session, /healthz,
/readyz, /metrics). With --start a session begins immediately; without a
listen address the command exits when that session ends.

Example:
  # Talk to Gemini Live right away, no HTTP server
  parley run --start --listen ""

  # Headless smoke test against OpenAI Realtime
  OPENAI_API_KEY=sk-... parley run -c examples/openai-null.yaml --start`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

func init() {
	runCmd.Flags().BoolVar(&runStart, "start", false, "start a session immediately")
	runCmd.Flags().StringVar(&runListen, "listen", "", "override server.listen_addr (empty string disables the API)")
	runCmd.Flags().BoolVar(&runWatch, "watch", true, "reload log level and session settings when the config file changes")
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, fromFile, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Server.ListenAddr = runListen
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()
	registerBuiltins(reg)

	slog.Info("parley starting",
		"version", version,
		"transport", cfg.Transport.Name,
		"model", cfg.Transport.Model,
		"audio", cfg.Audio.Backend,
		"listen_addr", cfg.Server.ListenAddr,
	)

	application, err := app.New(cfg, reg,
		app.WithLevelVar(logLevel),
		app.WithAutoStart(runStart),
		app.WithMetricsHandler(tel.MetricsHandler()),
	)
	if err != nil {
		return err
	}

	if fromFile && runWatch {
		w, err := config.NewWatcher(configPath, func(old, new *config.Config) {
			application.ApplyConfig(old, new)
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	runErr := application.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
		slog.Info("shutdown signal received, stopping")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	if runErr == nil {
		slog.Info("goodbye")
	}
	return runErr
}
