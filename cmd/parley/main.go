// Command parley runs real-time voice sessions against speech-to-speech
// endpoints.
//
// Usage:
//
//	parley [--config parley.yaml] [--env-file .env] <command>
//
// Commands:
//
//	run      serve the control API and optionally start a session
//	devices  list audio devices
//	version  print the build version
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

// logLevel backs the process logger so config reloads can change verbosity.
var logLevel = new(slog.LevelVar)

var (
	configPath string
	envFiles   []string
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Real-time voice sessions with speech-to-speech models",
	Long: `parley captures the microphone, streams it to a speech-to-speech endpoint
(Gemini Live or OpenAI Realtime) and plays the spoken reply back gap-free,
stopping playback as soon as the endpoint reports an interruption.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return err
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "parley", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before resolving credentials (default .env)")
	rootCmd.AddCommand(runCmd, devicesCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "parley:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing default file yields the
// built-in defaults; a missing file named explicitly is an error.
func loadConfig(cmd *cobra.Command) (*config.Config, bool, error) {
	cfg, err := config.Load(configPath)
	if err == nil {
		logLevel.Set(app.SlogLevel(cfg.Server.LogLevel))
		return cfg, true, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		slog.Info("no config file found, using defaults", "path", configPath)
		return config.Default(), false, nil
	}
	return nil, false, err
}
