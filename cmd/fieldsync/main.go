package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/livinlefevreloca/fieldsync/internal/config"
	"github.com/livinlefevreloca/fieldsync/internal/engine"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline sync engine for field-service records",
	Long: `fieldsync keeps a device-local SQLite store of field-service projects in
sync with the backend. Local edits are queued and pushed when the network is
up; server changes are pulled per project.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file (TOML)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads and validates the --config file
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. With a log file configured, output
// goes through a rotating writer that the returned closer flushes.
func newLogger(cfg config.LoggingConfig, stderr io.Writer) (*slog.Logger, io.Closer) {
	var out io.Writer = stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = rotating
		closer = rotating
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openEngine loads configuration and builds an engine that is not started
func openEngine(cmd *cobra.Command) (*engine.Engine, *slog.Logger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	logger, closer := newLogger(cfg.Logging, cmd.ErrOrStderr())
	e, err := engine.New(cfg, engine.Deps{}, logger)
	if err != nil {
		closer.Close()
		return nil, nil, nil, err
	}

	cleanup := func() {
		if err := e.Shutdown(cmd.Context()); err != nil {
			logger.Warn("engine shutdown failed", "error", err)
		}
		closer.Close()
	}
	return e, logger, cleanup, nil
}
