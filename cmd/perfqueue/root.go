package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/perfqueue/internal/config"
)

var version = "0.1.0"

const defaultServerURL = "http://127.0.0.1:8080"

// options are the persistent flags shared by every subcommand
type options struct {
	configFile string
	serverURL  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:     "perfqueue",
		Short:   "Serialized execution queue for performance experiments",
		Version: version,
		Long: `perfqueue runs performance experiments one at a time against their
measurement controllers, waits for each runner to report ready, and pushes
scheduled experiment updates to connected clients.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to configuration file (TOML)")
	root.PersistentFlags().StringVar(&opts.serverURL, "server", defaultServerURL, "Base URL of a running perfqueue server")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newMigrateCmd(opts))
	root.AddCommand(newSubmitCmd(opts))
	root.AddCommand(newStatusCmd(opts))

	return root
}

// loadConfig loads and validates the configuration named by --config
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the logging section and installs
// it as the slog default
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(w, handlerOpts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func stdoutLogger(cfg *config.Config) *slog.Logger {
	return newLogger(cfg.Logging, os.Stdout)
}
