package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/statebus"
	"github.com/jpalmerr/statebus/config"
)

// newLogger creates a JSON logger for CLI use.
func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// serveCmd hosts a bus of the modules declared in a config file.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host a bus and its introspection server",
	Long: `Host a bus of the modules declared in a config file.

The server will:
  - Load configuration from the specified YAML file
  - Bring every enabled module online with its default fields
  - Serve the introspection API on the configured address

STATEBUS_ENABLED_MODULES and STATEBUS_DISABLED_MODULES are merged into the
enabled and disabled lists of the file.

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  statebus serve -c statebus.yaml
  statebus serve --config /etc/statebus/statebus.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
}

// echo streams its input back. It lets `statebus call echo` check the call
// path end to end.
func echo(_ context.Context, _ *statebus.Bus, r io.Reader, w io.Writer) error {
	_, err := io.Copy(w, r)
	return err
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := environ.Apply(cfg); err != nil {
		return err
	}

	logger.Info("config loaded",
		"modules", len(cfg.Modules),
		"enabled", cfg.Enabled,
		"disabled", cfg.Disabled,
	)

	bus, err := config.BuildBus(cfg,
		statebus.WithLogger(logger),
		statebus.WithExtension("echo", echo),
	)
	if err != nil {
		return fmt.Errorf("failed to create bus: %w", err)
	}
	defer bus.Close()

	ctx := cmd.Context()
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start modules: %w", err)
	}

	logger.Info("starting server",
		"addr", cfg.Server.Addr,
		"codec", cfg.Server.Codec,
		"auth", cfg.Server.Auth != "",
	)

	// serve blocks until ctx is cancelled
	errChan := make(chan error, 1)
	go func() {
		errChan <- bus.Serve(ctx, cfg.Server.Addr)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		logger.Info("shutdown complete")
		return nil

	case <-ctx.Done():
		// signal received, wait for graceful shutdown with timeout
		timeout := cfg.Server.ShutdownTimeout.Duration()
		select {
		case err := <-errChan:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		case <-time.After(timeout):
			logger.Warn("shutdown timed out",
				"timeout", timeout.String(),
				"action", "forcing exit",
			)
			return nil
		}
	}
}
