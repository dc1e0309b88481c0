package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/statebus"
	"github.com/jpalmerr/statebus/config"
)

func main() {
	started := time.Now()

	// STATEBUS_ENABLED_MODULES / STATEBUS_DISABLED_MODULES pick the modules
	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to read environment", "error", err)
		os.Exit(1)
	}

	opts := []statebus.Option{
		statebus.WithExtension("uptime", func(_ context.Context, _ *statebus.Bus, _ io.Reader, w io.Writer) error {
			_, err := fmt.Fprintln(w, time.Since(started).Round(time.Second))
			return err
		}),
	}
	if len(env.EnabledModules) > 0 {
		opts = append(opts, statebus.WithEnabledModules(env.EnabledModules...))
	}
	if len(env.DisabledModules) > 0 {
		opts = append(opts, statebus.WithDisabledModules(env.DisabledModules...))
	}
	if env.Auth != "" {
		opts = append(opts, statebus.WithAuth(env.Auth))
	}

	bus, err := statebus.New(schema(), map[string]statebus.Module{
		"foo": &Foo{Interval: time.Second},
		"bar": &Bar{ActivateAfter: 2 * time.Second},
	}, opts...)
	if err != nil {
		slog.Error("failed to create bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   statebus demo                                       ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   statebus status                                     ║")
	fmt.Println("  ║   statebus subscribe foo d                            ║")
	fmt.Println("  ║   statebus set foo '{ d: 41 }'                        ║")
	fmt.Println("  ║   statebus dump bar additionTask                      ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bus.Start(ctx); err != nil {
		slog.Error("statebus start error", "error", err)
		os.Exit(1)
	}
	if err := bus.Serve(ctx, "127.0.0.1:3018"); err != nil {
		slog.Error("statebus serve error", "error", err)
		os.Exit(1)
	}
}
