// Package main is the entry point for the statebus CLI.
//
// The CLI is a client of the introspection server of a running bus, and can
// also host a bus of plain state modules declared in a YAML file.
//
// Usage:
//
//	statebus status                        # Module status table
//	statebus dump <module> [state]         # Dump a module or one field
//	statebus dump-all                      # Dump every module
//	statebus set <module> '{ foo: 1 }'     # Write fields
//	statebus subscribe <module> <state>    # Stream changes of a field
//	statebus call <extension> < input      # Run an extension
//	statebus serve -c statebus.yaml        # Host a bus
//	statebus validate -c statebus.yaml     # Validate configuration
//	statebus version                       # Show version info
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/statebus/config"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// environ holds the settings read from STATEBUS_* variables at startup.
var environ = loadEnviron()

func loadEnviron() config.Env {
	e, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if e.Server == "" {
		e.Server = "localhost:3018"
	}
	return e
}

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "statebus",
	Short: "Introspection client for a statebus",
	Long: `statebus talks to the introspection server of a running bus.

It shows module status, dumps and writes fields, streams field changes
and runs server extensions. It can also host a bus of plain state
modules declared in a YAML file.

Defaults for --server and --auth come from STATEBUS_SERVER and
STATEBUS_AUTH.

Quick start:
  1. Run: statebus serve -c statebus.yaml
  2. Run: statebus status
  3. Run: statebus set thermostat '{ target: 22 }'`,
	SilenceUsage: true,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
// This is the main entry point called from main().
// SIGINT and SIGTERM cancel the command context, which ends subscriptions
// and shuts down serve.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this statebus binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "statebus %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("server", "s", environ.Server, "introspection server <host>:<port>")
	rootCmd.PersistentFlags().StringP("auth", "a", environ.Auth, "basic auth <username>:<password>")

	// Register subcommands with root
	rootCmd.AddCommand(versionCmd)
}
