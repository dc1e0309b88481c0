package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/statebus/config"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a statebus configuration file without starting the server.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  statebus validate -c statebus.yaml
  statebus validate --config /etc/statebus/statebus.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// building the bus checks the options the server would be started with
	bus, err := config.BuildBus(cfg)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	bus.Close()

	auth := "loopback only"
	if cfg.Server.Auth != "" {
		auth = "basic"
	}
	fields := 0
	for _, m := range cfg.Modules {
		fields += len(m.Fields)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Server:   %s (%s)\n", cfg.Server.Addr, cfg.Server.Codec)
	fmt.Fprintf(out, "  Auth:     %s\n", auth)
	fmt.Fprintf(out, "  Modules:  %s\n", strings.Join(cfg.ModuleNames(), ", "))
	fmt.Fprintf(out, "  Fields:   %d\n", fields)
	if len(cfg.Disabled) > 0 {
		fmt.Fprintf(out, "  Disabled: %s\n", strings.Join(cfg.Disabled, ", "))
	}

	return nil
}
