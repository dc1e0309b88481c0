package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env holds the command-line settings read from the environment.
type Env struct {
	// Server is the introspection server the CLI talks to.
	Server string `env:"STATEBUS_SERVER" envDefault:"localhost:3018"`

	// Auth is the "user:pass" credential sent by the CLI.
	Auth string `env:"STATEBUS_AUTH"`

	// EnabledModules and DisabledModules are comma-separated lists merged
	// into the host configuration by serve.
	EnabledModules  []string `env:"STATEBUS_ENABLED_MODULES"`
	DisabledModules []string `env:"STATEBUS_DISABLED_MODULES"`
}

// LoadEnv reads [Env] from the process environment.
func LoadEnv() (Env, error) {
	e, err := env.ParseAs[Env]()
	if err != nil {
		return Env{}, fmt.Errorf("failed to read environment: %w", err)
	}
	return e, nil
}

// LoadEnvFrom reads [Env] from the given variables instead of the process
// environment.
func LoadEnvFrom(vars map[string]string) (Env, error) {
	e, err := env.ParseAsWithOptions[Env](env.Options{Environment: vars})
	if err != nil {
		return Env{}, fmt.Errorf("failed to read environment: %w", err)
	}
	return e, nil
}

// Apply merges the module lists of e into cfg. Names unknown to cfg are
// rejected.
func (e Env) Apply(cfg *Config) error {
	for _, name := range append(append([]string{}, e.EnabledModules...), e.DisabledModules...) {
		if _, ok := cfg.Modules[name]; !ok {
			return fmt.Errorf("environment names unknown module %q", name)
		}
	}
	cfg.Enabled = append(cfg.Enabled, e.EnabledModules...)
	cfg.Disabled = append(cfg.Disabled, e.DisabledModules...)
	return nil
}
