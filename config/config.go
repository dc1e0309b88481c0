// Package config provides YAML configuration parsing for a standalone
// statebus host.
//
// This package enables running the bus as a binary with a configuration
// file, as an alternative to hosting modules programmatically. Modules
// declared in the file carry plain shared state: they come online with their
// default fields and are then driven remotely through set and subscribe.
//
// Example configuration:
//
//	server:
//	  addr: ":3018"
//	  auth: "${STATEBUS_AUTH:-}"
//	  codec: cbor
//	  shutdown_timeout: 10s
//
//	disabled: [lights]
//
//	modules:
//	  thermostat:
//	    fields:
//	      target: 21
//	      mode: heat
//	  lights:
//	    fields:
//	      on: false
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/statebus"
	"github.com/jpalmerr/statebus/codec"
)

const (
	defaultAddr            = "127.0.0.1:3018"
	defaultShutdownTimeout = 10 * time.Second
	defaultSubscriberBuf   = 64
)

// reservedFields are owned by the host and cannot be declared.
var reservedFields = map[string]bool{statebus.StatusKey: true, statebus.StatusMessageKey: true}

// Config is the root configuration structure for a statebus host.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Server configures the introspection server.
	Server ServerConfig `yaml:"server"`

	// Enabled, when non-empty, restricts initialization to these modules.
	Enabled []string `yaml:"enabled"`

	// Disabled modules are reported offline without initializing.
	Disabled []string `yaml:"disabled"`

	// Modules maps module name to its declaration.
	Modules map[string]ModuleConfig `yaml:"modules"`
}

// ServerConfig configures the introspection server.
type ServerConfig struct {
	// Addr is the listen address. Defaults to 127.0.0.1:3018.
	Addr string `yaml:"addr"`

	// Auth is the "user:pass" credential required from non-loopback
	// callers. Empty means only loopback callers are served.
	Auth string `yaml:"auth"`

	// Codec names the payload codec: "json" (default) or "cbor".
	Codec string `yaml:"codec"`

	// SubscriberBuffer is the per-stream change queue length. Defaults to 64.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// ShutdownTimeout bounds how long serve waits for the server to stop
	// after a signal. Defaults to 10s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// ModuleConfig declares one module.
type ModuleConfig struct {
	// Fields maps field name to its default value.
	Fields map[string]any `yaml:"fields"`

	// StatusMessage is published alongside the online status.
	StatusMessage string `yaml:"status_message"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ModuleNames returns the declared module names in sorted order.
func (c *Config) ModuleNames() []string {
	names := make([]string, 0, len(c.Modules))
	for name := range c.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// already have an error, skip processing
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// See [Parse] for defaults and environment expansion.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in the server address and auth
// credential. Defaults are applied for the address, codec, subscriber buffer
// and shutdown timeout.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Server.Codec == "" {
		cfg.Server.Codec = codec.JSON.Name()
	}
	if cfg.Server.SubscriberBuffer == 0 {
		cfg.Server.SubscriberBuffer = defaultSubscriberBuf
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(defaultShutdownTimeout)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultAddr
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	addr, err := expandEnvVars(c.Server.Addr)
	if err != nil {
		return fmt.Errorf("server.addr: %w", err)
	}
	c.Server.Addr = addr

	auth, err := expandEnvVars(c.Server.Auth)
	if err != nil {
		return fmt.Errorf("server.auth: %w", err)
	}
	c.Server.Auth = auth
	if auth != "" {
		if user, _, ok := strings.Cut(auth, ":"); !ok || user == "" {
			return errors.New(`server.auth must have the form "user:pass"`)
		}
	}

	if _, err := codec.ByName(c.Server.Codec); err != nil {
		return fmt.Errorf("server.codec: %w", err)
	}
	if c.Server.SubscriberBuffer < 0 {
		return fmt.Errorf("server.subscriber_buffer must be positive, got %d", c.Server.SubscriberBuffer)
	}
	if c.Server.ShutdownTimeout.Duration() < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative, got %s", c.Server.ShutdownTimeout.Duration())
	}

	if len(c.Modules) == 0 {
		return errors.New("at least one module must be defined")
	}

	for _, name := range c.ModuleNames() {
		if name == "" || strings.Contains(name, ".") {
			return fmt.Errorf("modules: invalid module name %q", name)
		}
		for key := range c.Modules[name].Fields {
			if key == "" {
				return fmt.Errorf("modules[%s]: field name is required", name)
			}
			if reservedFields[key] {
				return fmt.Errorf("modules[%s]: field %q is reserved", name, key)
			}
		}
	}

	for _, list := range []struct {
		label string
		names []string
	}{
		{"enabled", c.Enabled},
		{"disabled", c.Disabled},
	} {
		for i, name := range list.names {
			if _, ok := c.Modules[name]; !ok {
				return fmt.Errorf("%s[%d]: unknown module %q", list.label, i, name)
			}
		}
	}

	return nil
}
