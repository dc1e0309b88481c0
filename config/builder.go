package config

import (
	"context"

	"github.com/jpalmerr/statebus"
	"github.com/jpalmerr/statebus/codec"
)

// BuildSchema converts the declared modules into a bus schema. Field maps
// are copied.
func BuildSchema(cfg *Config) statebus.Schema {
	schema := make(statebus.Schema, len(cfg.Modules))
	for name, mc := range cfg.Modules {
		fields := make(map[string]any, len(mc.Fields))
		for k, v := range mc.Fields {
			fields[k] = v
		}
		schema[name] = fields
	}
	return schema
}

// BuildModules returns one module per declaration. Each comes online with
// its configured status message and otherwise only holds state.
func BuildModules(cfg *Config) map[string]statebus.Module {
	modules := make(map[string]statebus.Module, len(cfg.Modules))
	for name, mc := range cfg.Modules {
		modules[name] = declaredModule{message: mc.StatusMessage}
	}
	return modules
}

type declaredModule struct {
	message string
}

func (m declaredModule) Init(_ context.Context, h *statebus.Handle) error {
	return h.SetStatus(statebus.StatusOnline, m.message)
}

// BuildOptions converts the server and enable/disable settings into bus
// options.
func BuildOptions(cfg *Config) ([]statebus.Option, error) {
	cd, err := codec.ByName(cfg.Server.Codec)
	if err != nil {
		return nil, err
	}

	opts := []statebus.Option{statebus.WithCodec(cd)}
	if cfg.Server.Auth != "" {
		opts = append(opts, statebus.WithAuth(cfg.Server.Auth))
	}
	if cfg.Server.SubscriberBuffer > 0 {
		opts = append(opts, statebus.WithSubscriberBuffer(cfg.Server.SubscriberBuffer))
	}
	if len(cfg.Enabled) > 0 {
		opts = append(opts, statebus.WithEnabledModules(cfg.Enabled...))
	}
	if len(cfg.Disabled) > 0 {
		opts = append(opts, statebus.WithDisabledModules(cfg.Disabled...))
	}
	return opts, nil
}

// BuildBus creates a bus hosting every declared module. extra options are
// applied after the configured ones.
func BuildBus(cfg *Config, extra ...statebus.Option) (*statebus.Bus, error) {
	opts, err := BuildOptions(cfg)
	if err != nil {
		return nil, err
	}
	return statebus.New(BuildSchema(cfg), BuildModules(cfg), append(opts, extra...)...)
}
