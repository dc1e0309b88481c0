package statebus

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jpalmerr/statebus/codec"
	"github.com/jpalmerr/statebus/internal/clock"
)

// busConfig holds mutable state during Bus construction.
type busConfig struct {
	logger     *slog.Logger
	clock      clock.Clock
	enabled    []string
	disabled   []string
	extensions map[string]Extension
	auth       string
	codec      codec.Codec
	subBuffer  int
}

// Option is a function that configures a [Bus] instance during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*busConfig) error

// WithLogger sets a custom [slog.Logger] for the bus.
//
// If not specified, [slog.Default] is used. Every module handle derives its
// logger from this one with a "module" attribute.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *busConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithEnabledModules restricts initialization to the named modules. Every
// other module is reported offline with the message "Disabled" and its Init
// is never called.
//
// Can be called multiple times; the names accumulate.
func WithEnabledModules(names ...string) Option {
	return func(cfg *busConfig) error {
		if cfg.enabled == nil {
			cfg.enabled = []string{}
		}
		cfg.enabled = append(cfg.enabled, names...)
		return nil
	}
}

// WithDisabledModules prevents the named modules from initializing. They are
// reported offline with the message "Disabled".
//
// Can be called multiple times; the names accumulate.
func WithDisabledModules(names ...string) Option {
	return func(cfg *busConfig) error {
		cfg.disabled = append(cfg.disabled, names...)
		return nil
	}
}

var extensionName = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// WithExtension registers an out-of-band command served by the introspection
// server under /call/{name}.
//
// Example:
//
//	bus, err := statebus.New(schema, modules,
//	    statebus.WithExtension("uptime", func(ctx context.Context, b *statebus.Bus, r io.Reader, w io.Writer) error {
//	        _, err := fmt.Fprintln(w, time.Since(start))
//	        return err
//	    }),
//	)
//
// Returns an error if fn is nil, the name is not a single path segment, or
// the name is already registered.
func WithExtension(name string, fn Extension) Option {
	return func(cfg *busConfig) error {
		if fn == nil {
			return fmt.Errorf("extension %q: function cannot be nil", name)
		}
		if !extensionName.MatchString(name) {
			return fmt.Errorf("invalid extension name %q", name)
		}
		if _, dup := cfg.extensions[name]; dup {
			return fmt.Errorf("duplicate extension name: %q", name)
		}
		cfg.extensions[name] = fn
		return nil
	}
}

// WithAuth sets the "user:pass" credential the introspection server requires
// from non-loopback callers.
//
// Returns an error if the credential has no colon.
func WithAuth(credential string) Option {
	return func(cfg *busConfig) error {
		if !validCredential(credential) {
			return errors.New(`auth must have the form "user:pass"`)
		}
		cfg.auth = credential
		return nil
	}
}

// WithCodec sets the payload codec of the introspection server. Defaults to
// [codec.JSON].
//
// Returns an error if c is nil.
func WithCodec(c codec.Codec) Option {
	return func(cfg *busConfig) error {
		if c == nil {
			return errors.New("codec cannot be nil")
		}
		cfg.codec = c
		return nil
	}
}

// WithSubscriberBuffer sets how many undelivered changes each subscription
// stream of the introspection server queues before dropping. Defaults to 64.
//
// Returns an error if n is not positive.
func WithSubscriberBuffer(n int) Option {
	return func(cfg *busConfig) error {
		if n <= 0 {
			return fmt.Errorf("subscriber buffer must be positive, got %d", n)
		}
		cfg.subBuffer = n
		return nil
	}
}

// withClock replaces the store clock. Used by tests.
func withClock(c clock.Clock) Option {
	return func(cfg *busConfig) error {
		cfg.clock = c
		return nil
	}
}

func validCredential(s string) bool {
	user, _, ok := strings.Cut(s, ":")
	return ok && user != ""
}
