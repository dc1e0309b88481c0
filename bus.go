package statebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jpalmerr/statebus/codec"
	"github.com/jpalmerr/statebus/internal/server"
	"github.com/jpalmerr/statebus/internal/store"
	"github.com/jpalmerr/statebus/internal/task"
)

// Schema maps each module name to the default value of each of its fields.
// The fields "status" and "statusMessage" are added to every module.
type Schema map[string]map[string]any

// Entry is the stored state of one field: its value and the time in
// milliseconds it was written (0 while it still holds its default).
type Entry = store.Entry

// Change describes one committed write.
type Change = store.Change

// Listener receives the entry produced by a write and the entry it replaced.
type Listener = store.Listener

// Pending is a cancellable wait for the next change of a field.
type Pending = store.Pending

var (
	// ErrUnknownModule is returned for a module that is not in the schema.
	ErrUnknownModule = store.ErrUnknownModule

	// ErrUnknownField is returned for a field not declared in the schema.
	ErrUnknownField = store.ErrUnknownField

	// ErrAlreadyStarted is returned by a second call to [Bus.Start].
	ErrAlreadyStarted = errors.New("bus already started")
)

// Module is a unit of behaviour hosted by a [Bus].
//
// Init is called once from [Bus.Start], concurrently with the Init of every
// other module. The [Handle] is the module's only access to the bus; it
// stays valid after Init returns, so subscriptions and task handlers
// registered in Init keep running. A module reports readiness by setting
// its status to [StatusOnline].
type Module interface {
	Init(ctx context.Context, h *Handle) error
}

// ModuleFunc adapts an ordinary function to the [Module] interface.
type ModuleFunc func(ctx context.Context, h *Handle) error

// Init calls f(ctx, h).
func (f ModuleFunc) Init(ctx context.Context, h *Handle) error {
	return f(ctx, h)
}

// Extension is an out-of-band command served by the introspection server
// under /call/{name}. The request body streams in through r and everything
// written to w streams back to the caller.
type Extension func(ctx context.Context, b *Bus, r io.Reader, w io.Writer) error

// Bus hosts modules around a shared state store.
//
// The typical lifecycle is:
//
//	bus, err := statebus.New(schema, modules)
//	if err != nil {
//	    slog.Error("failed to create bus", "error", err)
//	    os.Exit(1)
//	}
//	defer bus.Close()
//
//	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer cancel()
//
//	if err := bus.Start(ctx); err != nil { ... }
//	bus.Serve(ctx, ":3018") // blocks until ctx is cancelled
type Bus struct {
	modules    map[string]Module
	store      *store.Store
	tasks      *task.Orchestrator
	logger     *slog.Logger
	enabled    map[string]bool // nil means every module is enabled
	disabled   map[string]bool
	extensions map[string]Extension
	auth       string
	codec      codec.Codec
	subBuffer  int

	started   atomic.Bool
	closeOnce sync.Once
}

// New creates a [Bus] for schema hosting modules.
//
// Every module must have a schema entry. Schema entries without a module are
// allowed; their fields are plain shared state. The schema is copied.
//
// Returns an error if a module is nil or has no schema entry, or if any
// option is invalid.
func New(schema Schema, modules map[string]Module, opts ...Option) (*Bus, error) {
	cfg := &busConfig{
		extensions: make(map[string]Extension),
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	// default to slog.Default() if no logger provided
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.codec == nil {
		cfg.codec = codec.JSON
	}

	for name, mod := range modules {
		if mod == nil {
			return nil, fmt.Errorf("module %q is nil", name)
		}
		if _, ok := schema[name]; !ok {
			return nil, fmt.Errorf("module %q has no schema entry", name)
		}
	}

	storeSchema := make(store.Schema, len(schema))
	for name, fields := range schema {
		defaults := make(map[string]any, len(fields)+2)
		for key, value := range fields {
			defaults[key] = value
		}
		defaults[StatusKey] = string(StatusPending)
		defaults[StatusMessageKey] = ""
		storeSchema[name] = defaults
	}

	b := &Bus{
		modules:    make(map[string]Module, len(modules)),
		logger:     logger,
		disabled:   toSet(cfg.disabled),
		extensions: cfg.extensions,
		auth:       cfg.auth,
		codec:      cfg.codec,
		subBuffer:  cfg.subBuffer,
	}
	if cfg.enabled != nil {
		b.enabled = toSet(cfg.enabled)
	}
	for name, mod := range modules {
		b.modules[name] = mod
	}
	for _, set := range []map[string]bool{b.enabled, b.disabled} {
		for name := range set {
			if _, ok := modules[name]; !ok {
				logger.Warn("enable/disable list names an unknown module", "module", name)
			}
		}
	}

	storeOpts := []store.Option{store.WithLogger(logger)}
	if cfg.clock != nil {
		storeOpts = append(storeOpts, store.WithClock(cfg.clock))
	}
	b.store = store.New(storeSchema, storeOpts...)
	b.tasks = task.New(b.store, logger)
	return b, nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		if name != "" {
			set[name] = true
		}
	}
	return set
}

// isDisabled reports whether configuration keeps module from initializing.
func (b *Bus) isDisabled(module string) bool {
	if b.enabled != nil && !b.enabled[module] {
		return true
	}
	return b.disabled[module]
}

// Start initializes every module concurrently and returns once all Init
// calls have returned.
//
// Disabled modules are set offline with the message "Disabled" without
// calling Init. A module whose Init returns an error or panics is set to
// failure with the message "Init Error: <error>"; other modules are not
// affected and Start still returns nil.
//
// Returns ctx.Err() if ctx is already done, or [ErrAlreadyStarted] on a
// second call.
func (b *Bus) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	names := make([]string, 0, len(b.modules))
	for name := range b.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	b.logger.Info("statebus starting", "module_count", len(names))

	// errgroup is only used to wait: a failing module must not cancel the
	// others, so every goroutine returns nil
	var g errgroup.Group
	for _, name := range names {
		if b.isDisabled(name) {
			b.forceStatus(name, StatusOffline, disabledMessage)
			b.logger.Info("module disabled", "module", name)
			continue
		}
		mod := b.modules[name]
		g.Go(func() error {
			b.initModule(ctx, name, mod)
			return nil
		})
	}
	_ = g.Wait()

	b.logger.Info("statebus started")
	return nil
}

func (b *Bus) initModule(ctx context.Context, name string, mod Module) {
	h := b.handle(name)
	if err := invokeInitSafe(ctx, mod, h); err != nil {
		b.forceStatus(name, StatusFailure, "Init Error: "+err.Error())
		b.logger.Error("module init failed", "module", name, "error", err)
		return
	}
	b.logger.Debug("module initialized", "module", name)
}

// invokeInitSafe calls Init with panic recovery. A panic becomes an error
// carrying a correlation id; the stack is logged server-side.
func invokeInitSafe(ctx context.Context, mod Module, h *Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			h.logger.Error("module init panic",
				"correlation_id", correlationID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic: %v (correlation_id: %s)", r, correlationID)
		}
	}()
	return mod.Init(ctx, h)
}

func (b *Bus) forceStatus(module string, status Status, message string) {
	if err := b.store.Set(module, StatusKey, string(status)); err != nil {
		b.logger.Error("failed to set module status", "module", module, "error", err)
		return
	}
	if err := b.store.Set(module, StatusMessageKey, message); err != nil {
		b.logger.Error("failed to set module status", "module", module, "error", err)
	}
}

// Close stops running task handlers, waits for them to finish, then stops
// change notification after delivering everything already queued. Close is
// idempotent.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.tasks.Close()
		b.store.Close()
		b.logger.Info("statebus stopped")
	})
}

// Status returns the status of every module sorted by module name.
func (b *Bus) Status() []StatusRow {
	rows := server.Statuses(b.store)
	out := make([]StatusRow, len(rows))
	for i, row := range rows {
		out[i] = StatusRow{Module: row[0], Status: Status(row[1]), Message: row[2]}
	}
	return out
}

// Get returns the current entry of a field.
func (b *Bus) Get(module, key string) (Entry, error) {
	return b.store.Get(module, key)
}

// Set writes a field. Listeners are notified asynchronously.
func (b *Bus) Set(module, key string, value any) error {
	return b.store.Set(module, key, value)
}

// Snapshot returns a copy of every field of every module.
func (b *Bus) Snapshot() map[string]map[string]Entry {
	return b.store.Snapshot()
}

// SubscribeAll registers listener for changes of any field. The returned
// function unregisters it.
func (b *Bus) SubscribeAll(listener func(Change)) func() {
	return b.store.SubscribeAll(listener)
}

// Flush blocks until every change notification queued so far has been
// delivered. It must not be called from inside a listener.
func (b *Bus) Flush(ctx context.Context) error {
	return b.store.Flush(ctx)
}

// introspection builds the introspection server for the bus.
func (b *Bus) introspection(addr string) *server.Server {
	exts := make(map[string]server.Extension, len(b.extensions))
	for name, ext := range b.extensions {
		exts[name] = func(ctx context.Context, r io.Reader, w io.Writer) error {
			return ext(ctx, b, r, w)
		}
	}
	return server.New(b.store, server.Config{
		Addr:             addr,
		Auth:             b.auth,
		Codec:            b.codec,
		Extensions:       exts,
		SubscriberBuffer: b.subBuffer,
		Logger:           b.logger,
	})
}

// Handler returns the introspection HTTP handler, for mounting on an
// existing server.
func (b *Bus) Handler() http.Handler {
	return b.introspection("").Handler()
}

// Serve runs the introspection server on addr until ctx is cancelled.
//
// Returns nil on graceful shutdown, or an error if addr cannot be bound.
func (b *Bus) Serve(ctx context.Context, addr string) error {
	if ctx.Err() != nil {
		return nil
	}
	srv := b.introspection(addr)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start introspection server: %w", err)
	}
	<-ctx.Done()
	return nil
}
