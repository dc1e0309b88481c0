package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jpalmerr/statebus/internal/clock"
	"github.com/jpalmerr/statebus/internal/loop"
)

// Store is the in-memory field table.
//
// Store is safe for concurrent use. Every mutation goes through [Store.Set]
// or [Store.Update], which commit under a single lock and queue the change
// notification before releasing it, so notifications for one field are
// delivered in commit order.
type Store struct {
	clock  clock.Clock
	logger *slog.Logger
	loop   *loop.Loop
	subs   *registry

	mu     sync.RWMutex
	fields map[string]map[string]Entry
}

// Option configures a [Store].
type Option func(*Store)

// WithClock sets the timestamp source. Defaults to [clock.System].
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithLogger sets the logger used for listener failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a [Store] seeded with the schema defaults. Every entry starts
// with UpdateTime 0. The schema and its default values are copied; later
// changes to them do not affect the store.
//
// Call [Store.Close] to stop the notification goroutine.
func New(schema Schema, opts ...Option) *Store {
	s := &Store{
		clock:  clock.System,
		logger: slog.Default(),
		fields: make(map[string]map[string]Entry, len(schema)),
	}
	for _, opt := range opts {
		opt(s)
	}

	for module, defaults := range schema {
		entries := make(map[string]Entry, len(defaults))
		for key, value := range defaults {
			entries[key] = Entry{Value: cloneValue(value)}
		}
		s.fields[module] = entries
	}

	s.loop = loop.New(s.logger)
	s.subs = newRegistry(s.logger)
	return s
}

// Now returns the current time of the store clock in milliseconds.
func (s *Store) Now() int64 {
	return s.clock.NowMillis()
}

// Close stops the notification goroutine after delivering everything
// already queued. Writes after Close are committed but not notified.
func (s *Store) Close() {
	s.loop.Shutdown()
}

// Flush blocks until every notification queued before the call has been
// delivered. It must not be called from inside a listener.
func (s *Store) Flush(ctx context.Context) error {
	return s.loop.Wait(ctx)
}

// lookup returns the current entry. Caller must hold s.mu.
func (s *Store) lookup(module, key string) (Entry, error) {
	entries, ok := s.fields[module]
	if !ok {
		return Entry{}, &FieldError{Module: module, Err: ErrUnknownModule}
	}
	entry, ok := entries[key]
	if !ok {
		return Entry{}, &FieldError{Module: module, Key: key, Err: ErrUnknownField}
	}
	return entry, nil
}

// commit installs value and queues the notification. Caller must hold s.mu
// for writing.
func (s *Store) commit(module, key string, previous Entry, value any) Entry {
	now := s.clock.NowMillis()
	if now < previous.UpdateTime {
		now = previous.UpdateTime
	}
	current := Entry{Value: value, UpdateTime: now}
	s.fields[module][key] = current

	change := Change{Module: module, Key: key, Current: current, Previous: previous}
	s.loop.Add(func() { s.subs.fire(change) })
	return current
}

// Set writes a copy of value to the field. Writing a value equal to the
// current one is still a change: the timestamp moves and listeners fire.
func (s *Store) Set(module, key string, value any) error {
	value = cloneValue(value)

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.lookup(module, key)
	if err != nil {
		return err
	}
	s.commit(module, key, previous, value)
	return nil
}

// Update atomically replaces the field with fn's result. fn runs with the
// store locked, receives a copy of the current entry and must not call back
// into the store. If fn returns an error nothing is written and that error
// is returned.
func (s *Store) Update(module, key string, fn UpdateFunc) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.lookup(module, key)
	if err != nil {
		return Entry{}, err
	}
	value, err := fn(cloneEntry(previous))
	if err != nil {
		return Entry{}, err
	}
	return cloneEntry(s.commit(module, key, previous, cloneValue(value))), nil
}

// Get returns a copy of the current entry of the field.
func (s *Store) Get(module, key string) (Entry, error) {
	entry, err := s.entry(module, key)
	if err != nil {
		return Entry{}, err
	}
	return cloneEntry(entry), nil
}

// entry returns the stored entry without copying its value.
func (s *Store) entry(module, key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(module, key)
}

// Value returns the current value of the field.
func (s *Store) Value(module, key string) (any, error) {
	entry, err := s.Get(module, key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// Fresh returns the field value only if it was written within maxAge.
// ok is false when the value is older, which includes a field that still
// holds its default.
func (s *Store) Fresh(module, key string, maxAge time.Duration) (value any, ok bool, err error) {
	entry, err := s.entry(module, key)
	if err != nil {
		return nil, false, err
	}
	if entry.UpdateTime == 0 || s.clock.NowMillis()-entry.UpdateTime > maxAge.Milliseconds() {
		return nil, false, nil
	}
	return cloneValue(entry.Value), true, nil
}

// UpdateTime returns the write time of the field, or 0 if it has never been
// written.
func (s *Store) UpdateTime(module, key string) (int64, error) {
	entry, err := s.entry(module, key)
	if err != nil {
		return 0, err
	}
	return entry.UpdateTime, nil
}

// Subscribe registers listener for every change of the field committed after
// this call. With once set, the listener is removed after its first call.
// The returned function unregisters the listener; it is safe to call more
// than once and from inside a listener.
func (s *Store) Subscribe(module, key string, listener Listener, once bool) (func(), error) {
	if _, err := s.entry(module, key); err != nil {
		return nil, err
	}
	t := topic{module: module, key: key}
	sub := s.subs.add(t, func(c Change) { listener(c.Current, c.Previous) }, once)
	return func() { s.subs.remove(t, sub) }, nil
}

// SubscribeAll registers listener for changes of any field. Field listeners
// of a change run before global ones.
func (s *Store) SubscribeAll(listener func(Change)) func() {
	sub := s.subs.addGlobal(listener)
	return func() { s.subs.removeGlobal(sub) }
}

// Modules returns the module names in sorted order.
func (s *Store) Modules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.fields))
	for name := range s.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Keys returns the keys declared for module in sorted order.
func (s *Store) Keys(module string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.fields[module]
	if !ok {
		return nil, &FieldError{Module: module, Err: ErrUnknownModule}
	}
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// ModuleSnapshot returns a deep copy of the entries of one module.
func (s *Store) ModuleSnapshot(module string) (map[string]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.fields[module]
	if !ok {
		return nil, &FieldError{Module: module, Err: ErrUnknownModule}
	}
	out := make(map[string]Entry, len(entries))
	for key, entry := range entries {
		out[key] = cloneEntry(entry)
	}
	return out, nil
}

// Snapshot returns a deep copy of the entries of every module.
func (s *Store) Snapshot() map[string]map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]Entry, len(s.fields))
	for module, entries := range s.fields {
		cp := make(map[string]Entry, len(entries))
		for key, entry := range entries {
			cp[key] = cloneEntry(entry)
		}
		out[module] = cp
	}
	return out
}
