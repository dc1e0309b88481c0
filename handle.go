package statebus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Handle is a module's access to the bus. It writes only the module's own
// fields and reads or watches any field.
//
// A Handle is safe for concurrent use.
type Handle struct {
	name   string
	bus    *Bus
	logger *slog.Logger
}

func (b *Bus) handle(module string) *Handle {
	return &Handle{
		name:   module,
		bus:    b,
		logger: b.logger.With("module", module),
	}
}

// Name returns the module name.
func (h *Handle) Name() string {
	return h.name
}

// Logger returns the bus logger with a "module" attribute.
func (h *Handle) Logger() *slog.Logger {
	return h.logger
}

// SetState writes each key of update into the module's own fields. Every
// key is checked before anything is written, so an unknown key or an invalid
// status leaves the module unchanged.
func (h *Handle) SetState(update map[string]any) error {
	values := make(map[string]any, len(update))
	keys := make([]string, 0, len(update))
	for key, value := range update {
		if _, err := h.bus.store.UpdateTime(h.name, key); err != nil {
			return err
		}
		if key == StatusKey {
			status, err := statusValue(value)
			if err != nil {
				return err
			}
			value = status
		}
		values[key] = value
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := h.bus.store.Set(h.name, key, values[key]); err != nil {
			return err
		}
	}
	return nil
}

// SwapState atomically replaces one of the module's fields with the result
// of fn applied to its current entry. fn must not call back into the bus.
// If fn returns an error nothing is written.
func (h *Handle) SwapState(key string, fn func(current Entry) (any, error)) (Entry, error) {
	if key != StatusKey {
		return h.bus.store.Update(h.name, key, fn)
	}
	return h.bus.store.Update(h.name, key, func(current Entry) (any, error) {
		value, err := fn(current)
		if err != nil {
			return nil, err
		}
		return statusValue(value)
	})
}

// statusValue checks a value written to the status field and returns it as
// a plain string.
func statusValue(v any) (string, error) {
	var status Status
	switch s := v.(type) {
	case Status:
		status = s
	case string:
		status = Status(s)
	default:
		return "", fmt.Errorf("invalid module status %v of type %T", v, v)
	}
	if !status.Valid() {
		return "", fmt.Errorf("invalid module status %q", status)
	}
	return string(status), nil
}

// SetStatus reports the module status and its message.
func (h *Handle) SetStatus(status Status, message string) error {
	if !status.Valid() {
		return fmt.Errorf("invalid module status %q", status)
	}
	return h.SetState(map[string]any{
		StatusKey:        string(status),
		StatusMessageKey: message,
	})
}

// GetState returns the current value of any module's field.
func (h *Handle) GetState(module, key string) (any, error) {
	return h.bus.store.Value(module, key)
}

// Fresh returns the field value only if it was written within maxAge.
func (h *Handle) Fresh(module, key string, maxAge time.Duration) (any, bool, error) {
	return h.bus.store.Fresh(module, key, maxAge)
}

// UpdateTime returns the write time of the field in milliseconds, or 0 if it
// has never been written.
func (h *Handle) UpdateTime(module, key string) (int64, error) {
	return h.bus.store.UpdateTime(module, key)
}

// Subscribe calls listener after every change of the field. Listeners run
// on the notification goroutine, never inside the write that caused them.
// The returned function unregisters the listener.
func (h *Handle) Subscribe(module, key string, listener Listener) (func(), error) {
	return h.bus.store.Subscribe(module, key, listener, false)
}

// SubscribeOnce calls listener after the next change of the field only.
func (h *Handle) SubscribeOnce(module, key string, listener Listener) (func(), error) {
	return h.bus.store.Subscribe(module, key, listener, true)
}

// StateChange returns a cancellable wait for the next change of the field.
func (h *Handle) StateChange(module, key string) (*Pending, error) {
	return h.bus.store.StateChange(module, key)
}

// NextChange waits for the next change of the field or for ctx to be done.
func (h *Handle) NextChange(ctx context.Context, module, key string) (Change, error) {
	return h.bus.store.NextChange(ctx, module, key)
}

// HandleTask serves task requests that module source writes into its field
// requestKey. Tasks are recorded in this module's field taskStateKey, which
// must hold a [TaskState].
func (h *Handle) HandleTask(source, requestKey, taskStateKey string, handler TaskHandler, opts ...TaskOption) error {
	return h.bus.tasks.Handle(h.name, source, requestKey, taskStateKey, handler, opts...)
}

// SubmitTask writes a request for data into this module's field requestKey
// and waits for the handler of target's taskStateKey to finish it.
//
// It fails immediately with [ErrTaskNotHandled] when target does not serve
// requests from this module's requestKey.
func (h *Handle) SubmitTask(ctx context.Context, requestKey, target, taskStateKey string, data any, opts ...SubmitOption) (any, error) {
	return h.bus.tasks.Submit(ctx, h.name, requestKey, target, taskStateKey, data, opts...)
}

// ActivateTask moves a pending task of this module's taskStateKey to active.
func (h *Handle) ActivateTask(taskStateKey, id string) error {
	return h.bus.tasks.Activate(h.name, taskStateKey, id)
}
