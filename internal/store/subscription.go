package store

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type topic struct {
	module string
	key    string
}

type subscription struct {
	id      uint64
	fn      func(Change)
	once    bool
	removed atomic.Bool
}

// registry indexes listeners by field plus a global list.
//
// Listener slices are copy-on-write: fire iterates the slice it loaded while
// add and remove install new slices, so listeners may subscribe and
// unsubscribe from inside a callback.
type registry struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	topics map[topic][]*subscription
	all    []*subscription
}

func newRegistry(logger *slog.Logger) *registry {
	return &registry{
		logger: logger,
		topics: make(map[topic][]*subscription),
	}
}

func (r *registry) add(t topic, fn func(Change), once bool) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &subscription{id: r.nextID, fn: fn, once: once}
	r.topics[t] = append(slices.Clip(r.topics[t]), sub)
	return sub
}

func (r *registry) addGlobal(fn func(Change)) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &subscription{id: r.nextID, fn: fn}
	r.all = append(slices.Clip(r.all), sub)
	return sub
}

func (r *registry) remove(t topic, sub *subscription) {
	sub.removed.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.topics[t]
	idx := slices.Index(list, sub)
	if idx < 0 {
		return
	}
	next := slices.Delete(slices.Clone(list), idx, idx+1)
	if len(next) == 0 {
		delete(r.topics, t)
		return
	}
	r.topics[t] = next
}

func (r *registry) removeGlobal(sub *subscription) {
	sub.removed.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.Index(r.all, sub)
	if idx < 0 {
		return
	}
	r.all = slices.Delete(slices.Clone(r.all), idx, idx+1)
}

// count returns the number of listeners on t. Used by tests to check that
// cancelled waits do not leak.
func (r *registry) count(t topic) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[t])
}

// fire delivers c to the field listeners and then the global listeners, each
// in registration order.
func (r *registry) fire(c Change) {
	t := topic{module: c.Module, key: c.Key}

	r.mu.Lock()
	list := r.topics[t]
	all := r.all
	r.mu.Unlock()

	for _, sub := range list {
		if sub.once {
			// claim the single delivery before running the callback
			if !sub.removed.CompareAndSwap(false, true) {
				continue
			}
			r.remove(t, sub)
		} else if sub.removed.Load() {
			continue
		}
		r.call(sub, c)
	}
	for _, sub := range all {
		if sub.removed.Load() {
			continue
		}
		r.call(sub, c)
	}
}

func (r *registry) call(sub *subscription, c Change) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("state listener panicked",
				"correlation_id", uuid.NewString(),
				"module", c.Module,
				"key", c.Key,
				"panic", fmt.Sprintf("%v", rec),
				"stack", string(debug.Stack()),
			)
		}
	}()
	c.Current = cloneEntry(c.Current)
	c.Previous = cloneEntry(c.Previous)
	sub.fn(c)
}
