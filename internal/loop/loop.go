// Package loop provides the serial execution queue that defines the
// "next tick" for change notifications.
//
// Functions added to a [Loop] run one at a time, in the order they were
// added, on a single goroutine owned by the loop. Adding never blocks and
// never runs the function synchronously, so a caller holding a lock can
// schedule work without re-entering itself.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// ErrShutdown is returned by [Loop.Wait] once the loop has been shut down.
var ErrShutdown = errors.New("loop: shut down")

// Loop is a FIFO execution queue drained by one goroutine.
//
// The queue is unbounded: producers are never blocked by slow consumers.
// All methods are safe for concurrent use.
type Loop struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New starts a [Loop]. If logger is nil, [slog.Default] is used.
//
// Call [Loop.Shutdown] to stop the goroutine.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Add schedules fn to run on the loop goroutine after everything added
// before it. Returns false if the loop has been shut down, in which case fn
// is discarded.
func (l *Loop) Add(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Wait blocks until every function added before the call has run, or ctx is
// done. It must not be called from the loop goroutine itself.
func (l *Loop) Wait(ctx context.Context) error {
	reached := make(chan struct{})
	if !l.Add(func() { close(reached) }) {
		return ErrShutdown
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting new work, runs whatever is already queued, and
// waits for the loop goroutine to exit. Safe to call multiple times.
func (l *Loop) Shutdown() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.runSafe(fn)
		}
	}
}

// runSafe calls fn with panic recovery so one faulty callback cannot stop
// the loop. The stack is logged with a correlation id.
func (l *Loop) runSafe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop callback panicked",
				"correlation_id", uuid.NewString(),
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
