package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"

	"github.com/jpalmerr/statebus/internal/store"
)

var (
	// ErrNotHandled is returned by [Orchestrator.Submit] when the target has
	// no handler registered for the request field.
	ErrNotHandled = errors.New("task request not handled")

	// ErrCancelled is returned by [Orchestrator.Submit] when the task was
	// evicted by a newer one.
	ErrCancelled = errors.New("task cancelled")

	// ErrPruned is returned by [Orchestrator.Submit] when the task record
	// was deleted before a terminal status could be observed, which happens
	// when KeepStale is 0.
	ErrPruned = errors.New("task record pruned")

	// ErrDuplicateID is returned when a task id is already present.
	ErrDuplicateID = errors.New("duplicate task id")

	// ErrUnknownTask is returned when a task id is not present.
	ErrUnknownTask = errors.New("unknown task")

	// ErrNotPending is returned by [Orchestrator.Activate] for a task that
	// is not pending.
	ErrNotPending = errors.New("task not pending")

	// errOutcomeDropped aborts the outcome update for a task that already
	// reached a terminal state or was pruned.
	errOutcomeDropped = errors.New("task outcome dropped")
)

// FailedError is returned by [Orchestrator.Submit] when the handler failed.
type FailedError struct {
	ID      string
	Message string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.ID, e.Message)
}

// Handler does the work of one task. ctx is cancelled when the task is
// evicted or the orchestrator closes.
type Handler func(ctx context.Context, data any, id string) (any, error)

// Cleanup is called once for every task cancelled by eviction.
type Cleanup func(data any, id string)

// SourceID names the requester field (module, key) in RequestSources.
func SourceID(module, key string) string {
	return module + "." + key
}

type registration struct {
	owner        string
	taskStateKey string
	source       string
	requestKey   string
}

type runKey struct {
	owner        string
	taskStateKey string
	id           string
}

// Orchestrator registers task handlers and submits tasks.
//
// All state changes go through [store.Store.Update], so a task-state field
// is only ever modified by one read-modify-write at a time. Handlers run on
// their own goroutines.
type Orchestrator struct {
	store  *store.Store
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	handled map[registration]func()
	running map[runKey]context.CancelFunc
}

// New creates an [Orchestrator] on st. If logger is nil, [slog.Default] is
// used.
func New(st *store.Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   st,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		handled: make(map[registration]func()),
		running: make(map[runKey]context.CancelFunc),
	}
}

// Close unregisters every handler, cancels running handlers and waits for
// them to return.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	for reg, unsub := range o.handled {
		unsub()
		delete(o.handled, reg)
	}
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
}

// Wait blocks until no handler is running.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// HandleOption configures [Orchestrator.Handle].
type HandleOption func(*handleConfig)

type handleConfig struct {
	cleanup Cleanup
}

// WithCleanup sets the side effect run for every evicted task.
func WithCleanup(c Cleanup) HandleOption {
	return func(cfg *handleConfig) {
		cfg.cleanup = c
	}
}

// Handle makes owner serve requests written to source.requestKey, recording
// tasks in owner.taskStateKey. Registering the same combination twice is
// logged and ignored.
func (o *Orchestrator) Handle(owner, source, requestKey, taskStateKey string, h Handler, opts ...HandleOption) error {
	var cfg handleConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	reg := registration{owner: owner, taskStateKey: taskStateKey, source: source, requestKey: requestKey}
	log := o.logger.With("module", owner, "key", taskStateKey, "source", SourceID(source, requestKey))

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, dup := o.handled[reg]; dup {
		log.Warn("duplicate task handler registration ignored")
		return nil
	}

	sourceID := SourceID(source, requestKey)
	unsub, err := o.store.Subscribe(source, requestKey, func(cur, _ store.Entry) {
		o.receive(reg, h, cfg.cleanup, cur.Value)
	}, false)
	if err != nil {
		return fmt.Errorf("register handler for %s: %w", sourceID, err)
	}

	_, err = o.store.Update(owner, taskStateKey, func(cur store.Entry) (any, error) {
		st, err := Parse(cur.Value)
		if err != nil {
			return nil, err
		}
		if st.HasSource(sourceID) {
			return st, nil
		}
		st = st.Clone()
		st.RequestSources = append(st.RequestSources, sourceID)
		return st, nil
	})
	if err != nil {
		unsub()
		return fmt.Errorf("register handler for %s: %w", sourceID, err)
	}
	o.handled[reg] = unsub

	log.Debug("task handler registered")
	return nil
}

type evicted struct {
	id   string
	data any
}

// receive admits one request. It runs on the store notification goroutine.
func (o *Orchestrator) receive(reg registration, h Handler, cleanup Cleanup, value any) {
	log := o.logger.With("module", reg.owner, "key", reg.taskStateKey, "source", SourceID(reg.source, reg.requestKey))

	req, ok := ParseRequest(value)
	if !ok {
		log.Warn("malformed task request ignored", "value", fmt.Sprintf("%v", value))
		return
	}
	log = log.With("task_id", req.ID)

	var out []evicted
	_, err := o.store.Update(reg.owner, reg.taskStateKey, func(cur store.Entry) (any, error) {
		st, err := Parse(cur.Value)
		if err != nil {
			return nil, err
		}
		if _, exists := st.Task[req.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, req.ID)
		}

		st = st.Clone()
		now := o.store.Now()
		status := StatusPending
		if st.DefaultActive {
			status = StatusActive
		}
		st.Task[req.ID] = Entry{UpdateTime: now, Status: status, Data: req.Data}
		st.Active = append(st.Active, req.ID)

		out = out[:0]
		for len(st.Active) > st.Concurrency {
			oldest := st.Active[0]
			st.Active = st.Active[1:]
			e := st.Task[oldest]
			e.Status = StatusCancelled
			e.UpdateTime = now
			st.Task[oldest] = e
			out = append(out, evicted{id: oldest, data: e.Data})
			st.retire(oldest)
		}
		return st, nil
	})
	if err != nil {
		log.Warn("task request skipped", "error", err)
		return
	}

	for _, ev := range out {
		o.stop(reg, ev.id)
		log.Info("task cancelled by eviction", "evicted_id", ev.id)
		if cleanup != nil {
			o.cleanupSafe(cleanup, ev, log)
		}
	}

	o.start(reg, h, req, log)
}

// start runs h on its own goroutine and records the outcome. Nothing is
// started once the orchestrator is closed.
func (o *Orchestrator) start(reg registration, h Handler, req Request, log *slog.Logger) {
	key := runKey{owner: reg.owner, taskStateKey: reg.taskStateKey, id: req.ID}
	ctx, cancel := context.WithCancel(o.ctx)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		log.Debug("task not started, orchestrator closed")
		return
	}
	o.running[key] = cancel
	// added under mu so Close cannot reach wg.Wait before it
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, key)
			o.mu.Unlock()
			cancel()
		}()

		result, err := o.invokeSafe(ctx, h, req)
		o.finish(reg, req.ID, result, err, log)
	}()
}

// stop cancels the context of a running handler.
func (o *Orchestrator) stop(reg registration, id string) {
	key := runKey{owner: reg.owner, taskStateKey: reg.taskStateKey, id: id}
	o.mu.Lock()
	cancel, ok := o.running[key]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// finish commits the handler outcome, unless the task is already terminal
// or gone.
func (o *Orchestrator) finish(reg registration, id string, result any, herr error, log *slog.Logger) {
	_, err := o.store.Update(reg.owner, reg.taskStateKey, func(cur store.Entry) (any, error) {
		st, err := Parse(cur.Value)
		if err != nil {
			return nil, err
		}
		e, ok := st.Task[id]
		if !ok || e.Status.Terminal() {
			return nil, errOutcomeDropped
		}

		st = st.Clone()
		e.UpdateTime = o.store.Now()
		if herr != nil {
			e.Status = StatusFailed
			e.Result = herr.Error()
		} else {
			e.Status = StatusSuccess
			e.Result = result
		}
		st.Task[id] = e
		st.Active = removeID(st.Active, id)
		st.retire(id)
		return st, nil
	})

	switch {
	case errors.Is(err, errOutcomeDropped):
		log.Debug("task outcome dropped")
	case err != nil:
		log.Warn("task outcome not recorded", "error", err)
	case herr != nil:
		log.Warn("task failed", "error", herr)
	default:
		log.Debug("task succeeded")
	}
}

// invokeSafe calls h, converting a panic into an error carrying a
// correlation id. The stack is logged server-side.
func (o *Orchestrator) invokeSafe(ctx context.Context, h Handler, req Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			o.logger.Error("task handler panic",
				"correlation_id", correlationID,
				"task_id", req.ID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			result = nil
			err = fmt.Errorf("handler panic (correlation_id: %s)", correlationID)
		}
	}()
	return h(ctx, req.Data, req.ID)
}

func (o *Orchestrator) cleanupSafe(c Cleanup, ev evicted, log *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task cleanup panicked", "evicted_id", ev.id, "panic", fmt.Sprintf("%v", r))
		}
	}()
	c(ev.data, ev.id)
}

// Activate moves a pending task to active.
func (o *Orchestrator) Activate(owner, taskStateKey, id string) error {
	_, err := o.store.Update(owner, taskStateKey, func(cur store.Entry) (any, error) {
		st, err := Parse(cur.Value)
		if err != nil {
			return nil, err
		}
		e, ok := st.Task[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTask, id)
		}
		if e.Status != StatusPending {
			return nil, fmt.Errorf("%w: %q is %s", ErrNotPending, id, e.Status)
		}
		st = st.Clone()
		e.Status = StatusActive
		e.UpdateTime = o.store.Now()
		st.Task[id] = e
		return st, nil
	})
	return err
}

// SubmitOption configures [Orchestrator.Submit].
type SubmitOption func(*submitConfig)

type submitConfig struct {
	id string
}

// WithID sets the task id instead of a random one.
func WithID(id string) SubmitOption {
	return func(cfg *submitConfig) {
		cfg.id = id
	}
}

type outcome struct {
	result any
	err    error
}

// Submit writes a request for data into source.requestKey and waits for the
// handler registered on target.taskStateKey to finish it.
//
// Submit fails immediately with [ErrNotHandled] if no such handler is
// registered. Otherwise it returns the handler result on success, a
// [*FailedError] on failure, [ErrCancelled] if the task was evicted, or
// ctx.Err() if ctx ends first.
func (o *Orchestrator) Submit(ctx context.Context, source, requestKey, target, taskStateKey string, data any, opts ...SubmitOption) (any, error) {
	cfg := submitConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}

	cur, err := o.store.Get(target, taskStateKey)
	if err != nil {
		return nil, err
	}
	st, err := Parse(cur.Value)
	if err != nil {
		return nil, fmt.Errorf("submit to %s.%s: %w", target, taskStateKey, err)
	}
	if !st.HasSource(SourceID(source, requestKey)) {
		return nil, fmt.Errorf("%w: %s is not handled by %s.%s", ErrNotHandled, SourceID(source, requestKey), target, taskStateKey)
	}
	if _, exists := st.Task[id]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}

	done := make(chan outcome, 1)
	deliver := func(out outcome) {
		select {
		case done <- out:
		default:
		}
	}

	// every committed version of the task state is inspected, so a terminal
	// status cannot be missed between two waits
	seen := false
	unsub, err := o.store.Subscribe(target, taskStateKey, func(cur, _ store.Entry) {
		st, err := Parse(cur.Value)
		if err != nil {
			return
		}
		e, ok := st.Task[id]
		if !ok {
			if seen {
				deliver(outcome{err: fmt.Errorf("%w: %q", ErrPruned, id)})
			}
			return
		}
		seen = true
		switch e.Status {
		case StatusSuccess:
			deliver(outcome{result: e.Result})
		case StatusFailed:
			deliver(outcome{err: &FailedError{ID: id, Message: fmt.Sprint(e.Result)}})
		case StatusCancelled:
			deliver(outcome{err: fmt.Errorf("%w: %q", ErrCancelled, id)})
		}
	}, false)
	if err != nil {
		return nil, err
	}
	defer unsub()

	if err := o.store.Set(source, requestKey, Request{ID: id, Data: data}); err != nil {
		return nil, err
	}

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
