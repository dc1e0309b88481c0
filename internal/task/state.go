package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// Status is the lifecycle state of a single task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is final. Terminal entries are never changed
// again; they are only deleted by stale pruning.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

const (
	defaultKeepStale   = 10
	defaultConcurrency = 1
)

// ErrInvalidState is returned when a task-state field does not have the
// expected shape.
var ErrInvalidState = errors.New("invalid task state")

// Entry is the record of one task inside a [State].
type Entry struct {
	UpdateTime int64  `json:"updateTime"`
	Status     Status `json:"status"`
	Data       any    `json:"data"`
	Result     any    `json:"result,omitempty"`
}

// State is the value of a task-state field: the bounded queue of active
// tasks plus the retained history of finished ones.
//
// The orchestrator always works on a [State.Clone] of the current value.
type State struct {
	KeepStale      int              `json:"keepStale"`
	Concurrency    int              `json:"concurrency"`
	DefaultActive  bool             `json:"defaultActive"`
	RequestSources []string         `json:"requestSources"`
	Stale          []string         `json:"stale"`
	Active         []string         `json:"active"`
	Task           map[string]Entry `json:"task"`
}

// Request is the value a requester writes into its request field.
type Request struct {
	ID   string `json:"id"`
	Data any    `json:"data"`
}

// StateOption configures a [State] created by [NewState].
type StateOption func(*State)

// WithKeepStale sets how many finished tasks are retained.
func WithKeepStale(n int) StateOption {
	return func(s *State) {
		s.KeepStale = n
	}
}

// WithConcurrency sets how many tasks may be pending or active at once.
// Submitting beyond the limit cancels the oldest task.
func WithConcurrency(n int) StateOption {
	return func(s *State) {
		s.Concurrency = n
	}
}

// WithDefaultActive sets whether new tasks start active (true) or pending
// until the handler activates them.
func WithDefaultActive(active bool) StateOption {
	return func(s *State) {
		s.DefaultActive = active
	}
}

// NewState returns an empty task state. Defaults: keep 10 finished tasks,
// concurrency 1, tasks start active.
func NewState(opts ...StateOption) State {
	s := State{
		KeepStale:      defaultKeepStale,
		Concurrency:    defaultConcurrency,
		DefaultActive:  true,
		RequestSources: []string{},
		Stale:          []string{},
		Active:         []string{},
		Task:           map[string]Entry{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Clone returns a deep copy of the queues and the task map. Data and Result
// values are shared.
func (s State) Clone() State {
	out := s
	out.RequestSources = slices.Clone(s.RequestSources)
	out.Stale = slices.Clone(s.Stale)
	out.Active = slices.Clone(s.Active)
	out.Task = make(map[string]Entry, len(s.Task))
	for id, e := range s.Task {
		out.Task[id] = e
	}
	return out
}

// HasSource reports whether source is a registered requester.
func (s State) HasSource(source string) bool {
	return slices.Contains(s.RequestSources, source)
}

// validate checks the invariants the orchestrator relies on.
func (s State) validate() error {
	switch {
	case s.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be at least 1, got %d", ErrInvalidState, s.Concurrency)
	case s.KeepStale < 0:
		return fmt.Errorf("%w: keepStale cannot be negative, got %d", ErrInvalidState, s.KeepStale)
	case s.Task == nil:
		return fmt.Errorf("%w: task map is missing", ErrInvalidState)
	}
	for _, id := range s.Active {
		if _, ok := s.Task[id]; !ok {
			return fmt.Errorf("%w: active task %q has no record", ErrInvalidState, id)
		}
	}
	for id, e := range s.Task {
		if !e.Status.valid() {
			return fmt.Errorf("%w: task %q has status %q", ErrInvalidState, id, e.Status)
		}
	}
	return nil
}

// requiredStateFields are the keys a generic map must carry to be read as a
// [State].
var requiredStateFields = []string{
	"keepStale", "concurrency", "defaultActive", "requestSources", "stale", "active", "task",
}

// Parse validates v as a task state. It accepts a [State], a *State, or a
// generic map as produced by decoding JSON or CBOR (for example after the
// field was overwritten through the introspection server).
//
// Parse is the only place task-state values are checked; every error wraps
// [ErrInvalidState].
func Parse(v any) (State, error) {
	var s State
	switch val := v.(type) {
	case State:
		s = val
	case *State:
		if val == nil {
			return State{}, fmt.Errorf("%w: nil", ErrInvalidState)
		}
		s = *val
	case map[string]any:
		for _, key := range requiredStateFields {
			if _, ok := val[key]; !ok {
				return State{}, fmt.Errorf("%w: missing field %q", ErrInvalidState, key)
			}
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
	default:
		return State{}, fmt.Errorf("%w: unexpected type %T", ErrInvalidState, v)
	}

	if err := s.validate(); err != nil {
		return State{}, err
	}
	return s, nil
}

// ParseRequest reads a request value. It accepts a [Request], a *Request,
// or a generic map with "id" and "data" keys. ok is false when the value is
// malformed: wrong type, empty id, or no data key.
func ParseRequest(v any) (req Request, ok bool) {
	switch val := v.(type) {
	case Request:
		req = val
	case *Request:
		if val == nil {
			return Request{}, false
		}
		req = *val
	case map[string]any:
		id, _ := val["id"].(string)
		data, hasData := val["data"]
		if !hasData {
			return Request{}, false
		}
		req = Request{ID: id, Data: data}
	default:
		return Request{}, false
	}
	if req.ID == "" {
		return Request{}, false
	}
	return req, true
}

// removeID returns ids without the first occurrence of id.
func removeID(ids []string, id string) []string {
	idx := slices.Index(ids, id)
	if idx < 0 {
		return ids
	}
	return slices.Delete(ids, idx, idx+1)
}

// retire moves id onto the stale queue and prunes the oldest stale entries
// beyond KeepStale, deleting their records. s must already be a clone.
func (s *State) retire(id string) {
	s.Stale = append(s.Stale, id)
	for len(s.Stale) > s.KeepStale {
		pruned := s.Stale[0]
		s.Stale = s.Stale[1:]
		delete(s.Task, pruned)
	}
}
