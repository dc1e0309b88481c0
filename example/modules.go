package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpalmerr/statebus"
)

// schema declares the fields of the demo modules.
func schema() statebus.Schema {
	return statebus.Schema{
		"foo": {
			"a":           []int{1, 2, 3, 5},
			"b":           map[string]any{"x": 0, "y": 0},
			"c":           true,
			"d":           0,
			"additionReq": nil,
			"pendingReq":  nil,
		},
		"bar": {
			"additionTask": statebus.NewTaskState(),
			"pendingTask":  statebus.NewTaskState(statebus.WithDefaultActive(false)),
		},
	}
}

// Foo counts upward by asking bar to add one to its counter d on every tick.
type Foo struct {
	Interval time.Duration
}

func (f *Foo) Init(ctx context.Context, h *statebus.Handle) error {
	if f.Interval <= 0 {
		return errors.New("foo: interval must be positive")
	}
	if err := h.SetStatus(statebus.StatusOnline, ""); err != nil {
		return err
	}
	go f.run(ctx, h)
	return nil
}

func (f *Foo) run(ctx context.Context, h *statebus.Handle) {
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d, err := h.GetState("foo", "d")
		if err != nil {
			h.Logger().Error("failed to read counter", "error", err)
			continue
		}
		sum, err := h.SubmitTask(ctx, "additionReq", "bar", "additionTask", []any{d, 1})
		if err != nil {
			if ctx.Err() == nil {
				h.Logger().Warn("addition failed", "error", err)
			}
			continue
		}
		if err := h.SetState(map[string]any{"d": sum}); err != nil {
			h.Logger().Error("failed to write counter", "error", err)
		}
	}
}

// Bar serves additions for foo, and echoes tasks written to foo.pendingReq
// after holding them pending for ActivateAfter.
type Bar struct {
	ActivateAfter time.Duration
}

func (b *Bar) Init(_ context.Context, h *statebus.Handle) error {
	if err := h.HandleTask("foo", "additionReq", "additionTask", add); err != nil {
		return err
	}

	err := h.HandleTask("foo", "pendingReq", "pendingTask", func(ctx context.Context, data any, id string) (any, error) {
		select {
		case <-time.After(b.ActivateAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if err := h.ActivateTask("pendingTask", id); err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return err
	}

	return h.SetStatus(statebus.StatusOnline, "")
}

// add sums a pair of numbers. Pairs written through the introspection server
// arrive as []any of float64.
func add(_ context.Context, data any, _ string) (any, error) {
	var pair []any
	switch v := data.(type) {
	case []any:
		pair = v
	case []int:
		pair = []any{}
		for _, n := range v {
			pair = append(pair, n)
		}
	default:
		return nil, fmt.Errorf("want a pair of numbers, got %T", data)
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("want a pair of numbers, got %d values", len(pair))
	}

	a, okA := number(pair[0])
	b, okB := number(pair[1])
	if !okA || !okB {
		return nil, fmt.Errorf("want a pair of numbers, got %v", pair)
	}
	if a == float64(int(a)) && b == float64(int(b)) {
		return int(a) + int(b), nil
	}
	return a + b, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
