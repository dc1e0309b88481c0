package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type transition struct {
	value, old any
}

func TestSubscribe_FiresOncePerWriteInOrder(t *testing.T) {
	s := newTestStore(t)

	var mu sync.Mutex
	var got []transition
	unsub, err := s.Subscribe("foo", "e", func(cur, prev Entry) {
		mu.Lock()
		got = append(got, transition{cur.Value, prev.Value})
		mu.Unlock()
	}, false)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsub()

	for i := 1; i <= 2; i++ {
		if err := s.Set("foo", "e", i); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	flush(t, s)

	mu.Lock()
	defer mu.Unlock()
	want := []transition{{1, 0}, {2, 1}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(transition{})); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe_NotCalledSynchronously(t *testing.T) {
	s := newTestStore(t)

	// block the loop so the notification cannot be delivered yet
	release := make(chan struct{})
	s.loop.Add(func() { <-release })

	called := make(chan struct{}, 1)
	unsub, _ := s.Subscribe("foo", "e", func(_, _ Entry) { called <- struct{}{} }, false)
	defer unsub()

	if err := s.Set("foo", "e", 1); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	select {
	case <-called:
		t.Fatal("listener ran before the next tick")
	default:
	}

	close(release)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("listener never ran")
	}
}

func TestSubscribe_WritesInSameTickResolveBeforeListeners(t *testing.T) {
	s := newTestStore(t)

	release := make(chan struct{})
	s.loop.Add(func() { <-release })

	var seen []any
	unsub, _ := s.Subscribe("foo", "e", func(_, _ Entry) {
		v, _ := s.Value("foo", "e")
		seen = append(seen, v)
	}, false)
	defer unsub()

	_ = s.Set("foo", "e", 1)
	_ = s.Set("foo", "e", 2)
	close(release)
	flush(t, s)

	// both notifications observe the final committed value
	if diff := cmp.Diff([]any{2, 2}, seen); diff != "" {
		t.Errorf("values seen by listener mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe_Once(t *testing.T) {
	s := newTestStore(t)

	calls := 0
	_, err := s.Subscribe("foo", "e", func(_, _ Entry) { calls++ }, true)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	_ = s.Set("foo", "e", 1)
	_ = s.Set("foo", "e", 2)
	flush(t, s)

	if calls != 1 {
		t.Errorf("once listener called %d times, want 1", calls)
	}
	if n := s.subs.count(topic{"foo", "e"}); n != 0 {
		t.Errorf("%d listeners registered after once fired, want 0", n)
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	s := newTestStore(t)

	calls := 0
	unsub, _ := s.Subscribe("foo", "e", func(_, _ Entry) { calls++ }, false)
	_ = s.Set("foo", "e", 1)
	flush(t, s)
	unsub()
	unsub() // idempotent
	_ = s.Set("foo", "e", 2)
	flush(t, s)

	if calls != 1 {
		t.Errorf("listener called %d times, want 1", calls)
	}
}

func TestSubscribe_RemoveDuringFire(t *testing.T) {
	s := newTestStore(t)

	var order []string
	var unsubB func()
	unsubA, _ := s.Subscribe("foo", "e", func(_, _ Entry) {
		order = append(order, "a")
		unsubB()
	}, false)
	defer unsubA()
	unsubB, _ = s.Subscribe("foo", "e", func(_, _ Entry) {
		order = append(order, "b")
	}, false)

	_ = s.Set("foo", "e", 1)
	flush(t, s)

	// b was removed by a before its turn and must not run
	if diff := cmp.Diff([]string{"a"}, order); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe_AddDuringFire(t *testing.T) {
	s := newTestStore(t)

	lateCalls := 0
	added := false
	unsub, _ := s.Subscribe("foo", "e", func(_, _ Entry) {
		if added {
			return
		}
		added = true
		_, _ = s.Subscribe("foo", "e", func(_, _ Entry) { lateCalls++ }, false)
	}, false)
	defer unsub()

	_ = s.Set("foo", "e", 1)
	flush(t, s)
	if lateCalls != 0 {
		t.Errorf("listener added during fire saw the in-flight change %d times, want 0", lateCalls)
	}

	_ = s.Set("foo", "e", 2)
	flush(t, s)
	if lateCalls != 1 {
		t.Errorf("listener added during fire called %d times on next write, want 1", lateCalls)
	}
}

func TestSubscribe_PanickingListenerDoesNotStopOthers(t *testing.T) {
	s := newTestStore(t)

	unsubA, _ := s.Subscribe("foo", "e", func(_, _ Entry) { panic("boom") }, false)
	defer unsubA()
	called := false
	unsubB, _ := s.Subscribe("foo", "e", func(_, _ Entry) { called = true }, false)
	defer unsubB()

	_ = s.Set("foo", "e", 1)
	flush(t, s)

	if !called {
		t.Error("second listener not called after first panicked")
	}
}

func TestSubscribeAll(t *testing.T) {
	s := newTestStore(t)

	var got []string
	unsub := s.SubscribeAll(func(c Change) {
		got = append(got, c.Module+"."+c.Key)
	})

	_ = s.Set("foo", "e", 1)
	_ = s.Set("bar", "b", map[string]any{"x": 1, "y": 1})
	flush(t, s)
	unsub()
	_ = s.Set("foo", "g", "late")
	flush(t, s)

	if diff := cmp.Diff([]string{"foo.e", "bar.b"}, got); diff != "" {
		t.Errorf("global changes mismatch (-want +got):\n%s", diff)
	}
}

func TestStateChange(t *testing.T) {
	s := newTestStore(t)

	p, err := s.StateChange("foo", "g")
	if err != nil {
		t.Fatalf("StateChange() error = %v", err)
	}
	_ = s.Set("foo", "g", "update")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if c.Current.Value != "update" || c.Previous.Value != "" {
		t.Errorf("change = (%v, %v), want (update, \"\")", c.Current.Value, c.Previous.Value)
	}
}

func TestStateChange_CancelDeregisters(t *testing.T) {
	s := newTestStore(t)

	p, err := s.StateChange("foo", "g")
	if err != nil {
		t.Fatalf("StateChange() error = %v", err)
	}
	if n := s.subs.count(topic{"foo", "g"}); n != 1 {
		t.Fatalf("%d listeners registered, want 1", n)
	}

	p.Cancel()
	p.Cancel()
	if n := s.subs.count(topic{"foo", "g"}); n != 0 {
		t.Errorf("%d listeners registered after Cancel(), want 0", n)
	}

	_ = s.Set("foo", "g", "update")
	flush(t, s)
	select {
	case <-p.Done():
		t.Error("cancelled wait received a change")
	default:
	}
}

func TestNextChange_ContextCancelled(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.NextChange(ctx, "foo", "g")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("NextChange() error = %v, want DeadlineExceeded", err)
	}
	if n := s.subs.count(topic{"foo", "g"}); n != 0 {
		t.Errorf("%d listeners left after cancelled wait, want 0", n)
	}
}
