package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoop_RunsInOrder(t *testing.T) {
	l := New(testLogger())
	defer l.Shutdown()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Add(func() { got = append(got, i) })
	}
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if len(got) != 100 {
		t.Fatalf("ran %d functions, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestLoop_AddIsDeferred(t *testing.T) {
	l := New(testLogger())
	defer l.Shutdown()

	// hold the loop so Add cannot race to completion before the check
	release := make(chan struct{})
	l.Add(func() { <-release })

	var ran atomic.Bool
	l.Add(func() { ran.Store(true) })
	if ran.Load() {
		t.Error("Add() ran function synchronously")
	}
	close(release)

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !ran.Load() {
		t.Error("function did not run after Wait()")
	}
}

func TestLoop_AddFromCallback(t *testing.T) {
	l := New(testLogger())
	defer l.Shutdown()

	done := make(chan struct{})
	l.Add(func() {
		l.Add(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested Add() never ran")
	}
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	l := New(testLogger())
	defer l.Shutdown()

	var ran atomic.Bool
	l.Add(func() { panic("boom") })
	l.Add(func() { ran.Store(true) })

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !ran.Load() {
		t.Error("function after panic did not run")
	}
}

func TestLoop_Shutdown(t *testing.T) {
	l := New(testLogger())

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		l.Add(func() { count.Add(1) })
	}
	l.Shutdown()

	if got := count.Load(); got != 10 {
		t.Errorf("ran %d functions before shutdown, want 10", got)
	}
	if l.Add(func() {}) {
		t.Error("Add() after Shutdown() = true, want false")
	}
	if err := l.Wait(context.Background()); !errors.Is(err, ErrShutdown) {
		t.Errorf("Wait() after Shutdown() error = %v, want ErrShutdown", err)
	}

	// idempotent
	l.Shutdown()
}

func TestLoop_WaitContextCancelled(t *testing.T) {
	l := New(testLogger())
	defer l.Shutdown()

	release := make(chan struct{})
	defer close(release)
	l.Add(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() error = %v, want DeadlineExceeded", err)
	}
}

func TestLoop_ConcurrentAdd(t *testing.T) {
	l := New(testLogger())
	defer l.Shutdown()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Add(func() { count.Add(1) })
			}
		}()
	}
	wg.Wait()

	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := count.Load(); got != 1000 {
		t.Errorf("count = %d, want 1000", got)
	}
}
