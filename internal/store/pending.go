package store

import (
	"context"
	"sync"
)

// Pending is a wait for the next change of one field.
//
// The zero value is not usable; create one with [Store.StateChange].
type Pending struct {
	ch     chan Change
	once   sync.Once
	cancel func()
}

// StateChange registers a one-shot listener on the field and returns a
// [Pending] that completes with the next committed change.
//
// Call [Pending.Cancel] when the change is no longer wanted; otherwise the
// listener stays registered until the field changes.
func (s *Store) StateChange(module, key string) (*Pending, error) {
	if _, err := s.entry(module, key); err != nil {
		return nil, err
	}
	p := &Pending{ch: make(chan Change, 1)}
	t := topic{module: module, key: key}
	// once listeners fire at most once, so the buffered send never blocks
	sub := s.subs.add(t, func(c Change) { p.ch <- c }, true)
	p.cancel = func() { s.subs.remove(t, sub) }
	return p, nil
}

// NextChange waits for the next change of the field or for ctx to be done.
func (s *Store) NextChange(ctx context.Context, module, key string) (Change, error) {
	p, err := s.StateChange(module, key)
	if err != nil {
		return Change{}, err
	}
	return p.Wait(ctx)
}

// Done returns a channel that receives the change once it happens. After
// [Pending.Cancel] it only receives a change whose delivery had already
// started.
func (p *Pending) Done() <-chan Change {
	return p.ch
}

// Wait blocks until the change happens or ctx is done. On cancellation the
// listener is removed before Wait returns.
func (p *Pending) Wait(ctx context.Context) (Change, error) {
	select {
	case c := <-p.ch:
		return c, nil
	case <-ctx.Done():
		p.Cancel()
		return Change{}, ctx.Err()
	}
}

// Cancel unregisters the listener. Safe to call more than once.
func (p *Pending) Cancel() {
	p.once.Do(p.cancel)
}
