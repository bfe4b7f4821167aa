// Package turnstile provides keyed mutual exclusion with first-come,
// first-served ordering.
//
// sync.Mutex makes no fairness promise, so two requests from one origin
// could be decided out of the order they were issued. A Turnstile hands each
// key to waiters strictly in arrival order, and a waiter whose context ends
// leaves the line without disturbing anyone behind it.
package turnstile

import (
	"context"
	"sync"
)

type waiter struct {
	ready   chan struct{}
	granted bool
}

type line struct {
	held    bool
	waiters []*waiter
}

// Turnstile is a set of FIFO locks keyed by string. The zero value is not
// usable; call New.
type Turnstile struct {
	mu    sync.Mutex
	lines map[string]*line
}

func New() *Turnstile {
	return &Turnstile{lines: make(map[string]*line)}
}

// Acquire blocks until key is free and every earlier caller for key has had
// its turn. The returned release func must be called exactly once.
func (t *Turnstile) Acquire(ctx context.Context, key string) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	l, ok := t.lines[key]
	if !ok {
		l = &line{}
		t.lines[key] = l
	}
	if !l.held && len(l.waiters) == 0 {
		l.held = true
		t.mu.Unlock()
		return t.releaser(key), nil
	}
	w := &waiter{ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	t.mu.Unlock()

	select {
	case <-w.ready:
		return t.releaser(key), nil
	case <-ctx.Done():
		t.mu.Lock()
		if w.granted {
			// Handed the turn just as we gave up; pass it on.
			t.mu.Unlock()
			t.release(key)
			return nil, ctx.Err()
		}
		for i, other := range l.waiters {
			if other == w {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *Turnstile) releaser(key string) func() {
	var once sync.Once
	return func() { once.Do(func() { t.release(key) }) }
}

func (t *Turnstile) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.lines[key]
	if !ok {
		return
	}
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		next.granted = true
		close(next.ready)
		return
	}
	l.held = false
	delete(t.lines, key)
}

// Waiting returns how many callers are queued behind the current holder of
// key.
func (t *Turnstile) Waiting(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.lines[key]; ok {
		return len(l.waiters)
	}
	return 0
}

// Held reports whether someone currently holds key.
func (t *Turnstile) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.lines[key]
	return ok && l.held
}
