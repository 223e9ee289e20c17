// Package fanout delivers values to listeners and live connections.
package fanout

import "sync"

// Dispatcher invokes registered listeners whenever a value differs from the
// last value it dispatched.
type Dispatcher[T any] struct {
	equal func(a, b T) bool

	mu        sync.Mutex
	listeners map[int]func(T)
	next      int
	last      T
	hasLast   bool
}

// NewDispatcher builds a dispatcher comparing values with equal.
func NewDispatcher[T any](equal func(a, b T) bool) *Dispatcher[T] {
	return &Dispatcher[T]{equal: equal, listeners: make(map[int]func(T))}
}

// Subscribe registers fn and returns a func removing it.
func (d *Dispatcher[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	d.mu.Lock()
	id := d.next
	d.next++
	d.listeners[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.listeners, id)
		d.mu.Unlock()
	}
}

// Dispatch records v and calls every listener unless v equals the last
// dispatched value. Listeners run outside the lock on the caller's
// goroutine. It reports whether listeners were called.
func (d *Dispatcher[T]) Dispatch(v T) bool {
	d.mu.Lock()
	if d.hasLast && d.equal(d.last, v) {
		d.mu.Unlock()
		return false
	}
	d.last, d.hasLast = v, true
	fns := make([]func(T), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
	return true
}

// Last returns the most recently dispatched value.
func (d *Dispatcher[T]) Last() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.hasLast
}

// Reset forgets the last value so the next Dispatch always fires.
func (d *Dispatcher[T]) Reset() {
	d.mu.Lock()
	var zero T
	d.last, d.hasLast = zero, false
	d.mu.Unlock()
}
