// Package asyncval provides a single-slot, latest-value register with
// wait-for-change semantics. It is a latch, not a queue: a slow consumer
// observes every change *event* after its Get, but intermediate values may
// collapse into the latest one.
package asyncval

import (
	"context"
	"sync"
)

// WaitFunc blocks until the value changes, or ctx is cancelled. It is
// one-shot: it observes Puts that happen after the Get which produced it.
type WaitFunc func(ctx context.Context) error

// Value holds the latest value of type T. The zero Value is not usable;
// construct with New.
type Value[T any] struct {
	mu    sync.Mutex
	value T
	avail chan struct{}
}

// New returns a Value holding the initial value.
func New[T any](initial T) *Value[T] {
	return &Value[T]{value: initial, avail: make(chan struct{})}
}

// Put overwrites the current value and wakes all current waiters. Each Put
// starts a new wait generation, so a Get issued afterwards observes only
// subsequent Puts (no lost wakeups, no stale ones).
func (v *Value[T]) Put(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.value = value
	close(v.avail)
	v.avail = make(chan struct{})
}

// Get returns the current value and a one-shot wait for the next change.
func (v *Value[T]) Get() (T, WaitFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var avail = v.avail
	return v.value, func(ctx context.Context) error {
		select {
		case <-avail:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
