// Package deferred provides a settle-once future used to hand asynchronous
// replies back to callers.
package deferred

import (
	"context"
	"sync"
)

// Deferred is a placeholder for a value that arrives later. It settles exactly
// once; later Resolve/Reject calls are ignored.
type Deferred[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// New returns an unsettled Deferred.
func New[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolve settles d with v. It reports whether this call settled d.
func (d *Deferred[T]) Resolve(v T) bool {
	settled := false
	d.once.Do(func() {
		d.val = v
		close(d.done)
		settled = true
	})
	return settled
}

// Reject settles d with err. It reports whether this call settled d.
func (d *Deferred[T]) Reject(err error) bool {
	settled := false
	d.once.Do(func() {
		d.err = err
		close(d.done)
		settled = true
	})
	return settled
}

// Done is closed once d settles.
func (d *Deferred[T]) Done() <-chan struct{} { return d.done }

// Settled reports whether d has a value or error.
func (d *Deferred[T]) Settled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Err returns the rejection error, or nil if d resolved or is still pending.
func (d *Deferred[T]) Err() error {
	if !d.Settled() {
		return nil
	}
	return d.err
}

// Wait blocks until d settles or ctx is done. Cancelling ctx does not settle d.
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.val, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
