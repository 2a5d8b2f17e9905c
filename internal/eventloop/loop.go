// Package eventloop serializes work onto a single goroutine.
//
// Transports deliver every event through a Loop so subscribers observe
// events one at a time and in arrival order, the same guarantee a browser
// event loop gives. The queue is unbounded so a callback running on the loop
// may enqueue more work without deadlocking.
package eventloop

import (
	"errors"
	"sync"
)

// ErrClosed is returned when work is submitted to a closed loop.
var ErrClosed = errors.New("event loop closed")

type result struct {
	err error
}

// Loop runs submitted functions sequentially on one goroutine.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// New starts a loop.
func New() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Do enqueues fn without waiting for it to run.
func (l *Loop) Do(fn func()) error {
	if l == nil {
		return errors.New("event loop not initialized")
	}
	if fn == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return nil
}

// Call runs fn on the loop and waits for its result.
//
// Call must not be used from a function already running on the loop.
func (l *Loop) Call(fn func() error) error {
	if fn == nil {
		return nil
	}
	done := make(chan result, 1)
	if err := l.Do(func() { done <- result{err: fn()} }); err != nil {
		return err
	}
	select {
	case res := <-done:
		return res.err
	case <-l.done:
		// The loop drains its queue before exiting, so the result is ready.
		res := <-done
		return res.err
	}
}

// Flush waits until everything enqueued before the call has run.
func (l *Loop) Flush() error {
	return l.Call(func() error { return nil })
}

// Close stops accepting work. Already queued functions still run.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.cond.Broadcast()
}

// Done is closed once the loop goroutine exits.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}
