package worker

import (
	"sync/atomic"
	"time"
)

// interruptSignal is the value the host writes to request an interrupt.
const interruptSignal = 2

const interruptPollInterval = 10 * time.Millisecond

// InterruptBuffer is the one piece of state shared between the host and the
// worker. The host writes it; the worker only polls it.
type InterruptBuffer struct {
	v atomic.Int32
}

// Interrupt asks the worker to stop the running cell.
func (b *InterruptBuffer) Interrupt() { b.v.Store(interruptSignal) }

// Reset clears a pending interrupt. The host calls it before each run.
func (b *InterruptBuffer) Reset() { b.v.Store(0) }

// Requested reports whether an interrupt is pending.
func (b *InterruptBuffer) Requested() bool { return b.v.Load() == interruptSignal }

// watch calls cancel once an interrupt is requested, until stop is closed.
func (b *InterruptBuffer) watch(stop <-chan struct{}, cancel func()) {
	ticker := time.NewTicker(interruptPollInterval)
	defer ticker.Stop()
	for {
		if b.Requested() {
			cancel()
			return
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}
