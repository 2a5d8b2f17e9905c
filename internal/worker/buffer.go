package worker

import (
	"context"
	"errors"

	"golang.org/x/time/rate"

	"github.com/bhandras/nbruntime/internal/metrics"
)

// Defaults for MessageBuffer.
const (
	DefaultBufferSize  = 256
	DefaultFlushRate   = 60
	DefaultMaxBatch    = 64
	defaultFlushBursts = 1
)

// ErrBufferClosed is returned by Push once the buffer has stopped.
var ErrBufferClosed = errors.New("message buffer closed")

// FlushFunc delivers one batch of frames.
type FlushFunc func(ctx context.Context, batch [][]byte) error

// MessageBuffer sits between the kernel and the host. Push blocks once size
// frames are waiting, so a chatty cell slows down instead of flooding the
// host. Run drains the buffer in batches at most flushRate times a second.
type MessageBuffer struct {
	queue    chan []byte
	limiter  *rate.Limiter
	maxBatch int
	flush    FlushFunc
	done     chan struct{}
}

// NewMessageBuffer returns a buffer delivering through flush. Zero values
// select the defaults.
func NewMessageBuffer(size int, flushRate float64, maxBatch int, flush FlushFunc) *MessageBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if flushRate <= 0 {
		flushRate = DefaultFlushRate
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &MessageBuffer{
		queue:    make(chan []byte, size),
		limiter:  rate.NewLimiter(rate.Limit(flushRate), defaultFlushBursts),
		maxBatch: maxBatch,
		flush:    flush,
		done:     make(chan struct{}),
	}
}

// Push queues frame, waiting while the buffer is full.
func (b *MessageBuffer) Push(ctx context.Context, frame []byte) error {
	select {
	case <-b.done:
		return ErrBufferClosed
	default:
	}
	select {
	case b.queue <- frame:
		metrics.WorkerBufferDepth.Set(float64(len(b.queue)))
		return nil
	case <-b.done:
		return ErrBufferClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued frames.
func (b *MessageBuffer) Len() int { return len(b.queue) }

// Run delivers batches until ctx ends. Frames still queued at that point are
// flushed once more, without pacing, before Run returns.
func (b *MessageBuffer) Run(ctx context.Context) error {
	defer close(b.done)
	for {
		var first []byte
		select {
		case first = <-b.queue:
		case <-ctx.Done():
			b.drain()
			return nil
		}
		if err := b.limiter.Wait(ctx); err != nil {
			b.deliver(context.Background(), b.collect(first))
			b.drain()
			return nil
		}
		if err := b.deliver(ctx, b.collect(first)); err != nil {
			return err
		}
	}
}

func (b *MessageBuffer) collect(first []byte) [][]byte {
	batch := [][]byte{first}
	for len(batch) < b.maxBatch {
		select {
		case frame := <-b.queue:
			batch = append(batch, frame)
		default:
			return batch
		}
	}
	return batch
}

func (b *MessageBuffer) deliver(ctx context.Context, batch [][]byte) error {
	metrics.WorkerBufferDepth.Set(float64(len(b.queue)))
	metrics.WorkerFlushes.Observe(float64(len(batch)))
	return b.flush(ctx, batch)
}

func (b *MessageBuffer) drain() {
	for {
		select {
		case first := <-b.queue:
			_ = b.deliver(context.Background(), b.collect(first))
		default:
			return
		}
	}
}
