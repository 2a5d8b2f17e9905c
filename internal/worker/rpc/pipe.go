// Package rpc is the structured channel between the host and a worker
// goroutine. Both ends are symmetric peers: either side may call methods on
// the other, send notifications, and register handlers.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned once either end of a pipe has been closed.
var ErrClosed = errors.New("rpc channel closed")

// Error codes carried in replies.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	// CodeNotSupported marks operations the remote side cannot perform.
	CodeNotSupported = -32001
)

// Message is one frame on the channel. Requests carry ID and Method,
// notifications only Method, replies only ID.
type Message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a failure reported by the remote handler.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Conn is one end of a pipe. Messages are values; the two ends share nothing
// but the channels between them.
type Conn struct {
	in   <-chan Message
	out  chan<- Message
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected ends. buffer is the capacity of each direction.
func Pipe(buffer int) (*Conn, *Conn) {
	ab := make(chan Message, buffer)
	ba := make(chan Message, buffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &Conn{in: ba, out: ab, done: done, once: once},
		&Conn{in: ab, out: ba, done: done, once: once}
}

// Send queues m for the other end.
func (c *Conn) Send(ctx context.Context, m Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- m:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv waits for the next message.
func (c *Conn) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close closes both ends.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Done is closed when the pipe is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }
