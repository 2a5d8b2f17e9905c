package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bhandras/nbruntime/pkg/logger"
)

// Handler answers a request. Returning an *Error passes its code through;
// any other error is reported as CodeInternal.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler receives notifications from the other end.
type NotificationHandler func(method string, params json.RawMessage)

type reply struct {
	result json.RawMessage
	err    error
}

// Peer is one side of an rpc conversation.
//
// Requests are handled one at a time on the goroutine running Serve, so a
// worker that serves from a locked OS thread executes every handler there.
type Peer struct {
	name string
	conn *Conn

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan reply
	handlers map[string]Handler
	notifyFn NotificationHandler
	closed   bool
}

// NewPeer wraps conn. name is used in log lines.
func NewPeer(name string, conn *Conn) *Peer {
	return &Peer{
		name:     name,
		conn:     conn,
		pending:  make(map[int64]chan reply),
		handlers: make(map[string]Handler),
	}
}

// Handle registers the handler for method.
func (p *Peer) Handle(method string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = h
}

// OnNotification sets the notification handler.
func (p *Peer) OnNotification(fn NotificationHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notifyFn = fn
}

// Notify sends a notification. It blocks while the channel is full.
func (p *Peer) Notify(ctx context.Context, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return p.conn.Send(ctx, Message{Method: method, Params: raw})
}

// Call sends a request and waits for its reply.
func (p *Peer) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	id := p.nextID.Add(1)
	ch := make(chan reply, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.pending[id] = ch
	p.mu.Unlock()

	if err := p.conn.Send(ctx, Message{ID: id, Method: method, Params: raw}); err != nil {
		p.forget(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	case r := <-ch:
		return r.result, r.err
	}
}

// Call sends a request and decodes the reply into T.
func Call[T any](ctx context.Context, p *Peer, method string, params any) (T, error) {
	var out T
	raw, err := p.Call(ctx, method, params)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s reply: %w", method, err)
	}
	return out, nil
}

func (p *Peer) forget(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
}

// Serve reads messages until ctx ends or the channel closes. Pending calls
// fail with ErrClosed when it returns.
func (p *Peer) Serve(ctx context.Context) error {
	defer p.shutdown()
	for {
		msg, err := p.conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}

		switch {
		case msg.Method != "" && msg.ID != 0:
			p.dispatchRequest(ctx, msg)
		case msg.Method != "":
			p.dispatchNotification(msg)
		case msg.ID != 0:
			p.dispatchReply(msg)
		default:
			logger.Debugf("rpc %s: ignored empty message", p.name)
		}
	}
}

func (p *Peer) dispatchRequest(ctx context.Context, msg Message) {
	p.mu.Lock()
	h := p.handlers[msg.Method]
	p.mu.Unlock()

	resp := Message{ID: msg.ID}
	if h == nil {
		resp.Error = &Error{Code: CodeMethodNotFound, Message: "unknown method " + msg.Method}
	} else {
		result, err := h(ctx, msg.Params)
		switch {
		case err != nil:
			var rpcErr *Error
			if !errors.As(err, &rpcErr) {
				rpcErr = &Error{Code: CodeInternal, Message: err.Error()}
			}
			resp.Error = rpcErr
		case result != nil:
			raw, err := json.Marshal(result)
			if err != nil {
				resp.Error = &Error{Code: CodeInternal, Message: err.Error()}
			} else {
				resp.Result = raw
			}
		}
	}

	if err := p.conn.Send(ctx, resp); err != nil {
		logger.Debugf("rpc %s: reply to %s dropped: %v", p.name, msg.Method, err)
	}
}

func (p *Peer) dispatchNotification(msg Message) {
	p.mu.Lock()
	fn := p.notifyFn
	p.mu.Unlock()
	if fn == nil {
		logger.Debugf("rpc %s: notification dropped (no handler): %s", p.name, msg.Method)
		return
	}
	fn(msg.Method, msg.Params)
}

func (p *Peer) dispatchReply(msg Message) {
	p.mu.Lock()
	ch, ok := p.pending[msg.ID]
	delete(p.pending, msg.ID)
	p.mu.Unlock()
	if !ok {
		logger.Tracef("rpc %s: reply for unknown id %d", p.name, msg.ID)
		return
	}
	r := reply{result: msg.Result}
	if msg.Error != nil {
		r.err = msg.Error
	}
	ch <- r
}

func (p *Peer) shutdown() {
	p.mu.Lock()
	p.closed = true
	pending := p.pending
	p.pending = make(map[int64]chan reply)
	p.mu.Unlock()

	for _, ch := range pending {
		select {
		case ch <- reply{err: ErrClosed}:
		default:
		}
	}
}

// Close closes the underlying channel, which stops Serve on both ends.
func (p *Peer) Close() error {
	return p.conn.Close()
}
