package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bhandras/nbruntime/internal/backoff"
	"github.com/bhandras/nbruntime/internal/eventloop"
	"github.com/bhandras/nbruntime/internal/metrics"
	"github.com/bhandras/nbruntime/pkg/logger"
)

const closeWriteTimeout = time.Second

// WebSocketOptions configures a reconnecting websocket.
type WebSocketOptions struct {
	// URL returns the address to dial. It is called before every dial so a
	// relocated backend is picked up on reconnect.
	URL func() string
	// Header returns the handshake headers. Optional.
	Header func() http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// Policy is the dial backoff. MaxAttempts of zero retries forever.
	Policy backoff.Policy
	// Sleep defaults to backoff.Sleep.
	Sleep backoff.SleepFunc
	// ShouldReconnect decides whether an unexpected close is retried.
	// Defaults to !IsPermanentClose.
	ShouldReconnect func(code int, reason string) bool
}

// WebSocket is a Transport over a persistent socket that re-establishes itself
// after unexpected loss.
//
// Every connection attempt has a generation. Frames, closes and opens from a
// superseded generation are discarded, so a close is only ever emitted after
// the open it pairs with.
type WebSocket struct {
	opts WebSocketOptions
	subs *Subscriptions
	loop *eventloop.Loop

	mu         sync.Mutex
	state      ReadyState
	conn       *websocket.Conn
	gen        uint64
	opened     bool
	everOpened bool
	closed     bool
	cancelDial context.CancelFunc
	hooks      []func()

	writeMu sync.Mutex
}

// NewWebSocket returns an unstarted reconnecting websocket.
func NewWebSocket(opts WebSocketOptions) *WebSocket {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Sleep == nil {
		opts.Sleep = backoff.Sleep
	}
	if opts.Policy.Validate() != nil {
		opts.Policy = backoff.Default()
		opts.Policy.MaxAttempts = 0
	}
	if opts.ShouldReconnect == nil {
		opts.ShouldReconnect = func(code int, reason string) bool {
			return !IsPermanentClose(code, reason)
		}
	}
	return &WebSocket{
		opts: opts,
		subs: NewSubscriptions(),
		loop: eventloop.New(),
	}
}

// Subscribe implements Transport.
func (w *WebSocket) Subscribe(event Event, fn Listener) func() {
	return w.subs.Subscribe(event, fn)
}

// OnReconnect implements Transport.
func (w *WebSocket) OnReconnect(fn func()) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks = append(w.hooks, fn)
}

// ReadyState implements Transport.
func (w *WebSocket) ReadyState() ReadyState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Connect implements Transport. Calling it more than once has no effect.
func (w *WebSocket) Connect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.state != StateNotStarted {
		return nil
	}
	w.startDialLocked(false)
	return nil
}

// startDialLocked begins a new generation of connection attempts.
func (w *WebSocket) startDialLocked(delayFirst bool) {
	if w.cancelDial != nil {
		w.cancelDial()
	}
	w.gen++
	w.state = StateConnecting
	ctx, cancel := context.WithCancel(context.Background())
	w.cancelDial = cancel
	go w.dialLoop(ctx, w.gen, delayFirst)
}

func (w *WebSocket) dialLoop(ctx context.Context, gen uint64, delayFirst bool) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 || delayFirst {
			if err := w.opts.Sleep(ctx, w.opts.Policy.Delay(attempt)); err != nil {
				return
			}
		}

		var header http.Header
		if w.opts.Header != nil {
			header = w.opts.Header()
		}
		target := w.opts.URL()
		logger.Debugf("transport: dialing %s (attempt %d)", target, attempt+1)
		conn, _, err := w.opts.Dialer.DialContext(ctx, target, header)
		if err == nil {
			w.attach(gen, conn)
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Debugf("transport: dial failed: %v", err)
		w.emitIfCurrent(gen, Payload{Event: EventError, Err: err})

		if w.opts.Policy.Exhausted(attempt + 1) {
			w.giveUp(gen, err)
			return
		}
	}
}

func (w *WebSocket) giveUp(gen uint64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen || w.closed {
		return
	}
	logger.Errorf("transport: giving up after %d attempts: %v", w.opts.Policy.MaxAttempts, err)
	w.state = StateClosed
	w.enqueueLocked(Payload{
		Event: EventError,
		Err:   fmt.Errorf("%w after %d attempts: %v", ErrGaveUp, w.opts.Policy.MaxAttempts, err),
	})
}

func (w *WebSocket) attach(gen uint64, conn *websocket.Conn) {
	w.mu.Lock()
	if gen != w.gen || w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return
	}
	w.conn = conn
	w.state = StateOpen
	w.opened = true
	reconnected := w.everOpened
	w.everOpened = true
	w.enqueueLocked(Payload{Event: EventOpen})
	if reconnected {
		metrics.Reconnects.Inc()
		for _, hook := range w.hooks {
			hook := hook
			_ = w.loop.Do(hook)
		}
	}
	w.mu.Unlock()

	go w.readLoop(gen, conn)
}

func (w *WebSocket) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			w.lost(gen, err)
			return
		}
		if logger.Enabled(logger.LevelTrace) {
			logger.Tracef("transport: recv %d bytes", len(data))
		}
		w.emitIfCurrent(gen, Payload{Event: EventMessage, Data: data})
	}
}

// lost handles a connection that ended without Close or Reconnect.
func (w *WebSocket) lost(gen uint64, err error) {
	code, reason := websocket.CloseAbnormalClosure, ""
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen || w.closed {
		return
	}
	if w.conn != nil {
		_ = w.conn.Close()
		w.conn = nil
	}
	w.emitCloseLocked(code, reason)

	if !w.opts.ShouldReconnect(code, reason) {
		logger.Warnf("transport: connection closed (%d %s), not reconnecting", code, reason)
		w.gen++
		w.state = StateClosed
		return
	}
	logger.Infof("transport: connection lost (%d %s), reconnecting", code, reason)
	w.startDialLocked(true)
}

// Reconnect implements Transport. It is a no-op after Close.
func (w *WebSocket) Reconnect(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.conn != nil {
		closeConn(w.conn, code, reason)
		w.conn = nil
	}
	w.emitCloseLocked(code, reason)
	w.startDialLocked(false)
}

// Close implements Transport.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.gen++
	w.state = StateClosed
	if w.cancelDial != nil {
		w.cancelDial()
	}
	if w.conn != nil {
		closeConn(w.conn, websocket.CloseNormalClosure, "")
		w.conn = nil
	}
	w.emitCloseLocked(websocket.CloseNormalClosure, "")
	w.mu.Unlock()

	w.loop.Close()
	return nil
}

// Send implements Transport.
func (w *WebSocket) Send(data []byte) error {
	w.mu.Lock()
	conn, closed := w.conn, w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WebSocket) emitCloseLocked(code int, reason string) {
	if !w.opened {
		return
	}
	w.opened = false
	w.enqueueLocked(Payload{Event: EventClose, Code: code, Reason: reason})
}

func (w *WebSocket) emitIfCurrent(gen uint64, p Payload) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.gen || w.closed {
		return
	}
	w.enqueueLocked(p)
}

// enqueueLocked hands p to the event loop. Holding w.mu while enqueueing keeps
// event order consistent with generation changes.
func (w *WebSocket) enqueueLocked(p Payload) {
	_ = w.loop.Do(func() {
		if err := w.subs.Notify(p); err != nil {
			logger.Debugf("transport: %s listener failed: %v", p.Event, err)
		}
	})
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	_ = conn.Close()
}
