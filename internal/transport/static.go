package transport

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bhandras/nbruntime/internal/eventloop"
	"github.com/bhandras/nbruntime/pkg/logger"
)

// Producer feeds inbound frames into a Static transport. It is called once,
// when the first message listener subscribes, and keeps emit for as long as
// it has frames to deliver.
type Producer func(emit func(data []byte))

// Static is an in-process transport with no network. Send loops frames back
// to message listeners. With a Producer it becomes the inbound side of an
// in-process backend such as the worker bridge or a frozen snapshot.
type Static struct {
	subs     *Subscriptions
	loop     *eventloop.Loop
	producer Producer
	produce  sync.Once

	mu      sync.Mutex
	started bool
	closed  bool
	hooks   []func()
}

// NewStatic returns an unstarted loopback transport.
func NewStatic() *Static {
	return NewStaticWithProducer(nil)
}

// NewStaticWithProducer returns an unstarted transport fed by producer.
func NewStaticWithProducer(producer Producer) *Static {
	return &Static{
		subs:     NewSubscriptions(),
		loop:     eventloop.New(),
		producer: producer,
	}
}

// Subscribe implements Transport. The first message listener starts the
// producer.
func (s *Static) Subscribe(event Event, fn Listener) func() {
	unsubscribe := s.subs.Subscribe(event, fn)
	if event == EventMessage && s.producer != nil {
		s.produce.Do(func() { s.producer(s.emitMessage) })
	}
	return unsubscribe
}

// OnReconnect implements Transport.
func (s *Static) OnReconnect(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// ReadyState implements Transport.
func (s *Static) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return StateClosed
	case !s.started:
		return StateNotStarted
	}
	return StateOpen
}

// Connect emits open. Calling it more than once has no effect.
func (s *Static) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}
	s.started = true
	s.enqueueLocked(Payload{Event: EventOpen})
	return nil
}

// Send loops data back to message listeners.
func (s *Static) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.enqueueLocked(Payload{Event: EventMessage, Data: data})
	return nil
}

func (s *Static) emitMessage(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.enqueueLocked(Payload{Event: EventMessage, Data: data})
}

// Reconnect emits close followed by open and then runs reconnect hooks.
func (s *Static) Reconnect(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.enqueueLocked(Payload{Event: EventClose, Code: code, Reason: reason})
	s.enqueueLocked(Payload{Event: EventOpen})
	for _, hook := range s.hooks {
		_ = s.loop.Do(hook)
	}
}

// Close emits close and stops delivery.
func (s *Static) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.enqueueLocked(Payload{Event: EventClose, Code: websocket.CloseNormalClosure})
	s.closed = true
	s.mu.Unlock()

	s.loop.Close()
	return nil
}

// Flush waits until every event emitted so far has been delivered.
func (s *Static) Flush() error {
	return s.loop.Flush()
}

func (s *Static) enqueueLocked(p Payload) {
	_ = s.loop.Do(func() {
		if err := s.subs.Notify(p); err != nil {
			logger.Debugf("transport: %s listener failed: %v", p.Event, err)
		}
	})
}
