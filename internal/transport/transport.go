// Package transport is the event channel between the client and a backend.
//
// A Transport exposes four events (open, message, close, error) plus Send,
// Close and Reconnect. Three variants exist: WebSocket reconnects to a live
// server, Static is an in-process loopback that can be fed by a producer, and
// Disabled does nothing. Callers pick one at startup and never branch on the
// variant afterwards.
package transport

import (
	"errors"
	"strings"

	"github.com/gorilla/websocket"
)

// Event names a transport event channel.
type Event string

const (
	EventOpen    Event = "open"
	EventMessage Event = "message"
	EventClose   Event = "close"
	EventError   Event = "error"
)

// ReadyState is the coarse connection state.
type ReadyState int

const (
	StateNotStarted ReadyState = iota
	StateConnecting
	StateOpen
	StateClosed
)

// String returns the state name.
func (s ReadyState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Payload is what listeners receive. Only the fields relevant to Event are set.
type Payload struct {
	Event Event
	// Data is the frame of a message event.
	Data []byte
	// Err is set on error events.
	Err error
	// Code and Reason describe a close event.
	Code   int
	Reason string
}

// Listener handles one event. Returning an error stops delivery of the same
// notification to listeners registered after it.
type Listener func(Payload) error

// Transport is the channel abstraction shared by every backend.
type Transport interface {
	// Subscribe registers fn for event and returns a function that removes it.
	Subscribe(event Event, fn Listener) (unsubscribe func())
	// Connect starts the transport. It does not block on the network.
	Connect() error
	// Send writes one frame.
	Send(data []byte) error
	// Close shuts the transport down for good and emits close.
	Close() error
	// Reconnect drops the current connection, emits close, and emits open
	// again once a new connection is up.
	Reconnect(code int, reason string)
	// ReadyState reports the connection state.
	ReadyState() ReadyState
	// OnReconnect registers a hook run after every open that follows a close.
	OnReconnect(fn func())
}

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport closed")
	// ErrNotConnected is returned by Send while no connection is up.
	ErrNotConnected = errors.New("transport not connected")
	// ErrGaveUp is carried by the error event emitted when reconnect attempts
	// run out. No further events follow it.
	ErrGaveUp = errors.New("reconnect attempts exhausted")
)

// Close reasons sent by the backend when reconnecting cannot help.
const (
	ReasonAlreadyConnected   = "MARIMO_ALREADY_CONNECTED"
	ReasonWrongKernelID      = "MARIMO_WRONG_KERNEL_ID"
	ReasonNoFileKey          = "MARIMO_NO_FILE_KEY"
	ReasonShutdown           = "MARIMO_SHUTDOWN"
	ReasonMalformedQuery     = "MARIMO_MALFORMED_QUERY"
	ReasonKernelStartupError = "MARIMO_KERNEL_STARTUP_ERROR"
)

var permanentReasons = []string{
	ReasonAlreadyConnected,
	ReasonWrongKernelID,
	ReasonNoFileKey,
	ReasonShutdown,
	ReasonMalformedQuery,
	ReasonKernelStartupError,
}

// IsPermanentClose reports whether a close code/reason means the backend
// refused this session and a reconnect would be refused again.
func IsPermanentClose(code int, reason string) bool {
	if code == websocket.ClosePolicyViolation {
		return true
	}
	for _, r := range permanentReasons {
		if strings.HasPrefix(reason, r) {
			return true
		}
	}
	return false
}
