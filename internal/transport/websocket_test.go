package transport

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bhandras/nbruntime/internal/backoff"
)

// echoServer accepts websocket connections and echoes text frames. Tests can
// drop or close the live connection to simulate a backend going away.
type echoServer struct {
	srv      *httptest.Server
	accepted atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
	// closeWith, when set, is sent as a close frame right after accept.
	closeWith []byte
	// reject fails every handshake while set.
	reject atomic.Bool
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if es.reject.Load() {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.accepted.Add(1)
		es.mu.Lock()
		es.conns = append(es.conns, conn)
		closeWith := es.closeWith
		es.mu.Unlock()

		if closeWith != nil {
			_ = conn.WriteControl(websocket.CloseMessage, closeWith, time.Now().Add(time.Second))
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(es.srv.Close)
	return es
}

func (es *echoServer) url() string {
	return "ws" + strings.TrimPrefix(es.srv.URL, "http")
}

// dropLatest closes the newest connection without a close frame.
func (es *echoServer) dropLatest() {
	es.mu.Lock()
	defer es.mu.Unlock()
	if n := len(es.conns); n > 0 {
		_ = es.conns[n-1].Close()
	}
}

// eventLog collects events from the transport's loop goroutine.
type eventLog struct {
	mu     sync.Mutex
	events []Payload
	ch     chan Payload
}

func watch(tr Transport) *eventLog {
	l := &eventLog{ch: make(chan Payload, 64)}
	for _, ev := range []Event{EventOpen, EventMessage, EventClose} {
		tr.Subscribe(ev, func(p Payload) error {
			l.mu.Lock()
			l.events = append(l.events, p)
			l.mu.Unlock()
			l.ch <- p
			return nil
		})
	}
	return l
}

func (l *eventLog) next(t *testing.T) Payload {
	t.Helper()
	select {
	case p := <-l.ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for transport event")
		return Payload{}
	}
}

func (l *eventLog) expect(t *testing.T, want ...Event) []Payload {
	t.Helper()
	got := make([]Payload, 0, len(want))
	for _, ev := range want {
		p := l.next(t)
		require.Equal(t, ev, p.Event)
		got = append(got, p)
	}
	return got
}

func (l *eventLog) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case p := <-l.ch:
		t.Fatalf("unexpected %s event", p.Event)
	case <-time.After(d):
	}
}

func newTestSocket(url string) *WebSocket {
	return NewWebSocket(WebSocketOptions{
		URL:   func() string { return url },
		Sleep: backoff.NoDelay,
	})
}

func TestWebSocketEcho(t *testing.T) {
	es := newEchoServer(t)
	ws := newTestSocket(es.url())
	defer ws.Close()

	log := watch(ws)
	require.Equal(t, StateNotStarted, ws.ReadyState())
	require.ErrorIs(t, ws.Send([]byte("early")), ErrNotConnected)

	require.NoError(t, ws.Connect())
	require.NoError(t, ws.Connect())
	log.expect(t, EventOpen)
	require.Equal(t, StateOpen, ws.ReadyState())

	require.NoError(t, ws.Send([]byte(`{"op":"ping"}`)))
	msg := log.expect(t, EventMessage)[0]
	require.JSONEq(t, `{"op":"ping"}`, string(msg.Data))
	require.Equal(t, int32(1), es.accepted.Load())
}

func TestWebSocketReconnectEmitsCloseThenOpen(t *testing.T) {
	es := newEchoServer(t)
	ws := newTestSocket(es.url())
	defer ws.Close()

	hooks := make(chan struct{}, 4)
	ws.OnReconnect(func() { hooks <- struct{}{} })

	log := watch(ws)
	require.NoError(t, ws.Connect())
	log.expect(t, EventOpen)

	ws.Reconnect(4000, "refresh")
	got := log.expect(t, EventClose, EventOpen)
	require.Equal(t, 4000, got[0].Code)
	require.Equal(t, "refresh", got[0].Reason)
	log.quiet(t, 100*time.Millisecond)

	select {
	case <-hooks:
	case <-time.After(5 * time.Second):
		t.Fatalf("reconnect hook did not run")
	}
	require.Equal(t, int32(2), es.accepted.Load())
}

func TestWebSocketRapidReconnectsStayPaired(t *testing.T) {
	es := newEchoServer(t)
	ws := newTestSocket(es.url())
	defer ws.Close()

	log := watch(ws)
	require.NoError(t, ws.Connect())
	log.expect(t, EventOpen)

	for i := 0; i < 5; i++ {
		ws.Reconnect(4000, "again")
	}
	require.Eventually(t, func() bool {
		return ws.ReadyState() == StateOpen
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, ws.loop.Flush())

	log.mu.Lock()
	events := append([]Payload(nil), log.events...)
	log.mu.Unlock()

	require.Equal(t, EventOpen, events[0].Event)
	require.Equal(t, EventOpen, events[len(events)-1].Event)
	for i := 1; i < len(events); i++ {
		require.NotEqual(t, events[i-1].Event, events[i].Event,
			"events must alternate, got %v", events)
	}
}

func TestWebSocketReconnectsAfterServerDrop(t *testing.T) {
	es := newEchoServer(t)
	ws := newTestSocket(es.url())
	defer ws.Close()

	hooks := make(chan struct{}, 4)
	ws.OnReconnect(func() { hooks <- struct{}{} })

	log := watch(ws)
	require.NoError(t, ws.Connect())
	log.expect(t, EventOpen)

	es.dropLatest()
	got := log.expect(t, EventClose, EventOpen)
	require.Equal(t, websocket.CloseAbnormalClosure, got[0].Code)

	select {
	case <-hooks:
	case <-time.After(5 * time.Second):
		t.Fatalf("reconnect hook did not run")
	}

	require.NoError(t, ws.Send([]byte("after")))
	require.Equal(t, "after", string(log.expect(t, EventMessage)[0].Data))
}

func TestWebSocketPermanentCloseDoesNotReconnect(t *testing.T) {
	es := newEchoServer(t)
	es.closeWith = websocket.FormatCloseMessage(websocket.CloseNormalClosure, ReasonAlreadyConnected)

	ws := newTestSocket(es.url())
	defer ws.Close()

	log := watch(ws)
	require.NoError(t, ws.Connect())
	got := log.expect(t, EventOpen, EventClose)
	require.Equal(t, ReasonAlreadyConnected, got[1].Reason)

	log.quiet(t, 200*time.Millisecond)
	require.Equal(t, StateClosed, ws.ReadyState())
	require.Equal(t, int32(1), es.accepted.Load())
}

func TestWebSocketCloseIsTerminal(t *testing.T) {
	es := newEchoServer(t)
	ws := newTestSocket(es.url())

	log := watch(ws)
	require.NoError(t, ws.Connect())
	log.expect(t, EventOpen)

	require.NoError(t, ws.Close())
	require.NoError(t, ws.Close())
	require.Equal(t, websocket.CloseNormalClosure, log.expect(t, EventClose)[0].Code)

	require.Equal(t, StateClosed, ws.ReadyState())
	require.ErrorIs(t, ws.Send([]byte("x")), ErrClosed)
	require.ErrorIs(t, ws.Connect(), ErrClosed)
	ws.Reconnect(1000, "")
	log.quiet(t, 100*time.Millisecond)
}

func TestWebSocketGivesUpWhenPolicyExhausted(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	var dials atomic.Int32
	ws := NewWebSocket(WebSocketOptions{
		URL: func() string {
			dials.Add(1)
			return "ws" + strings.TrimPrefix(srv.URL, "http")
		},
		Policy: backoff.Policy{Base: time.Millisecond, Factor: 1, Max: time.Millisecond, MaxAttempts: 3},
		Sleep:  backoff.NoDelay,
	})
	defer ws.Close()

	errs := make(chan error, 8)
	ws.Subscribe(EventError, func(p Payload) error {
		errs <- p.Err
		return nil
	})
	require.NoError(t, ws.Connect())

	require.Eventually(t, func() bool {
		return ws.ReadyState() == StateClosed
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(3), dials.Load())
	require.Error(t, <-errs)
}

func TestWebSocketReportsGiveUpAfterLoss(t *testing.T) {
	es := newEchoServer(t)
	ws := NewWebSocket(WebSocketOptions{
		URL:    es.url,
		Policy: backoff.Policy{Base: time.Millisecond, Factor: 1, Max: time.Millisecond, MaxAttempts: 2},
		Sleep:  backoff.NoDelay,
	})
	defer ws.Close()

	type report struct {
		err   error
		state ReadyState
	}
	reports := make(chan report, 8)
	ws.Subscribe(EventError, func(p Payload) error {
		reports <- report{err: p.Err, state: ws.ReadyState()}
		return nil
	})

	log := watch(ws)
	require.NoError(t, ws.Connect())
	log.expect(t, EventOpen)

	es.reject.Store(true)
	es.dropLatest()
	log.expect(t, EventClose)

	var dialErrs int
	for {
		select {
		case r := <-reports:
			if !errors.Is(r.err, ErrGaveUp) {
				dialErrs++
				continue
			}
			require.Equal(t, StateClosed, r.state)
			require.Equal(t, 2, dialErrs)
			log.quiet(t, 100*time.Millisecond)
			require.Equal(t, StateClosed, ws.ReadyState())
			return

		case <-time.After(5 * time.Second):
			t.Fatalf("no give-up reported after %d dial errors", dialErrs)
		}
	}
}
