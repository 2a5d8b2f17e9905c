package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/bhandras/nbruntime/internal/backoff"
	"github.com/bhandras/nbruntime/internal/config"
	"github.com/bhandras/nbruntime/internal/protocol/wire"
	"github.com/bhandras/nbruntime/internal/requests"
	"github.com/bhandras/nbruntime/internal/runtime"
	"github.com/bhandras/nbruntime/internal/transport"
)

type recorder struct {
	mu     sync.Mutex
	events []string
	ops    chan wire.Operation
	errs   chan error
}

func newRecorder() *recorder {
	return &recorder{
		ops:  make(chan wire.Operation, 256),
		errs: make(chan error, 16),
	}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) OnOperation(op wire.Operation) {
	r.add("op:" + op.Op)
	r.ops <- op
}

func (r *recorder) OnStateChange(s transport.ReadyState) {
	r.add("state:" + s.String())
}

func (r *recorder) OnError(err error) {
	select {
	case r.errs <- err:
	default:
	}
}

func (r *recorder) waitOp(t *testing.T, name string, match func(wire.Operation) bool) wire.Operation {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case op := <-r.ops:
			if op.Op == name && (match == nil || match(op)) {
				return op
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

const snapshotJSON = `{
  "filename": "nb.py",
  "code": "import marimo",
  "operations": [
    {"op": "kernel-ready", "data": {"cells": [{"id": "a", "code": "x = 1"}], "resumed": false}},
    {"op": "cell-op", "data": {"cell_id": "a", "status": "idle"}}
  ]
}`

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)

	cfg := &config.Config{Mode: config.ModeServer}
	cfg.SetDefaults()
	cfg.Runtime.URL = "not a url"
	_, err = New(context.Background(), Options{Config: cfg})
	require.ErrorIs(t, err, runtime.ErrInvalidURL)
}

func TestFrozenClientReplaysSnapshot(t *testing.T) {
	cfg := &config.Config{Mode: config.ModeFrozen, Snapshot: writeFile(t, "snap.json", snapshotJSON)}
	cfg.SetDefaults()

	rec := newRecorder()
	c, err := New(context.Background(), Options{Config: cfg, Listener: rec})
	require.NoError(t, err)
	require.Equal(t, runtime.ModeFrozen, c.Manager().Mode())
	require.True(t, c.Manager().IsHealthy(context.Background()))
	require.Equal(t, transport.StateNotStarted, c.State())
	require.Equal(t, transport.StateNotStarted, c.Transport().ReadyState())

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	rec.waitOp(t, wire.OpCellOp, nil)
	require.Equal(t, []string{"state:open", "op:kernel-ready", "op:cell-op"}, rec.snapshot())

	ctx := context.Background()
	code, err := c.Requests().ReadCode(ctx)
	require.NoError(t, err)
	require.Equal(t, "import marimo", code.Contents)
	require.ErrorIs(t, c.Requests().SendRun(ctx, wire.RunRequest{}), requests.ErrNotSupported)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool {
		return c.State() == transport.StateClosed
	}, 5*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, c.Connect(ctx), transport.ErrClosed)
}

func TestWorkerClientRunsCells(t *testing.T) {
	cfg := &config.Config{Mode: config.ModeWorker}
	cfg.Worker.Notebook = writeFile(t, "nb.star", "# %% a\nx = 1\n\n# %% b\nx + 1\n")
	cfg.SetDefaults()

	rec := newRecorder()
	c, err := New(context.Background(), Options{Config: cfg, Listener: rec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	op := rec.waitOp(t, wire.OpKernelReady, nil)
	var ready wire.KernelReady
	require.NoError(t, op.Decode(&ready))
	require.Len(t, ready.Cells, 2)
	require.Equal(t, transport.StateOpen, c.State())

	require.NoError(t, c.Requests().SendRun(context.Background(), wire.RunRequest{
		CellIDs: []string{"c0", "c1"},
		Codes:   []string{"x = 1", "x + 1"},
	}))
	op = rec.waitOp(t, wire.OpCellOp, func(op wire.Operation) bool {
		var cell wire.CellOp
		return op.Decode(&cell) == nil && cell.CellID == "c1" && cell.Output != nil
	})
	var cell wire.CellOp
	require.NoError(t, op.Decode(&cell))
	require.Equal(t, "2", cell.Output.Data)
}

// kernelServer answers health probes, accepts the event socket and records
// function calls.
type kernelServer struct {
	srv     *httptest.Server
	healthy bool
	conns   chan *websocket.Conn
	calls   chan wire.FunctionCallRequest

	probes atomic.Int32
	dials  atomic.Int32
	// rejectWS fails every socket handshake while set.
	rejectWS atomic.Bool
}

func newKernelServer(t *testing.T, healthy bool) *kernelServer {
	t.Helper()
	ks := &kernelServer{
		healthy: healthy,
		conns:   make(chan *websocket.Conn, 4),
		calls:   make(chan wire.FunctionCallRequest, 4),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		ks.probes.Add(1)
		if !ks.healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ks.dials.Add(1)
		if r.URL.Query().Get(runtime.ParamSessionID) == "" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}
		if ks.rejectWS.Load() {
			http.Error(w, "restarting", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ks.conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	mux.HandleFunc("/api/kernel/function_call", func(w http.ResponseWriter, r *http.Request) {
		var req wire.FunctionCallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ks.calls <- req
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/kernel/read_code", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"contents": "x = 1"}`))
	})
	ks.srv = httptest.NewServer(mux)
	t.Cleanup(ks.srv.Close)
	return ks
}

func (ks *kernelServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-ks.conns:
		return conn
	case <-time.After(5 * time.Second):
		t.Fatalf("socket never connected")
		return nil
	}
}

func serverConfig(url string) *config.Config {
	cfg := &config.Config{Mode: config.ModeServer}
	cfg.Runtime.URL = url + "/"
	cfg.Backoff.MaxAttempts = 2
	cfg.SetDefaults()
	return cfg
}

func TestServerClientRoutesReplies(t *testing.T) {
	ks := newKernelServer(t, true)
	rec := newRecorder()
	c, err := New(context.Background(), Options{
		Config:   serverConfig(ks.srv.URL),
		Listener: rec,
		Sleep:    backoff.NoDelay,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NotNil(t, c.Manager())

	states := make(chan transport.ReadyState, 8)
	c.OnStateChange(func(s transport.ReadyState) { states <- s })

	require.NoError(t, c.Connect(context.Background()))
	var conn *websocket.Conn
	select {
	case conn = <-ks.conns:
	case <-time.After(5 * time.Second):
		t.Fatalf("socket never connected")
	}
	require.Equal(t, transport.StateOpen, <-states)

	ready, err := wire.NewOperation(wire.OpKernelReady, wire.KernelReady{Cells: []wire.CellData{}})
	require.NoError(t, err)
	frame, err := ready.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	rec.waitOp(t, wire.OpKernelReady, nil)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	select {
	case err := <-rec.errs:
		require.ErrorIs(t, err, wire.ErrMalformedOperation)
	case <-time.After(5 * time.Second):
		t.Fatalf("malformed frame was not reported")
	}

	type callResult struct {
		res wire.FunctionCallResult
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		res, err := c.Requests().SendFunctionRequest(context.Background(), wire.FunctionCallRequest{
			FunctionName: "double",
			Args:         map[string]any{"x": 21},
		})
		done <- callResult{res, err}
	}()

	call := <-ks.calls
	require.Equal(t, "double", call.FunctionName)
	require.NotEmpty(t, call.FunctionCallID)

	reply, err := wire.NewOperation(wire.OpFunctionCallResult, wire.FunctionCallResult{
		FunctionCallID: call.FunctionCallID,
		ReturnValue:    42,
		Status:         wire.FunctionCallStatus{State: wire.FunctionCallSucceeded},
	})
	require.NoError(t, err)
	frame, err = reply.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.Equal(t, float64(42), got.res.ReturnValue)
	case <-time.After(5 * time.Second):
		t.Fatalf("function call was never resolved")
	}
	// Replies still reach the consumer.
	rec.waitOp(t, wire.OpFunctionCallResult, nil)

	require.NoError(t, c.Close())
	require.Equal(t, transport.StateClosed, <-states)
}

func TestServerConnectFailsWhenUnhealthy(t *testing.T) {
	ks := newKernelServer(t, false)
	c, err := New(context.Background(), Options{
		Config: serverConfig(ks.srv.URL),
		Sleep:  backoff.NoDelay,
	})
	require.NoError(t, err)
	defer c.Close()

	require.ErrorIs(t, c.Connect(context.Background()), runtime.ErrUnhealthy)
	require.Equal(t, transport.StateNotStarted, c.State())
	select {
	case <-ks.conns:
		t.Fatalf("socket dialed an unhealthy backend")
	default:
	}
}

func TestFrozenClientReportsReconnect(t *testing.T) {
	cfg := &config.Config{Mode: config.ModeFrozen, Snapshot: writeFile(t, "snap.json", snapshotJSON)}
	cfg.SetDefaults()

	rec := newRecorder()
	c, err := New(context.Background(), Options{Config: cfg, Listener: rec})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect(context.Background()))
	rec.waitOp(t, wire.OpCellOp, nil)

	c.Transport().Reconnect(4000, "manual")
	rec.waitOp(t, wire.OpReconnected, nil)
	require.Equal(t, []string{
		"state:open", "op:kernel-ready", "op:cell-op",
		"state:connecting", "state:open", "op:reconnected",
	}, rec.snapshot())
}

func TestServerClientStopsRedialingAtPolicyCeiling(t *testing.T) {
	ks := newKernelServer(t, true)
	rec := newRecorder()
	c, err := New(context.Background(), Options{
		Config:   serverConfig(ks.srv.URL),
		Listener: rec,
		Sleep:    backoff.NoDelay,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	closed := make(chan struct{})
	var once sync.Once
	c.OnStateChange(func(s transport.ReadyState) {
		if s == transport.StateClosed {
			once.Do(func() { close(closed) })
		}
	})

	require.NoError(t, c.Connect(context.Background()))
	conn := ks.accept(t)

	ks.rejectWS.Store(true)
	require.NoError(t, conn.Close())

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("client stayed in %s after the backend went away", c.State())
	}
	require.Equal(t, transport.StateClosed, c.State())
	// One initial dial plus the two redials the policy allows.
	require.Equal(t, int32(3), ks.dials.Load())

	for {
		select {
		case err := <-rec.errs:
			if errors.Is(err, transport.ErrGaveUp) {
				return
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("give-up was not reported")
		}
	}
}

func TestLazyServerClientChecksHealthOnce(t *testing.T) {
	ks := newKernelServer(t, true)
	cfg := serverConfig(ks.srv.URL)
	cfg.Runtime.Lazy = true

	c, err := New(context.Background(), Options{Config: cfg, Sleep: backoff.NoDelay})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.Zero(t, ks.probes.Load())

	const callers = 8
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			code, err := c.Requests().ReadCode(context.Background())
			if err == nil && code.Contents != "x = 1" {
				err = errors.New("unexpected contents " + code.Contents)
			}
			errs <- err
		}()
	}
	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}
	require.Equal(t, int32(1), ks.probes.Load())

	require.NoError(t, c.Connect(context.Background()))
	ks.accept(t)
	require.Equal(t, int32(1), ks.probes.Load())
}
