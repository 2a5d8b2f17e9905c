// Package sdk assembles a notebook runtime client: a backend-specific
// transport and request implementation behind one Client.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/bhandras/nbruntime/internal/backoff"
	"github.com/bhandras/nbruntime/internal/config"
	"github.com/bhandras/nbruntime/internal/protocol/wire"
	"github.com/bhandras/nbruntime/internal/requests"
	"github.com/bhandras/nbruntime/internal/runtime"
	"github.com/bhandras/nbruntime/internal/static"
	"github.com/bhandras/nbruntime/internal/transport"
	"github.com/bhandras/nbruntime/internal/worker"
	"github.com/bhandras/nbruntime/pkg/logger"
)

// Listener receives client events. Methods run on the transport's event
// goroutine, one at a time, and must not block.
type Listener interface {
	// OnOperation delivers every inbound operation, replies included.
	OnOperation(op wire.Operation)
	// OnStateChange reports connection state transitions.
	OnStateChange(state transport.ReadyState)
	// OnError delivers non-fatal errors such as undecodable frames.
	OnError(err error)
}

// Options configures New.
type Options struct {
	Config   *config.Config
	Listener Listener

	// HTTPClient replaces the default client for health probes and requests.
	HTTPClient *http.Client
	// Sleep replaces the real sleeper in retry loops.
	Sleep backoff.SleepFunc
}

type stateHook struct {
	id uint64
	fn func(transport.ReadyState)
}

// Client is a connected view of one notebook backend. The backend is picked
// once, from the configured mode; callers use the same Requests and
// Transport surface for all of them.
type Client struct {
	cfg *config.Config

	manager   *runtime.Manager
	http      *requests.HTTP
	bridge    *worker.Bridge
	transport transport.Transport
	requests  requests.Requests

	ctx       context.Context
	cancel    context.CancelFunc
	watchDone chan struct{}

	mu         sync.Mutex
	listener   Listener
	state      transport.ReadyState
	hooks      []stateHook
	nextHook   uint64
	connecting bool
	connected  bool
	closed     bool
}

// New validates the configuration and builds the backend it selects. Nothing
// touches the network until Connect.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sdk: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		listener: opts.Listener,
		state:    transport.StateNotStarted,
	}

	if err := c.newManager(opts); err != nil {
		cancel()
		return nil, fmt.Errorf("sdk: %w", err)
	}

	var err error
	switch cfg.Mode {
	case config.ModeServer:
		err = c.newServer(opts)
	case config.ModeFrozen:
		err = c.newFrozen()
	case config.ModeWorker:
		err = c.newWorker()
	}
	if err != nil {
		c.manager.Close()
		cancel()
		return nil, fmt.Errorf("sdk: %s backend: %w", cfg.Mode, err)
	}

	c.transport.Subscribe(transport.EventOpen, c.onOpen)
	c.transport.Subscribe(transport.EventClose, c.onClose)
	c.transport.Subscribe(transport.EventError, c.onError)
	c.transport.OnReconnect(c.onReconnect)
	logger.Debugf("sdk: %s backend ready", cfg.Mode)
	return c, nil
}

// newManager builds the runtime manager. In-process backends get a frozen
// manager, which reports healthy without any I/O.
func (c *Client) newManager(opts Options) error {
	rcfg := c.cfg.Runtime
	if c.cfg.Mode != config.ModeServer && rcfg.URL == "" {
		rcfg.URL = runtime.EmbeddedURL
	}
	mopts := []runtime.Option{
		runtime.WithMode(c.cfg.RuntimeMode()),
		runtime.WithPageURL(c.cfg.PageURL),
		runtime.WithPolicy(c.cfg.Policy()),
	}
	if opts.HTTPClient != nil {
		mopts = append(mopts, runtime.WithHTTPClient(opts.HTTPClient))
	}
	if opts.Sleep != nil {
		mopts = append(mopts, runtime.WithSleep(opts.Sleep))
	}
	m, err := runtime.NewManager(rcfg, mopts...)
	if err != nil {
		return err
	}
	c.manager = m
	return nil
}

func (c *Client) newServer(opts Options) error {
	m := c.manager
	ws := transport.NewWebSocket(transport.WebSocketOptions{
		URL:    func() string { return m.WsURL(m.SessionID()) },
		Header: m.Headers,
		Policy: m.Policy(),
		Sleep:  opts.Sleep,
	})

	hopts := []requests.HTTPOption{
		requests.WithConnected(func() bool { return ws.ReadyState() == transport.StateOpen }),
		requests.WithPreviewCacheSize(c.cfg.PreviewCacheSize),
	}
	if opts.HTTPClient != nil {
		hopts = append(hopts, requests.WithClient(opts.HTTPClient))
	}
	h, err := requests.NewHTTP(m, hopts...)
	if err != nil {
		return err
	}

	c.http = h
	c.transport = ws
	c.requests = h
	if c.cfg.Runtime.Lazy {
		c.requests = requests.NewLazy(h, m)
	}
	return nil
}

func (c *Client) newFrozen() error {
	snap, err := static.LoadSnapshotFile(c.cfg.Snapshot)
	if err != nil {
		return err
	}
	c.transport = snap.Transport()
	c.requests = static.NewRequests(snap)
	return nil
}

func (c *Client) newWorker() error {
	src, err := os.ReadFile(c.cfg.Worker.Notebook)
	if err != nil {
		return err
	}
	b := worker.Start(c.ctx, c.cfg.WorkerOptions(string(src)))
	c.bridge = b
	c.transport = b.Transport()
	c.requests = b

	if c.cfg.Worker.Watch {
		c.watchDone = make(chan struct{})
		go func() {
			defer close(c.watchDone)
			if err := worker.Watch(c.ctx, c.cfg.Worker.Notebook, b); err != nil {
				logger.Errorf("sdk: watch %s: %v", c.cfg.Worker.Notebook, err)
				c.reportError(err)
			}
		}()
	}
	return nil
}

// Mode is the configured backend mode.
func (c *Client) Mode() string { return c.cfg.Mode }

// Requests is the operation surface of the backend.
func (c *Client) Requests() requests.Requests { return c.requests }

// Transport is the inbound event channel of the backend.
func (c *Client) Transport() transport.Transport { return c.transport }

// Manager is the runtime manager. It is frozen unless the backend is a
// server.
func (c *Client) Manager() *runtime.Manager { return c.manager }

// SetListener replaces the event listener.
func (c *Client) SetListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listener = l
}

// State is the last connection state delivered to listeners.
func (c *Client) State() transport.ReadyState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn for state transitions and returns a function
// that removes it.
func (c *Client) OnStateChange(fn func(transport.ReadyState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHook++
	id := c.nextHook
	c.hooks = append(c.hooks, stateHook{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, h := range c.hooks {
			if h.id == id {
				c.hooks = append(c.hooks[:i:i], c.hooks[i+1:]...)
				return
			}
		}
	}
}

// Connect brings the backend up and starts delivering operations. The
// backend is health-checked first, which only does I/O for a server. Calling Connect again after it succeeded
// has no effect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return transport.ErrClosed
	case c.connected || c.connecting:
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()

	err := c.connect(ctx)

	c.mu.Lock()
	c.connecting = false
	c.connected = err == nil
	c.mu.Unlock()
	return err
}

func (c *Client) connect(ctx context.Context) error {
	if err := c.manager.EnsureInit(ctx); err != nil {
		return fmt.Errorf("sdk: %w", err)
	}
	if err := c.transport.Connect(); err != nil {
		return fmt.Errorf("sdk: connect: %w", err)
	}
	// Subscribing starts in-process producers, so it happens after open has
	// been queued.
	c.transport.Subscribe(transport.EventMessage, c.onMessage)
	return nil
}

// Close shuts the backend down. Pending requests are rejected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var err error
	if c.bridge != nil {
		err = c.bridge.Close()
	} else {
		err = c.transport.Close()
	}
	if c.http != nil {
		c.http.Close()
	}
	c.manager.Close()
	c.cancel()
	if c.watchDone != nil {
		<-c.watchDone
	}
	return err
}

func (c *Client) onMessage(p transport.Payload) error {
	op, err := wire.ParseOperation(p.Data)
	if err != nil {
		logger.Warnf("sdk: dropping frame: %v", err)
		c.reportError(err)
		return nil
	}
	if c.http != nil && c.http.HandleOperation(op) {
		logger.Tracef("sdk: %s settled a pending request", op.Op)
	}
	if l := c.currentListener(); l != nil {
		l.OnOperation(op)
	}
	return nil
}

func (c *Client) onOpen(transport.Payload) error {
	c.setState(transport.StateOpen)
	return nil
}

// onClose distinguishes a terminal close from one a reconnect will follow.
func (c *Client) onClose(p transport.Payload) error {
	state := transport.StateConnecting
	if c.transport.ReadyState() == transport.StateClosed {
		state = transport.StateClosed
	}
	logger.Debugf("sdk: transport closed (code=%d reason=%q)", p.Code, p.Reason)
	c.setState(state)
	return nil
}

// onError reports transport errors. Running out of reconnect attempts is
// terminal.
func (c *Client) onError(p transport.Payload) error {
	if errors.Is(p.Err, transport.ErrGaveUp) {
		c.setState(transport.StateClosed)
	}
	if p.Err != nil {
		c.reportError(p.Err)
	}
	return nil
}

// onReconnect runs after an open that follows a lost connection.
func (c *Client) onReconnect() {
	if l := c.currentListener(); l != nil {
		l.OnOperation(wire.MustOperation(wire.OpReconnected, wire.Reconnected{}))
	}
}

func (c *Client) setState(state transport.ReadyState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	l := c.listener
	hooks := append([]stateHook(nil), c.hooks...)
	c.mu.Unlock()

	if l != nil {
		l.OnStateChange(state)
	}
	for _, h := range hooks {
		h.fn(state)
	}
}

func (c *Client) reportError(err error) {
	if l := c.currentListener(); l != nil {
		l.OnError(err)
	}
}

func (c *Client) currentListener() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}
