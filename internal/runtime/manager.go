package runtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bhandras/nbruntime/internal/backoff"
	"github.com/bhandras/nbruntime/internal/deferred"
	"github.com/bhandras/nbruntime/pkg/logger"
)

const defaultHealthTimeout = 5 * time.Second

// HealthCheckFunc replaces the network probe. Tests use it to script
// healthy/unhealthy sequences.
type HealthCheckFunc func(ctx context.Context) bool

// Option configures a Manager.
type Option func(*Manager)

// WithMode sets the backend mode.
func WithMode(mode Mode) Option {
	return func(m *Manager) { m.mode = mode }
}

// WithPageURL sets the location of the UI page whose query parameters are
// forwarded to the backend.
func WithPageURL(page string) Option {
	return func(m *Manager) {
		if page == "" {
			return
		}
		u, err := url.Parse(page)
		if err != nil {
			logger.Warnf("runtime: ignoring unparsable page URL %q: %v", page, err)
			return
		}
		m.page = u
	}
}

// WithSessionID fixes the session id instead of minting one.
func WithSessionID(id SessionID) Option {
	return func(m *Manager) {
		if id != "" {
			m.sessionID = id
		}
	}
}

// WithHTTPClient sets the client used for health probes.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) {
		if c != nil {
			m.client = c
		}
	}
}

// WithPolicy sets the health polling backoff.
func WithPolicy(p backoff.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithSleep replaces the backoff sleeper.
func WithSleep(fn backoff.SleepFunc) Option {
	return func(m *Manager) {
		if fn != nil {
			m.sleep = fn
		}
	}
}

// WithHealthCheck replaces the network health probe.
func WithHealthCheck(fn HealthCheckFunc) Option {
	return func(m *Manager) { m.healthCheck = fn }
}

// Manager owns the backend base URL and its health state.
type Manager struct {
	mu   sync.RWMutex
	cfg  Config
	base *url.URL
	page *url.URL

	mode        Mode
	sessionID   SessionID
	client      *http.Client
	policy      backoff.Policy
	sleep       backoff.SleepFunc
	healthCheck HealthCheckFunc

	healthy  *deferred.Deferred[struct{}]
	initOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	tokenWarn sync.Once
}

// NewManager validates cfg and returns a Manager. A malformed URL is fatal.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	base, err := parseBase(cfg.URL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		base:      base,
		mode:      ModeServer,
		sessionID: NewSessionID(),
		client:    &http.Client{Timeout: defaultHealthTimeout},
		policy:    backoff.Default(),
		sleep:     backoff.Sleep,
		healthy:   deferred.New[struct{}](),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.policy.Validate(); err != nil {
		cancel()
		return nil, fmt.Errorf("runtime: %w", err)
	}
	return m, nil
}

func parseBase(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, raw)
	}
	return u, nil
}

// Close stops any background health polling.
func (m *Manager) Close() {
	m.cancel()
}

// Config returns the configuration, including an adopted redirect URL.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Mode returns the backend mode.
func (m *Manager) Mode() Mode { return m.mode }

// SessionID returns the session id attached to transport URLs and headers.
func (m *Manager) SessionID() SessionID { return m.sessionID }

// Policy returns the backoff policy. Transports reuse it for reconnection.
func (m *Manager) Policy() backoff.Policy { return m.policy }

func (m *Manager) baseURL() url.URL {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u := *m.base
	return u
}

func (m *Manager) setBase(u *url.URL) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.base = u
	m.cfg.URL = u.String()
}

// HTTPURL returns the base URL with known page parameters forwarded.
func (m *Manager) HTTPURL() *url.URL {
	return m.FormatHTTPURL("", nil, true)
}

// FormatHTTPURL joins path onto the base URL, merges forwarded page query
// parameters that the base does not already carry, applies params on top, and
// drops any fragment. With restrictToKnown only KnownQueryParams are
// forwarded from the page.
func (m *Manager) FormatHTTPURL(path string, params url.Values, restrictToKnown bool) *url.URL {
	u := m.baseURL()
	q := u.Query()

	if m.page != nil {
		for key, vals := range m.page.Query() {
			if len(vals) == 0 || q.Has(key) {
				continue
			}
			if restrictToKnown && !isKnownParam(key) {
				continue
			}
			q.Set(key, vals[len(vals)-1])
		}
	}
	for key, vals := range params {
		q.Del(key)
		for _, v := range vals {
			q.Add(key, v)
		}
	}
	u.RawQuery = q.Encode()

	if u.Opaque == "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
		u.RawPath = ""
	}
	u.Fragment = ""
	u.RawFragment = ""
	return &u
}

// FormatWsURL builds the HTTP form of path and rewrites http to ws and https
// to wss. A non-HTTP base, such as an embedded document scheme, is returned
// unchanged with a warning.
func (m *Manager) FormatWsURL(path string, params url.Values) string {
	u := m.FormatHTTPURL(path, params, false)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		base := m.baseURL()
		logger.Warnf("runtime: websocket URL requires an http(s) base, got %q", base.String())
		return base.String()
	}
	return u.String()
}

// WsURL is the main kernel websocket for a session.
func (m *Manager) WsURL(id SessionID) string {
	return m.FormatWsURL("ws", url.Values{ParamSessionID: {string(id)}})
}

// WsSyncURL is the document sync websocket for a session.
func (m *Manager) WsSyncURL(id SessionID) string {
	return m.FormatWsURL("ws_sync", url.Values{ParamSessionID: {string(id)}})
}

// TerminalWsURL is the terminal websocket.
func (m *Manager) TerminalWsURL() string {
	return m.FormatWsURL("terminal/ws", nil)
}

// LSPURL is the websocket of a language server.
func (m *Manager) LSPURL(server string) string {
	return m.FormatWsURL("lsp/"+url.PathEscape(server), nil)
}

// AIURL is the HTTP endpoint of an AI feature.
func (m *Manager) AIURL(kind AIEndpoint) *url.URL {
	return m.FormatHTTPURL("api/ai/"+string(kind), nil, true)
}

// HealthURL is the liveness endpoint.
func (m *Manager) HealthURL() *url.URL {
	return m.FormatHTTPURL("health", nil, true)
}

// HTTPClient returns the client used for backend requests.
func (m *Manager) HTTPClient() *http.Client { return m.client }
