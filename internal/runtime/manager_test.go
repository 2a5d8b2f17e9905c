package runtime

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, base string, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(Config{URL: base}, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestNewManagerRejectsMalformedURLs(t *testing.T) {
	for _, raw := range []string{"", "   ", "not a url", "/relative/path", "http://%zz"} {
		_, err := NewManager(Config{URL: raw})
		require.ErrorIs(t, err, ErrInvalidURL, "url %q", raw)
	}
}

func TestWsURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://marimo.app/", "wss://marimo.app/ws?session_id=abc"},
		{"https://marimo.app", "wss://marimo.app/ws?session_id=abc"},
		{"http://marimo.app/nested/", "ws://marimo.app/nested/ws?session_id=abc"},
		{"http://marimo.app/nested", "ws://marimo.app/nested/ws?session_id=abc"},
		{"http://localhost:2718/#cell", "ws://localhost:2718/ws?session_id=abc"},
	}
	for _, tc := range cases {
		m := newTestManager(t, tc.base)
		require.Equal(t, tc.want, m.WsURL("abc"), "base %s", tc.base)
	}
}

func TestQueryParametersMergeWithoutDuplication(t *testing.T) {
	m := newTestManager(t,
		"https://marimo.app/?token=1",
		WithPageURL("https://marimo.app/?file=nb.py&token=2&kiosk=true"),
	)
	require.Equal(t,
		"wss://marimo.app/ws?file=nb.py&kiosk=true&session_id=abc&token=1",
		m.WsURL("abc"))

	u, err := url.Parse(m.WsSyncURL("abc"))
	require.NoError(t, err)
	require.Equal(t, "/ws_sync", u.Path)
	require.Equal(t, []string{"1"}, u.Query()["token"])
	require.Equal(t, []string{"abc"}, u.Query()["session_id"])
}

func TestHTTPURLRestrictsForwardedParams(t *testing.T) {
	m := newTestManager(t, "http://h/", WithPageURL("http://ui/?file=nb.py&utm=x&access_token=t"))
	require.Equal(t, "http://h/?access_token=t&file=nb.py", m.HTTPURL().String())

	unrestricted := m.FormatHTTPURL("api/x", nil, false)
	require.Equal(t, "x", unrestricted.Query().Get("utm"))
}

func TestFormatHTTPURLIsIdempotentAndStripsFragment(t *testing.T) {
	m := newTestManager(t, "http://h/app/#frag")
	require.Equal(t, "http://h/app/api/kernel/run", m.FormatHTTPURL("api/kernel/run", nil, true).String())
	require.Equal(t, m.FormatHTTPURL("/health", nil, true).String(), m.FormatHTTPURL("health", nil, true).String())
	require.Equal(t, m.HTTPURL().String(), m.HTTPURL().String())

	params := url.Values{"session_id": {"s1"}}
	require.Equal(t, "http://h/app/x?session_id=s1", m.FormatHTTPURL("x", params, true).String())
}

func TestFeatureEndpoints(t *testing.T) {
	m := newTestManager(t, "http://h/base/")
	require.Equal(t, "ws://h/base/terminal/ws", m.TerminalWsURL())
	require.Equal(t, "ws://h/base/lsp/pylsp", m.LSPURL("pylsp"))
	require.Equal(t, "http://h/base/api/ai/chat", m.AIURL(AIChat).String())
	require.Equal(t, "http://h/base/health", m.HealthURL().String())
}

func TestOpaqueBasePassesThrough(t *testing.T) {
	for _, base := range []string{"blob:https://host/1234", "vscode-webview://panel/index.html"} {
		m := newTestManager(t, base)
		require.Equal(t, base, m.WsURL("abc"))
	}
}

func TestNewSessionIDIsUnique(t *testing.T) {
	seen := map[SessionID]bool{}
	for i := 0; i < 1000; i++ {
		id := NewSessionID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
