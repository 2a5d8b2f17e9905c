// Package runtime knows where the notebook backend lives and whether it is
// reachable. Every endpoint the client talks to is derived from one base URL
// owned by a Manager.
package runtime

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Config is the immutable description of a backend.
type Config struct {
	// URL is the backend base URL, e.g. "https://host/nested/".
	URL string `yaml:"url"`
	// Lazy defers health polling until the first request.
	Lazy bool `yaml:"lazy"`
	// ServerToken is the skew-protection token echoed on every request.
	ServerToken string `yaml:"server_token"`
	// AuthToken is sent as a bearer token when set.
	AuthToken string `yaml:"auth_token"`
}

// Mode selects how the Manager treats its backend.
type Mode int

const (
	// ModeServer talks to a live backend over the network.
	ModeServer Mode = iota
	// ModeFrozen serves a pre-computed snapshot; there is nothing to probe.
	ModeFrozen
)

// EmbeddedURL is the base of a frozen Manager whose backend runs in
// process and has no address of its own.
const EmbeddedURL = "nbrt:embedded"

// String returns the config name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeFrozen:
		return "frozen"
	default:
		return "server"
	}
}

// SessionID distinguishes one UI session from another on the same backend.
type SessionID string

// NewSessionID mints a fresh session id.
func NewSessionID() SessionID {
	return SessionID("s_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// Query parameters forwarded from the page URL to backend requests.
const (
	ParamFile        = "file"
	ParamAccessToken = "access_token"
	ParamKiosk       = "kiosk"
	ParamSessionID   = "session_id"
	ParamViewAs      = "view-as"
	ParamShowCode    = "show-code"
	ParamIncludeCode = "include-code"
)

// KnownQueryParams is the allow-list used when forwarding is restricted.
var KnownQueryParams = []string{
	ParamFile,
	ParamAccessToken,
	ParamKiosk,
	ParamSessionID,
	ParamViewAs,
	ParamShowCode,
	ParamIncludeCode,
}

// Header names attached by Manager.Headers.
const (
	HeaderSessionID     = "Marimo-Session-Id"
	HeaderServerToken   = "Marimo-Server-Token"
	HeaderRuntimeURL    = "X-Runtime-Url"
	HeaderAuthorization = "Authorization"
)

// AIEndpoint names an AI feature endpoint.
type AIEndpoint string

const (
	AICompletion       AIEndpoint = "completion"
	AIChat             AIEndpoint = "chat"
	AIInlineCompletion AIEndpoint = "inline_completion"
)

var (
	// ErrInvalidURL is returned at construction for malformed base URLs.
	ErrInvalidURL = errors.New("invalid runtime URL")
	// ErrUnhealthy is returned once health polling gives up.
	ErrUnhealthy = errors.New("runtime unhealthy")
)

func isKnownParam(key string) bool {
	for _, k := range KnownQueryParams {
		if k == key {
			return true
		}
	}
	return false
}
