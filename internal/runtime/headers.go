package runtime

import (
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bhandras/nbruntime/pkg/logger"
)

// Headers returns the session and auth headers sent with every request. The
// bearer token is only attached when one is configured.
func (m *Manager) Headers() http.Header {
	cfg := m.Config()

	h := http.Header{}
	h.Set(HeaderSessionID, string(m.sessionID))
	h.Set(HeaderServerToken, cfg.ServerToken)
	h.Set(HeaderRuntimeURL, cfg.URL)
	if cfg.AuthToken != "" {
		h.Set(HeaderAuthorization, "Bearer "+cfg.AuthToken)
		m.tokenWarn.Do(func() { warnIfExpired(cfg.AuthToken) })
	}
	return h
}

// tokenExpiry returns the exp claim of a JWT without verifying it. Opaque
// tokens report false.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func warnIfExpired(token string) {
	exp, ok := tokenExpiry(token)
	if !ok {
		return
	}
	if time.Until(exp) <= 0 {
		logger.Warnf("runtime: auth token expired at %s; the backend will reject requests", exp.Format(time.RFC3339))
	}
}
