package runtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bhandras/nbruntime/internal/metrics"
	"github.com/bhandras/nbruntime/pkg/logger"
)

// InitOptions tunes Init.
type InitOptions struct {
	// DisableRetryDelay polls without sleeping between attempts.
	DisableRetryDelay bool
}

// IsHealthy performs one health probe. A 2xx response is healthy. If the
// probe was redirected, the redirect target becomes the new base URL. Frozen
// backends are always healthy.
func (m *Manager) IsHealthy(ctx context.Context) bool {
	if m.mode == ModeFrozen {
		return true
	}
	if m.healthCheck != nil {
		ok := m.healthCheck(ctx)
		recordHealth(ok)
		return ok
	}

	target := m.HealthURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		logger.Debugf("runtime: build health request: %v", err)
		recordHealth(false)
		return false
	}
	for k, vals := range m.Headers() {
		req.Header[k] = vals
	}

	resp, err := m.client.Do(req)
	if err != nil {
		logger.Debugf("runtime: health check failed: %v", err)
		recordHealth(false)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if final := resp.Request.URL; final != nil && final.String() != target.String() {
		adopted := *final
		adopted.Path = strings.TrimSuffix(strings.TrimSuffix(adopted.Path, "/"), "health")
		adopted.RawPath = ""
		base := m.baseURL()
		adopted.RawQuery = base.RawQuery
		adopted.Fragment = ""
		logger.Infof("runtime: backend redirected, adopting %s", adopted.String())
		m.setBase(&adopted)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	recordHealth(ok)
	return ok
}

func recordHealth(ok bool) {
	if ok {
		metrics.HealthChecks.WithLabelValues("healthy").Inc()
		return
	}
	metrics.HealthChecks.WithLabelValues("unhealthy").Inc()
}

// Init polls IsHealthy with exponential backoff until the backend answers or
// the attempt ceiling is reached. It settles the future returned by
// WaitForHealthy.
func (m *Manager) Init(ctx context.Context, opts InitOptions) error {
	logger.Debugf("runtime: initializing %s", m.Config().URL)

	for attempts := 1; ; attempts++ {
		if m.IsHealthy(ctx) {
			logger.Debugf("runtime: healthy after %d attempt(s)", attempts)
			m.healthy.Resolve(struct{}{})
			return nil
		}
		if m.policy.Exhausted(attempts) {
			err := fmt.Errorf("%w: failed to connect after %d attempts", ErrUnhealthy, attempts)
			logger.Errorf("runtime: %v", err)
			m.healthy.Reject(err)
			return err
		}
		if err := ctx.Err(); err != nil {
			m.healthy.Reject(err)
			return err
		}
		if opts.DisableRetryDelay {
			continue
		}
		delay := m.policy.Delay(attempts - 1)
		logger.Tracef("runtime: health attempt %d failed, retrying in %s", attempts, delay)
		if err := m.sleep(ctx, delay); err != nil {
			m.healthy.Reject(err)
			return err
		}
	}
}

// EnsureInit starts Init at most once for this Manager, detached from the
// caller, and waits for the result.
func (m *Manager) EnsureInit(ctx context.Context) error {
	m.initOnce.Do(func() {
		go func() { _ = m.Init(m.ctx, InitOptions{}) }()
	})
	return m.WaitForHealthy(ctx)
}

// WaitForHealthy blocks until Init succeeded or failed.
func (m *Manager) WaitForHealthy(ctx context.Context) error {
	_, err := m.healthy.Wait(ctx)
	return err
}
