package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bhandras/nbruntime/internal/deferred"
	"github.com/bhandras/nbruntime/internal/metrics"
)

// DefaultCacheSize bounds a Caching registry when no capacity is given.
const DefaultCacheSize = 20

// KeyFunc maps a request to its cache identity.
type KeyFunc[Req any] func(Req) (string, error)

// CanonicalJSON keys a request by its JSON form with object keys sorted, so
// field order never changes the identity.
func CanonicalJSON[Req any](req Req) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Caching shares one future between identical requests. Completed replies
// stay cached until evicted by the LRU; failed ones are dropped so the next
// call retries.
type Caching[Req, Resp any] struct {
	reg *Registry[Req, Resp]
	key KeyFunc[Req]

	mu    sync.Mutex
	cache *lru.Cache[string, *deferred.Deferred[Resp]]
}

// NewCaching wraps reg. A capacity of zero selects DefaultCacheSize and a nil
// key selects CanonicalJSON.
func NewCaching[Req, Resp any](reg *Registry[Req, Resp], capacity int,
	key KeyFunc[Req]) (*Caching[Req, Resp], error) {

	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	if key == nil {
		key = CanonicalJSON[Req]
	}
	cache, err := lru.New[string, *deferred.Deferred[Resp]](capacity)
	if err != nil {
		return nil, fmt.Errorf("create request cache: %w", err)
	}
	return &Caching[Req, Resp]{reg: reg, key: key, cache: cache}, nil
}

// Registry returns the wrapped registry, which receives the replies.
func (c *Caching[Req, Resp]) Registry() *Registry[Req, Resp] { return c.reg }

// Start returns the future for req, sending it only if no identical request
// is cached.
func (c *Caching[Req, Resp]) Start(ctx context.Context, req Req) (*deferred.Deferred[Resp], error) {
	key, err := c.key(req)
	if err != nil {
		return nil, fmt.Errorf("cache key: %w", err)
	}

	c.mu.Lock()
	if cached, ok := c.cache.Get(key); ok {
		if cached.Err() == nil {
			c.mu.Unlock()
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return cached, nil
		}
		c.cache.Remove(key)
	}

	var (
		id string
		d  *deferred.Deferred[Resp]
	)
	// The hook locks c.mu before reading d, so it always sees the
	// assignment below.
	id, d = c.reg.reserve(func() { c.evict(key, &d) })
	// A closed registry rejects at once, without the hook.
	if d.Err() == nil {
		c.cache.Add(key, d)
	}
	c.mu.Unlock()
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	c.reg.dispatch(ctx, id, req)
	return d, nil
}

// Request is Start followed by a wait on the shared future. Cancelling ctx
// stops this caller's wait only; other callers keep waiting on the reply.
func (c *Caching[Req, Resp]) Request(ctx context.Context, req Req) (Resp, error) {
	d, err := c.Start(ctx, req)
	if err != nil {
		var zero Resp
		return zero, err
	}
	return d.Wait(ctx)
}

// Len returns the number of cached futures.
func (c *Caching[Req, Resp]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// evict drops key if it still maps to *d. It runs before the future is
// rejected, so no caller can pick up a failed future.
func (c *Caching[Req, Resp]) evict(key string, d **deferred.Deferred[Resp]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// The key may have been evicted and refilled by a newer request.
	if cur, ok := c.cache.Peek(key); ok && cur == *d {
		c.cache.Remove(key)
	}
}
