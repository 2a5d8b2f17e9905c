// Package registry correlates requests sent over a publish/subscribe channel
// with the replies that arrive later carrying the same id.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/bhandras/nbruntime/internal/deferred"
	"github.com/bhandras/nbruntime/internal/metrics"
	"github.com/bhandras/nbruntime/pkg/logger"
)

var (
	// ErrCanceled rejects a request that was dropped before its reply arrived.
	ErrCanceled = errors.New("request canceled")
	// ErrClosed rejects requests still pending when the registry is closed.
	ErrClosed = errors.New("request registry closed")
)

// SendFunc delivers req to the backend. The backend is expected to answer
// later with a message carrying id.
type SendFunc[Req any] func(ctx context.Context, id string, req Req) error

// entry is one outstanding request. onReject, when set, runs before the
// future is rejected.
type entry[Resp any] struct {
	d        *deferred.Deferred[Resp]
	onReject func()
}

// Registry maps outstanding request ids to futures.
type Registry[Req, Resp any] struct {
	name  string
	send  SendFunc[Req]
	newID func() string

	mu      sync.Mutex
	pending map[string]entry[Resp]
	closed  bool
}

// New returns a registry that sends through send. name labels its metrics.
func New[Req, Resp any](name string, send SendFunc[Req]) *Registry[Req, Resp] {
	return &Registry[Req, Resp]{
		name:    name,
		send:    send,
		newID:   uuid.NewString,
		pending: make(map[string]entry[Resp]),
	}
}

// WithIDGenerator replaces the id generator. It must be called before the
// first request.
func (r *Registry[Req, Resp]) WithIDGenerator(fn func() string) *Registry[Req, Resp] {
	if fn != nil {
		r.newID = fn
	}
	return r
}

// Name returns the metrics label of the registry.
func (r *Registry[Req, Resp]) Name() string { return r.name }

// Start sends req and returns its id together with the future of the reply.
// A failed send rejects the future and forgets the id.
func (r *Registry[Req, Resp]) Start(ctx context.Context, req Req) (string, *deferred.Deferred[Resp]) {
	id, d := r.reserve(nil)
	r.dispatch(ctx, id, req)
	return id, d
}

// Request sends req and waits for the correlated reply. If ctx ends first the
// request is canceled and its pending entry removed.
func (r *Registry[Req, Resp]) Request(ctx context.Context, req Req) (Resp, error) {
	id, d := r.Start(ctx, req)
	resp, err := d.Wait(ctx)
	if err != nil && ctx.Err() != nil && !d.Settled() {
		r.Cancel(id)
		return resp, ctx.Err()
	}
	return resp, err
}

// reserve registers a new pending future. onReject runs, outside the
// registry lock, before the future is rejected for any reason.
func (r *Registry[Req, Resp]) reserve(onReject func()) (string, *deferred.Deferred[Resp]) {
	d := deferred.New[Resp]()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		d.Reject(ErrClosed)
		return "", d
	}
	id := r.newID()
	r.pending[id] = entry[Resp]{d: d, onReject: onReject}
	r.gaugeLocked()
	return id, d
}

func (r *Registry[Req, Resp]) dispatch(ctx context.Context, id string, req Req) {
	if id == "" {
		return
	}
	if err := r.send(ctx, id, req); err != nil {
		logger.Debugf("registry %s: send %s failed: %v", r.name, id, err)
		r.settle(id, "send_error", fmt.Errorf("send %s request: %w", r.name, err), nil)
	}
}

// Resolve settles the request with id. Unknown ids are ignored.
func (r *Registry[Req, Resp]) Resolve(id string, resp Resp) {
	r.settle(id, "resolved", nil, func(d *deferred.Deferred[Resp]) { d.Resolve(resp) })
}

// Reject fails the request with id. Unknown ids are ignored.
func (r *Registry[Req, Resp]) Reject(id string, err error) {
	r.settle(id, "rejected", err, nil)
}

// Cancel drops the request with id, rejecting it with ErrCanceled.
func (r *Registry[Req, Resp]) Cancel(id string) {
	r.settle(id, "canceled", ErrCanceled, nil)
}

// settle removes id and either rejects it with err or hands it to resolve.
func (r *Registry[Req, Resp]) settle(id, outcome string, err error,
	resolve func(*deferred.Deferred[Resp])) {

	r.mu.Lock()
	e, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
		r.gaugeLocked()
	}
	r.mu.Unlock()

	if !ok {
		logger.Tracef("registry %s: no pending request %q", r.name, id)
		return
	}
	metrics.RequestOutcomes.WithLabelValues(r.name, outcome).Inc()
	if resolve != nil {
		resolve(e.d)
		return
	}
	e.reject(err)
}

func (e entry[Resp]) reject(err error) {
	if e.onReject != nil {
		e.onReject()
	}
	e.d.Reject(err)
}

// Pending returns the number of requests awaiting a reply.
func (r *Registry[Req, Resp]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close rejects every pending request with ErrClosed. Later requests fail
// immediately.
func (r *Registry[Req, Resp]) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := r.pending
	r.pending = make(map[string]entry[Resp])
	r.gaugeLocked()
	r.mu.Unlock()

	for _, e := range pending {
		metrics.RequestOutcomes.WithLabelValues(r.name, "closed").Inc()
		e.reject(ErrClosed)
	}
}

func (r *Registry[Req, Resp]) gaugeLocked() {
	metrics.PendingRequests.WithLabelValues(r.name).Set(float64(len(r.pending)))
}
