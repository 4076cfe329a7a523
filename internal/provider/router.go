package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCooldown is how long a provider that failed with a temporary error
// is passed over.
const DefaultCooldown = 30 * time.Second

// ErrNoProvider is returned by Route when nothing is registered.
var ErrNoProvider = errors.New("no provider registered")

// Router tries providers in registration order. A provider that failed
// with a temporary error cools down and is tried after the healthy ones.
type Router struct {
	mu       sync.Mutex
	chain    []Provider
	health   map[string]*health
	cooldown time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

type health struct {
	calls     int
	failures  int
	lastErr   string
	coolUntil time.Time
}

// Stats is a provider's call record.
type Stats struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Calls        int       `json:"calls"`
	Failures     int       `json:"failures"`
	LastError    string    `json:"last_error,omitempty"`
	CoolingUntil time.Time `json:"cooling_until,omitempty"`
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		health:   make(map[string]*health),
		cooldown: DefaultCooldown,
		now:      time.Now,
		logger:   logger,
	}
}

// SetCooldown changes the cooldown applied after temporary failures.
func (r *Router) SetCooldown(d time.Duration) {
	r.mu.Lock()
	r.cooldown = d
	r.mu.Unlock()
}

// Register appends p to the chain. Re-registering an ID replaces it in place.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, q := range r.chain {
		if q.ID() == p.ID() {
			r.chain[i] = p
			return
		}
	}
	r.chain = append(r.chain, p)
	r.health[p.ID()] = &health{}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// DefaultID is the first provider of the chain, or "".
func (r *Router) DefaultID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chain) == 0 {
		return ""
	}
	return r.chain[0].ID()
}

// Get returns a provider by ID.
func (r *Router) Get(id string) (Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.chain {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// Stats lists every provider in chain order.
func (r *Router) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	out := make([]Stats, 0, len(r.chain))
	for _, p := range r.chain {
		h := r.health[p.ID()]
		s := Stats{ID: p.ID(), Name: p.Name(), Calls: h.calls, Failures: h.failures, LastError: h.lastErr}
		if h.coolUntil.After(now) {
			s.CoolingUntil = h.coolUntil
		}
		out = append(out, s)
	}
	return out
}

// order returns healthy providers first, cooling ones after, each group in
// chain order.
func (r *Router) order() []Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var ready, cooling []Provider
	for _, p := range r.chain {
		if r.health[p.ID()].coolUntil.After(now) {
			cooling = append(cooling, p)
		} else {
			ready = append(ready, p)
		}
	}
	return append(ready, cooling...)
}

func (r *Router) record(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[id]
	if !ok {
		return
	}
	h.calls++
	if err == nil {
		h.coolUntil = time.Time{}
		return
	}
	h.failures++
	h.lastErr = err.Error()

	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Temporary() {
		return
	}
	wait := r.cooldown
	if apiErr != nil && apiErr.RetryAfter > wait {
		wait = apiErr.RetryAfter
	}
	h.coolUntil = r.now().Add(wait)
}

// Route sends req to the first provider that answers. The returned error
// joins every provider's failure.
func (r *Router) Route(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	providers := r.order()
	if len(providers) == 0 {
		return nil, ErrNoProvider
	}

	var errs []error
	for i, p := range providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := p.Chat(ctx, req)
		r.record(p.ID(), err)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.ID(), err))
		if i < len(providers)-1 {
			r.logger.Warn("provider failed, trying next", zap.String("provider", p.ID()), zap.Error(err))
		}
	}
	return nil, errors.Join(errs...)
}
