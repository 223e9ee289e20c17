// Package tenant resolves API keys to tenants through a read-through TTL cache.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/obs"
)

// DefaultTTL bounds how long a resolved tenant is served from cache.
const DefaultTTL = 10 * time.Minute

type entry struct {
	tenant     *auth.Tenant
	resolvedAt time.Time
}

// Resolver caches auth.TenantStore lookups by API key. Tenant edits become
// visible once the cached entry ages out.
type Resolver struct {
	store auth.TenantStore
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// Option configures Resolver.
type Option func(*Resolver)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver over store.
func NewResolver(store auth.TenantStore, opts ...Option) *Resolver {
	r := &Resolver{
		store:   store,
		ttl:     DefaultTTL,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the tenant owning apiKey. Concurrent misses for the same
// key may each hit the store.
func (r *Resolver) Resolve(ctx context.Context, apiKey string) (*auth.Tenant, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: missing api key", auth.ErrTenantNotFound)
	}
	now := r.now()

	r.mu.Lock()
	e, ok := r.entries[apiKey]
	if ok && now.Sub(e.resolvedAt) < r.ttl {
		r.mu.Unlock()
		obs.TenantCache("hit")
		return e.tenant, nil
	}
	if ok {
		delete(r.entries, apiKey)
		obs.TenantCache("expired")
	} else {
		obs.TenantCache("miss")
	}
	r.mu.Unlock()

	t, err := r.store.FindByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			return nil, auth.ErrTenantNotFound
		}
		return nil, fmt.Errorf("tenant: lookup: %w", err)
	}

	r.mu.Lock()
	r.entries[apiKey] = entry{tenant: t, resolvedAt: now}
	r.mu.Unlock()
	return t, nil
}

// Sweep drops entries older than the TTL and returns how many were removed.
func (r *Resolver) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, e := range r.entries {
		if now.Sub(e.resolvedAt) >= r.ttl {
			delete(r.entries, k)
			n++
		}
	}
	return n
}

// Run sweeps on every tick until ctx is done.
func (r *Resolver) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Len reports the number of cached tenants.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
