package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"thinauth.org/internal/auth"
)

type countingStore struct {
	mu      sync.Mutex
	calls   int
	tenants map[string]*auth.Tenant
}

func (s *countingStore) Create(context.Context, *auth.Tenant) error { return nil }

func (s *countingStore) FindByAPIKey(_ context.Context, key string) (*auth.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	t, ok := s.tenants[key]
	if !ok {
		return nil, auth.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func TestResolverCachesWithinTTL(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &countingStore{tenants: map[string]*auth.Tenant{"k1": {ID: "t1", Name: "acme"}}}
	r := NewResolver(store, WithClock(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		got, err := r.Resolve(context.Background(), "k1")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got.ID != "t1" {
			t.Fatalf("unexpected tenant %s", got.ID)
		}
	}
	if store.calls != 1 {
		t.Fatalf("expected 1 store call, got %d", store.calls)
	}

	// edits are invisible until the entry ages out
	store.tenants["k1"].Name = "renamed"
	now = now.Add(DefaultTTL - time.Second)
	got, _ := r.Resolve(context.Background(), "k1")
	if got.Name != "acme" {
		t.Fatalf("expected cached name, got %s", got.Name)
	}

	now = now.Add(2 * time.Second)
	got, _ = r.Resolve(context.Background(), "k1")
	if got.Name != "renamed" || store.calls != 2 {
		t.Fatalf("expected refetch after ttl: name=%s calls=%d", got.Name, store.calls)
	}
}

func TestResolverUnknownKey(t *testing.T) {
	r := NewResolver(&countingStore{tenants: map[string]*auth.Tenant{}})
	if _, err := r.Resolve(context.Background(), "nope"); !errors.Is(err, auth.ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
	if _, err := r.Resolve(context.Background(), " "); !errors.Is(err, auth.ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound for blank key, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("misses must not be cached")
	}
}

func TestResolverSweep(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &countingStore{tenants: map[string]*auth.Tenant{"k1": {ID: "t1"}, "k2": {ID: "t2"}}}
	r := NewResolver(store, WithTTL(time.Minute), WithClock(func() time.Time { return now }))
	_, _ = r.Resolve(context.Background(), "k1")
	now = now.Add(30 * time.Second)
	_, _ = r.Resolve(context.Background(), "k2")

	if n := r.Sweep(now.Add(40 * time.Second)); n != 1 {
		t.Fatalf("expected 1 swept entry, got %d", n)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", r.Len())
	}
}
