// Package client caches a session's warrants on the client side and keeps
// them fresh against the authority.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/fanout"
	"thinauth.org/internal/ids"
	"thinauth.org/internal/obs"
	"thinauth.org/internal/signing"
	"thinauth.org/internal/warrant"
)

// DefaultRefreshWindow is how long a cached warrant pair is served without
// asking the authority again.
const DefaultRefreshWindow = 10 * time.Minute

const (
	keySessionID = "session_id"
	keyWarrants  = "warrants"
	keyKeypair   = "keypair"
)

var (
	// ErrSigningDisabled is returned by Keypair when no signer is configured.
	ErrSigningDisabled = errors.New("client: signing disabled")
	// ErrStalePush is returned by OnAuth for warrants pushed to a session
	// this cache no longer holds.
	ErrStalePush = errors.New("client: push for a released session")
)

// Remote is the part of the authority the cache talks to.
type Remote interface {
	RefreshAuth(ctx context.Context, sessionID string) (auth.Warrants, error)
	RevokeAuth(ctx context.Context, sessionID string) error
}

type refreshCall struct {
	done chan struct{}
	val  *auth.Warrants
	err  error
}

// Cache holds one session's warrants. Concurrent GetWarrants calls share a
// single in-flight refresh.
type Cache struct {
	remote Remote
	store  Storage
	signer signing.Provider
	now    func() time.Time
	window time.Duration
	onDev  func(ref string, op auth.OpKind)

	dispatcher *fanout.Dispatcher[*auth.Warrants]

	mu      sync.Mutex
	pending *refreshCall
	gen     uint64

	keyMu sync.Mutex
}

// Option configures Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithRefreshWindow sets how old a cached id warrant may be before
// GetWarrants refreshes it.
func WithRefreshWindow(d time.Duration) Option {
	return func(c *Cache) { c.window = d }
}

// WithSigner enables the persisted signing keypair.
func WithSigner(p signing.Provider) Option {
	return func(c *Cache) { c.signer = p }
}

// WithDevHandler receives dev-channel approval requests pushed to this session.
func WithDevHandler(fn func(ref string, op auth.OpKind)) Option {
	return func(c *Cache) { c.onDev = fn }
}

// New builds a cache over remote and store.
func New(remote Remote, store Storage, opts ...Option) *Cache {
	c := &Cache{
		remote:     remote,
		store:      store,
		now:        time.Now,
		window:     DefaultRefreshWindow,
		dispatcher: fanout.NewDispatcher(sameWarrants),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sameWarrants(a, b *auth.Warrants) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// SessionID returns the persisted session id, creating one on first use.
func (c *Cache) SessionID(ctx context.Context) (string, error) {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	v, ok, err := c.store.Get(ctx, keySessionID)
	if err != nil {
		return "", err
	}
	if ok && len(v) > 0 {
		return string(v), nil
	}
	id := ids.NewSecret()
	if err := c.store.Set(ctx, keySessionID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

// Keypair returns the persisted signing keypair, creating one on first use.
func (c *Cache) Keypair(ctx context.Context) (signing.Keypair, error) {
	if c.signer == nil {
		return signing.Keypair{}, ErrSigningDisabled
	}
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	v, ok, err := c.store.Get(ctx, keyKeypair)
	if err != nil {
		return signing.Keypair{}, err
	}
	if ok {
		if kp, err := signing.UnmarshalKeypair(v); err == nil {
			return kp, nil
		}
		obs.Warn("stored keypair unreadable, replacing", nil)
	}
	kp, err := c.signer.CreateKeypair()
	if err != nil {
		return signing.Keypair{}, err
	}
	data, err := signing.MarshalKeypair(kp)
	if err != nil {
		return signing.Keypair{}, err
	}
	if err := c.store.Set(ctx, keyKeypair, data); err != nil {
		return signing.Keypair{}, err
	}
	return kp, nil
}

func (c *Cache) load(ctx context.Context) (*auth.Warrants, error) {
	v, ok, err := c.store.Get(ctx, keyWarrants)
	if err != nil || !ok {
		return nil, err
	}
	var w auth.Warrants
	if err := json.Unmarshal(v, &w); err != nil {
		obs.Warn("cached warrants unreadable, ignoring", map[string]any{"error": err})
		return nil, nil
	}
	return &w, nil
}

func (c *Cache) save(ctx context.Context, w auth.Warrants) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, keyWarrants, data)
}

func (c *Cache) fresh(w *auth.Warrants) bool {
	iat, err := warrant.IssuedAt(w.ID)
	if err != nil || iat.IsZero() {
		return false
	}
	return c.now().Sub(iat) <= c.window
}

// GetWarrants returns the session's warrants, refreshing them when the cached
// pair is missing or older than the refresh window. Refresh failures other
// than an inactive session fall back to the cached pair.
func (c *Cache) GetWarrants(ctx context.Context) (*auth.Warrants, error) {
	c.mu.Lock()
	if call := c.pending; call != nil {
		c.mu.Unlock()
		return wait(ctx, call)
	}
	cached, err := c.load(ctx)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if cached != nil && c.fresh(cached) {
		c.mu.Unlock()
		return cached, nil
	}
	call := &refreshCall{done: make(chan struct{})}
	c.pending = call
	gen := c.gen
	c.mu.Unlock()

	c.refresh(ctx, call, cached, gen)
	return call.val, call.err
}

func wait(ctx context.Context, call *refreshCall) (*auth.Warrants, error) {
	select {
	case <-call.done:
		return call.val, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) refresh(ctx context.Context, call *refreshCall, prev *auth.Warrants, gen uint64) {
	dispatch := false
	defer func() {
		c.mu.Lock()
		if c.pending == call {
			c.pending = nil
		}
		c.mu.Unlock()
		close(call.done)
		if dispatch {
			c.dispatcher.Dispatch(call.val)
		}
	}()

	sessionID, err := c.SessionID(ctx)
	if err != nil {
		call.err = err
		return
	}
	w, err := c.remote.RefreshAuth(auth.ContextWithCaller(ctx, auth.Caller{SessionID: sessionID}), sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// reset while in flight; the old session's result is stale
		return
	}
	switch {
	case err == nil:
		if serr := c.save(ctx, w); serr != nil {
			obs.Warn("persist warrants failed", map[string]any{"error": serr})
		}
		call.val = &w
		dispatch = true
	case errors.Is(err, auth.ErrSessionInactive):
		if derr := c.store.Delete(ctx, keyWarrants); derr != nil {
			obs.Warn("clear warrants failed", map[string]any{"error": derr})
		}
		dispatch = true
	default:
		obs.Warn("refresh warrants failed", map[string]any{"error": err, "session_id": sessionID})
		call.val = prev
	}
}

// GetIDWarrant returns the current id warrant or "" when unauthenticated.
func (c *Cache) GetIDWarrant(ctx context.Context) (string, error) {
	w, err := c.GetWarrants(ctx)
	if err != nil || w == nil {
		return "", err
	}
	return w.ID, nil
}

// AuthSync registers fn for warrant changes and calls it once with the
// current value.
func (c *Cache) AuthSync(ctx context.Context, fn func(*auth.Warrants)) (unsubscribe func()) {
	var called atomic.Bool
	unsubscribe = c.dispatcher.Subscribe(func(w *auth.Warrants) {
		called.Store(true)
		fn(w)
	})
	w, err := c.GetWarrants(ctx)
	if err != nil {
		obs.Warn("auth sync: read warrants failed", map[string]any{"error": err})
	}
	if !c.dispatcher.Dispatch(w) && !called.Load() {
		fn(w)
	}
	return unsubscribe
}

// AuthReset revokes the session and forgets all local auth state. Local
// state is cleared even when the revoke fails.
func (c *Cache) AuthReset(ctx context.Context) error {
	var revokeErr error
	v, ok, err := c.store.Get(ctx, keySessionID)
	if err != nil {
		return err
	}
	if ok && len(v) > 0 {
		sessionID := string(v)
		if err := c.remote.RevokeAuth(auth.ContextWithCaller(ctx, auth.Caller{SessionID: sessionID}), sessionID); err != nil {
			revokeErr = fmt.Errorf("client: revoke: %w", err)
		}
	}

	c.mu.Lock()
	c.gen++
	c.pending = nil
	g, gctx := errgroup.WithContext(ctx)
	keys := []string{keySessionID, keyWarrants}
	if c.signer != nil {
		keys = append(keys, keyKeypair)
	}
	for _, key := range keys {
		g.Go(func() error { return c.store.Delete(gctx, key) })
	}
	clearErr := g.Wait()
	c.mu.Unlock()

	c.dispatcher.Dispatch(nil)
	if clearErr != nil {
		return clearErr
	}
	return revokeErr
}

// OnAuth stores warrants pushed by the authority. Pushes are only accepted
// for the session the cache currently holds; when ctx carries a caller, its
// session id must match.
func (c *Cache) OnAuth(ctx context.Context, w auth.Warrants) error {
	c.mu.Lock()
	v, ok, err := c.store.Get(ctx, keySessionID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	current := string(v)
	caller, _ := auth.CallerFromContext(ctx)
	if !ok || current == "" || (caller.SessionID != "" && caller.SessionID != current) {
		c.mu.Unlock()
		return ErrStalePush
	}
	err = c.save(ctx, w)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.dispatcher.Dispatch(&w)
	return nil
}

// OnDevRequest hands a dev-channel approval request to the configured handler.
func (c *Cache) OnDevRequest(_ context.Context, ref string, op auth.OpKind) error {
	if c.onDev == nil {
		obs.Info("dev request ignored", map[string]any{"op": op.String()})
		return nil
	}
	c.onDev(ref, op)
	return nil
}

var _ auth.Conn = (*Cache)(nil)
