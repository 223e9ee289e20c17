package fanout

import (
	"sync"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/obs"
)

type connKey struct {
	tenantID  string
	sessionID string
}

type registration struct {
	id   int
	conn auth.Conn
}

// Registry maps live client connections by tenant and session id so the
// server can push to a specific client.
type Registry struct {
	mu    sync.RWMutex
	conns map[connKey]registration
	next  int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[connKey]registration)}
}

// Register binds conn to the session, replacing any earlier connection for
// it. The returned func removes the binding only if it is still current, so
// a stale connection closing after a reconnect does not evict its successor.
func (r *Registry) Register(tenantID, sessionID string, conn auth.Conn) (unregister func()) {
	k := connKey{tenantID, sessionID}

	r.mu.Lock()
	id := r.next
	r.next++
	r.conns[k] = registration{id: id, conn: conn}
	n := len(r.conns)
	r.mu.Unlock()
	obs.SetLiveConnections(n)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if cur, ok := r.conns[k]; ok && cur.id == id {
				delete(r.conns, k)
			}
			n := len(r.conns)
			r.mu.Unlock()
			obs.SetLiveConnections(n)
		})
	}
}

// Lookup returns the live connection for the session, or
// auth.ErrRemoteNotFound when the client is offline.
func (r *Registry) Lookup(tenantID, sessionID string) (auth.Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.conns[connKey{tenantID, sessionID}]
	if !ok {
		return nil, auth.ErrRemoteNotFound
	}
	return reg.conn, nil
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
