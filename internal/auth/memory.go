package auth

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"thinauth.org/internal/ids"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps all state in process. One mutex serialises every
// operation; WithTx holds it for the whole callback and restores a snapshot
// when the callback fails.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
	byKey   map[string]string
	data    map[string]*tenantData
}

type tenantData struct {
	aliases  []*Alias
	sessions map[string]*Session
	ops      map[string]*Op
	states   map[string]map[string]any
}

func newTenantData() *tenantData {
	return &tenantData{
		sessions: make(map[string]*Session),
		ops:      make(map[string]*Op),
		states:   make(map[string]map[string]any),
	}
}

func (d *tenantData) clone() *tenantData {
	c := newTenantData()
	for _, a := range d.aliases {
		cp := *a
		c.aliases = append(c.aliases, &cp)
	}
	for k, s := range d.sessions {
		cp := *s
		c.sessions[k] = &cp
	}
	for k, op := range d.ops {
		cp := *op
		c.ops[k] = &cp
	}
	for k, st := range d.states {
		c.states[k] = maps.Clone(st)
	}
	return c
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		byKey:   make(map[string]string),
		data:    make(map[string]*tenantData),
	}
}

func (s *MemoryStore) Tenants() TenantStore { return memTenants{s} }

func (s *MemoryStore) ForTenant(tenantID string) Scope {
	return &memScope{store: s, tenantID: tenantID}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// dataFor must be called with mu held.
func (s *MemoryStore) dataFor(tenantID string) *tenantData {
	d, ok := s.data[tenantID]
	if !ok {
		d = newTenantData()
		s.data[tenantID] = d
	}
	return d
}

// Tenants -----------------------------------------------------------------
type memTenants struct{ s *MemoryStore }

func (t memTenants) Create(_ context.Context, tenant *Tenant) error {
	if tenant.APIKey == "" {
		return fmt.Errorf("%w: api key is required", ErrInvalidInput)
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if tenant.ID == "" {
		tenant.ID = ids.New()
	}
	if _, ok := t.s.byKey[tenant.APIKey]; ok {
		return ErrAlreadyExists
	}
	if _, ok := t.s.tenants[tenant.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *tenant
	t.s.tenants[cp.ID] = &cp
	t.s.byKey[cp.APIKey] = cp.ID
	return nil
}

func (t memTenants) FindByAPIKey(_ context.Context, apiKey string) (*Tenant, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	id, ok := t.s.byKey[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t.s.tenants[id]
	return &cp, nil
}

// Scope -------------------------------------------------------------------
type memScope struct {
	store    *MemoryStore
	tenantID string
	locked   bool
}

func (m *memScope) Aliases() AliasStore { return memAliases{m} }
func (m *memScope) Sessions() SessionStore { return memSessions{m} }
func (m *memScope) Ops() OpStore { return memOps{m} }
func (m *memScope) States() StateStore { return memStates{m} }

// with runs fn over the tenant data, taking the lock unless a transaction
// already holds it.
func (m *memScope) with(fn func(d *tenantData) error) error {
	if !m.locked {
		m.store.mu.Lock()
		defer m.store.mu.Unlock()
	}
	return fn(m.store.dataFor(m.tenantID))
}

func (m *memScope) WithTx(_ context.Context, fn func(Scope) error) error {
	if m.locked {
		return fn(m)
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	snapshot := m.store.dataFor(m.tenantID).clone()
	if err := fn(&memScope{store: m.store, tenantID: m.tenantID, locked: true}); err != nil {
		m.store.data[m.tenantID] = snapshot
		return err
	}
	return nil
}

// Aliases -----------------------------------------------------------------
type memAliases struct{ m *memScope }

func (a memAliases) Create(_ context.Context, alias *Alias) error {
	return a.m.with(func(d *tenantData) error {
		if alias.ID == "" {
			alias.ID = ids.New()
		}
		if alias.CreatedAt.IsZero() {
			alias.CreatedAt = time.Now().UTC()
		}
		cp := *alias
		d.aliases = append(d.aliases, &cp)
		return nil
	})
}

func (a memAliases) FindVerified(_ context.Context, credential string, typ CredentialType) ([]*Alias, error) {
	var res []*Alias
	err := a.m.with(func(d *tenantData) error {
		for _, row := range d.aliases {
			if row.Credential == credential && row.Type == typ && row.Verified() {
				cp := *row
				res = append(res, &cp)
			}
		}
		return nil
	})
	return res, err
}

func (a memAliases) FindPending(_ context.Context, userID, credential string, typ CredentialType) ([]*Alias, error) {
	var res []*Alias
	err := a.m.with(func(d *tenantData) error {
		for _, row := range d.aliases {
			if row.UserID == userID && row.Credential == credential && row.Type == typ &&
				row.VerifiedAt == nil && row.DeletedAt == nil {
				cp := *row
				res = append(res, &cp)
			}
		}
		return nil
	})
	return res, err
}

func (a memAliases) ListVerified(_ context.Context, userID string) ([]*Alias, error) {
	var res []*Alias
	err := a.m.with(func(d *tenantData) error {
		for _, row := range d.aliases {
			if row.UserID == userID && row.Verified() {
				cp := *row
				res = append(res, &cp)
			}
		}
		return nil
	})
	return res, err
}

func (a memAliases) MarkVerified(_ context.Context, userID, credential string, typ CredentialType, at time.Time) (int, error) {
	n := 0
	err := a.m.with(func(d *tenantData) error {
		for _, row := range d.aliases {
			if row.UserID == userID && row.Credential == credential && row.Type == typ &&
				row.DeletedAt == nil && row.VerifiedAt == nil {
				ts := at
				row.VerifiedAt = &ts
				n++
			}
		}
		return nil
	})
	return n, err
}

func (a memAliases) SoftDelete(_ context.Context, userID, credential string, typ CredentialType, verifiedOnly bool, at time.Time) (int, error) {
	n := 0
	err := a.m.with(func(d *tenantData) error {
		for _, row := range d.aliases {
			if row.UserID != userID || row.Credential != credential || row.Type != typ || row.DeletedAt != nil {
				continue
			}
			if verifiedOnly && row.VerifiedAt == nil {
				continue
			}
			ts := at
			row.DeletedAt = &ts
			n++
		}
		return nil
	})
	return n, err
}

// Sessions ----------------------------------------------------------------
type memSessions struct{ m *memScope }

func (s memSessions) Find(_ context.Context, id string) (*Session, error) {
	var res *Session
	err := s.m.with(func(d *tenantData) error {
		row, ok := d.sessions[id]
		if !ok {
			return ErrNotFound
		}
		cp := *row
		res = &cp
		return nil
	})
	return res, err
}

func (s memSessions) Open(_ context.Context, sess *Session) error {
	return s.m.with(func(d *tenantData) error {
		if row, ok := d.sessions[sess.ID]; ok {
			if row.VerifiedAt != nil || row.ExpiresAt != nil {
				return nil
			}
			row.UserID = sess.UserID
			row.Mode = sess.Mode
			row.PublicKey = sess.PublicKey
			return nil
		}
		cp := *sess
		cp.VerifiedAt, cp.ExpiresAt = nil, nil
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
		d.sessions[cp.ID] = &cp
		return nil
	})
}

func (s memSessions) Elevate(_ context.Context, id string, mode Mode, setVerified bool, at time.Time) (bool, error) {
	changed := false
	err := s.m.with(func(d *tenantData) error {
		row, ok := d.sessions[id]
		if !ok {
			return ErrNotFound
		}
		if row.Mode|mode != row.Mode {
			row.Mode |= mode
			changed = true
		}
		if setVerified && row.VerifiedAt == nil {
			ts := at
			row.VerifiedAt = &ts
			changed = true
		}
		return nil
	})
	return changed, err
}

func (s memSessions) Expire(_ context.Context, id string, at time.Time) error {
	return s.m.with(func(d *tenantData) error {
		row, ok := d.sessions[id]
		if !ok {
			return ErrNotFound
		}
		if row.ExpiresAt == nil {
			ts := at
			row.ExpiresAt = &ts
		}
		return nil
	})
}

// Ops ---------------------------------------------------------------------
type memOps struct{ m *memScope }

func (o memOps) Create(_ context.Context, op *Op) error {
	return o.m.with(func(d *tenantData) error {
		if op.ID == "" {
			op.ID = ids.NewUUID()
		}
		if _, ok := d.ops[op.ID]; ok {
			return ErrAlreadyExists
		}
		if op.CreatedAt.IsZero() {
			op.CreatedAt = time.Now().UTC()
		}
		cp := *op
		d.ops[cp.ID] = &cp
		return nil
	})
}

func (o memOps) Find(_ context.Context, id string) (*Op, error) {
	var res *Op
	err := o.m.with(func(d *tenantData) error {
		row, ok := d.ops[id]
		if !ok {
			return ErrNotFound
		}
		cp := *row
		res = &cp
		return nil
	})
	return res, err
}

func (o memOps) MarkConsumed(_ context.Context, id string, at time.Time) error {
	return o.m.with(func(d *tenantData) error {
		row, ok := d.ops[id]
		if !ok {
			return ErrNotFound
		}
		if row.ConsumedAt == nil {
			ts := at
			row.ConsumedAt = &ts
		}
		return nil
	})
}

// States ------------------------------------------------------------------
type memStates struct{ m *memScope }

func (s memStates) Get(_ context.Context, userID string) (map[string]any, error) {
	var res map[string]any
	err := s.m.with(func(d *tenantData) error {
		res = maps.Clone(d.states[userID])
		return nil
	})
	if res == nil {
		res = map[string]any{}
	}
	return res, err
}

func (s memStates) Merge(_ context.Context, userID string, patch map[string]any) error {
	return s.m.with(func(d *tenantData) error {
		st, ok := d.states[userID]
		if !ok {
			st = make(map[string]any, len(patch))
			d.states[userID] = st
		}
		maps.Copy(st, patch)
		return nil
	})
}
