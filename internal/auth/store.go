package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the authority.
// Every per-tenant table is reached through ForTenant, so no query path
// crosses tenants.
type Store interface {
	Tenants() TenantStore
	ForTenant(tenantID string) Scope
	Ping(ctx context.Context) error
}

// TenantStore manages the root tenant table.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	FindByAPIKey(ctx context.Context, apiKey string) (*Tenant, error)
}

// Scope is a tenant-bound view over alias, session, op and state rows.
type Scope interface {
	Aliases() AliasStore
	Sessions() SessionStore
	Ops() OpStore
	States() StateStore
	// WithTx runs fn against a scope bound to one transaction.
	WithTx(ctx context.Context, fn func(Scope) error) error
}

// AliasStore manages credential bindings.
type AliasStore interface {
	Create(ctx context.Context, a *Alias) error
	// FindVerified lists verified, non-deleted rows for (credential, type).
	FindVerified(ctx context.Context, credential string, typ CredentialType) ([]*Alias, error)
	// FindPending lists the user's unverified, non-deleted rows for
	// (credential, type).
	FindPending(ctx context.Context, userID, credential string, typ CredentialType) ([]*Alias, error)
	// ListVerified lists verified, non-deleted rows owned by userID.
	ListVerified(ctx context.Context, userID string) ([]*Alias, error)
	// MarkVerified sets verified_at on the user's non-deleted, unverified rows
	// for (credential, type) and returns the number of rows changed.
	MarkVerified(ctx context.Context, userID, credential string, typ CredentialType, at time.Time) (int, error)
	// SoftDelete sets deleted_at on the user's non-deleted rows for
	// (credential, type). Verified-only restricts to verified rows.
	SoftDelete(ctx context.Context, userID, credential string, typ CredentialType, verifiedOnly bool, at time.Time) (int, error)
}

// SessionStore manages sessions.
type SessionStore interface {
	Find(ctx context.Context, id string) (*Session, error)
	// Open inserts an unverified session, or rebinds an existing session that
	// is still unverified and unexpired. Verified or expired rows are left
	// untouched.
	Open(ctx context.Context, s *Session) error
	// Elevate ORs mode into the session and, when setVerified is true, sets
	// verified_at if still null. It writes only when a field changes and
	// reports whether it did.
	Elevate(ctx context.Context, id string, mode Mode, setVerified bool, at time.Time) (bool, error)
	// Expire sets expires_at if not already set.
	Expire(ctx context.Context, id string, at time.Time) error
}

// OpStore manages pending operations.
type OpStore interface {
	Create(ctx context.Context, op *Op) error
	Find(ctx context.Context, id string) (*Op, error)
	MarkConsumed(ctx context.Context, id string, at time.Time) error
}

// StateStore holds opaque per-user state.
type StateStore interface {
	Get(ctx context.Context, userID string) (map[string]any, error)
	// Merge shallow-merges patch into the stored state.
	Merge(ctx context.Context, userID string, patch map[string]any) error
}
