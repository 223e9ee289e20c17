// Package authority implements the session, alias and pending operation
// state machine behind passwordless login.
package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"thinauth.org/internal/audit"
	"thinauth.org/internal/auth"
	"thinauth.org/internal/obs"
	"thinauth.org/internal/signing"
	"thinauth.org/internal/warrant"
)

// DefaultChallengeTTL bounds how long a handshake nonce can be answered.
const DefaultChallengeTTL = 2 * time.Minute

// TenantResolver maps an API key to its tenant.
type TenantResolver interface {
	Resolve(ctx context.Context, apiKey string) (*auth.Tenant, error)
}

// RefCodec turns op ids into opaque references and back.
type RefCodec interface {
	Encode(opID string) (string, error)
	Decode(ref string) (string, error)
}

// WarrantIssuer signs and verifies warrants.
type WarrantIssuer interface {
	Issue(s *auth.Session, aliases []*auth.Alias) (auth.Warrants, error)
	VerifyID(token string) (*warrant.IDClaims, error)
}

// Notifier delivers login and confirmation links.
type Notifier interface {
	Send(ctx context.Context, t *auth.Tenant, d auth.Delivery) error
}

// Connections finds the live connection of a session.
type Connections interface {
	Lookup(tenantID, sessionID string) (auth.Conn, error)
}

type challengeKey struct {
	tenantID  string
	sessionID string
}

type challenge struct {
	nonce     string
	expiresAt time.Time
}

// Service is the authority. Every operation reads the tenant API key and
// session id of the caller from auth.Caller on the context.
type Service struct {
	tenants  TenantResolver
	store    auth.Store
	refs     RefCodec
	warrants WarrantIssuer
	notifier Notifier
	conns    Connections
	signer   signing.Provider
	now      func() time.Time

	challengeTTL time.Duration
	mu           sync.Mutex
	challenges   map[challengeKey]challenge
}

// Option configures Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithNotifier sets the link delivery backend.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithConnections sets the registry used to push warrants after approval.
func WithConnections(c Connections) Option {
	return func(s *Service) { s.conns = c }
}

// WithSigner enables the challenge handshake.
func WithSigner(p signing.Provider) Option {
	return func(s *Service) { s.signer = p }
}

// WithChallengeTTL overrides DefaultChallengeTTL.
func WithChallengeTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.challengeTTL = ttl
		}
	}
}

// New constructs the authority.
func New(tenants TenantResolver, store auth.Store, refs RefCodec, warrants WarrantIssuer, opts ...Option) (*Service, error) {
	if tenants == nil || store == nil || refs == nil || warrants == nil {
		return nil, errors.New("authority: tenant resolver, store, reference codec and warrant issuer are required")
	}
	s := &Service{
		tenants:      tenants,
		store:        store,
		refs:         refs,
		warrants:     warrants,
		now:          time.Now,
		challengeTTL: DefaultChallengeTTL,
		challenges:   make(map[challengeKey]challenge),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// caller resolves the tenant of the calling API key.
func (s *Service) caller(ctx context.Context) (context.Context, *auth.Tenant, auth.Caller, error) {
	c, ok := auth.CallerFromContext(ctx)
	if !ok || c.APIKey == "" {
		return ctx, nil, c, auth.ErrTenantNotFound
	}
	t, err := s.tenants.Resolve(ctx, c.APIKey)
	if err != nil {
		return ctx, nil, c, err
	}
	return audit.WithTenant(ctx, t.ID), t, c, nil
}

// ownSession picks the session an operation targets. Callers bound to a
// session may only name their own.
func ownSession(c auth.Caller, sessionID string) (string, error) {
	switch {
	case sessionID == "" && c.SessionID == "":
		return "", fmt.Errorf("%w: session id is required", auth.ErrInvalidInput)
	case sessionID == "":
		return c.SessionID, nil
	case c.SessionID != "" && c.SessionID != sessionID:
		return "", fmt.Errorf("%w: session belongs to another caller", auth.ErrPermissionDenied)
	}
	return sessionID, nil
}

func (s *Service) activeSession(ctx context.Context, sc auth.Scope, id string) (*auth.Session, error) {
	sess, err := sc.Sessions().Find(ctx, id)
	if errors.Is(err, auth.ErrNotFound) {
		return nil, auth.ErrSessionInactive
	}
	if err != nil {
		return nil, fmt.Errorf("authority: load session: %w", err)
	}
	if !sess.Active(s.now()) {
		return nil, auth.ErrSessionInactive
	}
	return sess, nil
}

// writableSession requires an active session carrying the WRITE bit.
func (s *Service) writableSession(ctx context.Context, sc auth.Scope, id string) (*auth.Session, error) {
	sess, err := s.activeSession(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if !sess.Mode.Has(auth.ModeWrite) {
		return nil, fmt.Errorf("%w: session lacks write mode", auth.ErrPermissionDenied)
	}
	return sess, nil
}

// enforceUnique applies the alias uniqueness rule for req against verified
// rows not owned by exempt.
func enforceUnique(ctx context.Context, sc auth.Scope, req auth.AuthReq, exempt string) error {
	rows, err := sc.Aliases().FindVerified(ctx, req.Credential, req.Type)
	if err != nil {
		return fmt.Errorf("authority: load aliases: %w", err)
	}
	for _, row := range rows {
		if exempt != "" && row.UserID == exempt {
			continue
		}
		if req.Mode != auth.ModeConfirm || row.Mode != auth.ModeConfirm {
			return fmt.Errorf("%w: %s %q", auth.ErrAliasConflict, req.Type, req.Credential)
		}
	}
	return nil
}

func hasAlias(aliases []*auth.Alias, credential string, typ auth.CredentialType) bool {
	for _, a := range aliases {
		if a.Credential == credential && a.Type == typ {
			return true
		}
	}
	return false
}

// deliver sends the approval link for op to target.
func (s *Service) deliver(ctx context.Context, t *auth.Tenant, op *auth.Op, target auth.AuthReq) error {
	if s.notifier == nil {
		return fmt.Errorf("%w: no notifier configured", auth.ErrUnsupportedChannel)
	}
	ref, err := s.refs.Encode(op.ID)
	if err != nil {
		return fmt.Errorf("authority: encode reference: %w", err)
	}
	d := auth.Delivery{
		Channel:     target.Type,
		Destination: target.Credential,
		Ref:         ref,
		Op:          op.Operation,
		SessionID:   op.SessionID,
	}
	if target.Type != auth.CredentialDev {
		if d.Link, err = auth.VerifyLink(t.AuthVerifyURL, op.Operation, ref); err != nil {
			return err
		}
	}

	err = s.notifier.Send(ctx, t, d)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrRemoteNotFound):
		obs.Warn("dev request not delivered, client offline", map[string]any{
			"tenant_id":  t.ID,
			"session_id": op.SessionID,
			"op":         op.Operation.String(),
		})
		return nil
	case errors.Is(err, auth.ErrUnsupportedChannel), errors.Is(err, auth.ErrThrottled):
		return err
	}
	return fmt.Errorf("authority: deliver link: %w", err)
}

// push hands fresh warrants to the session's live connection. The client
// can always pull through RefreshAuth, so failures are only logged.
func (s *Service) push(ctx context.Context, tenantID, sessionID string, w auth.Warrants) {
	if s.conns == nil {
		return
	}
	conn, err := s.conns.Lookup(tenantID, sessionID)
	if err != nil {
		obs.Push("auth", "offline")
		return
	}
	if err := conn.OnAuth(ctx, w); err != nil {
		obs.Push("auth", "error")
		obs.Warn("warrant push failed", map[string]any{
			"tenant_id":  tenantID,
			"session_id": sessionID,
			"error":      err,
		})
		return
	}
	obs.Push("auth", "ok")
}

func observe(op string, started time.Time, errp *error) {
	obs.ObserveOperation(op, auth.Code(*errp), started)
}

func auditEvent(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Error("audit log failed", map[string]any{"event": event, "error": err})
	}
}
