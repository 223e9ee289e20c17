package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"thinauth.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ Store = (*PGStore)(nil)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Tenants() TenantStore { return &pgTenants{db: s.db} }

func (s *PGStore) ForTenant(tenantID string) Scope {
	return &pgScope{db: s.db, q: s.db, tenantID: tenantID}
}

func (s *PGStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func mapWriteError(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return ErrAlreadyExists
		case pgErrForeignKeyViolation:
			return ErrNotFound
		}
	}
	return err
}

func affected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Tenant store -------------------------------------------------------------
type pgTenants struct{ db *sql.DB }

func (s *pgTenants) Create(ctx context.Context, t *Tenant) error {
	if t.APIKey == "" {
		return fmt.Errorf("%w: api key is required", ErrInvalidInput)
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return err
	}
	notifiers, err := json.Marshal(t.Notifiers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into tenant(id, name, api_key, auth_verify_url, config, notifier_configs) values($1,$2,$3,$4,$5,$6)`,
		t.ID, t.Name, t.APIKey, t.AuthVerifyURL, cfg, notifiers,
	)
	return mapWriteError(err)
}

func (s *pgTenants) FindByAPIKey(ctx context.Context, apiKey string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, api_key, auth_verify_url, config, notifier_configs from tenant where api_key=$1`, apiKey)
	var (
		t         Tenant
		cfg       []byte
		notifiers []byte
	)
	if err := row.Scan(&t.ID, &t.Name, &t.APIKey, &t.AuthVerifyURL, &cfg, &notifiers); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &t.Config); err != nil {
			return nil, fmt.Errorf("decode tenant config: %w", err)
		}
	}
	if len(notifiers) > 0 {
		if err := json.Unmarshal(notifiers, &t.Notifiers); err != nil {
			return nil, fmt.Errorf("decode notifier configs: %w", err)
		}
	}
	return &t, nil
}

// Scope ---------------------------------------------------------------------
type pgScope struct {
	db       *sql.DB
	q        querier
	tenantID string
	inTx     bool
}

func (s *pgScope) Aliases() AliasStore { return &pgAliases{s} }
func (s *pgScope) Sessions() SessionStore { return &pgSessions{s} }
func (s *pgScope) Ops() OpStore { return &pgOps{s} }
func (s *pgScope) States() StateStore { return &pgStates{s} }

func (s *pgScope) WithTx(ctx context.Context, fn func(Scope) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(&pgScope{db: s.db, q: tx, tenantID: s.tenantID, inTx: true}); err != nil {
		return err
	}
	return tx.Commit()
}

// Alias store ---------------------------------------------------------------
type pgAliases struct{ s *pgScope }

const aliasColumns = `id, credential, type, coalesce(secret, ''), user_id, mode, verified_at, deleted_at, created_at`

func scanAliases(rows *sql.Rows) ([]*Alias, error) {
	defer rows.Close()
	var res []*Alias
	for rows.Next() {
		var (
			a    Alias
			mode int16
		)
		if err := rows.Scan(&a.ID, &a.Credential, &a.Type, &a.Secret, &a.UserID, &mode, &a.VerifiedAt, &a.DeletedAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Mode = Mode(mode)
		res = append(res, &a)
	}
	return res, rows.Err()
}

func (a *pgAliases) Create(ctx context.Context, alias *Alias) error {
	if alias.ID == "" {
		alias.ID = ids.New()
	}
	var secret any
	if alias.Secret != "" {
		secret = alias.Secret
	}
	_, err := a.s.q.ExecContext(ctx,
		`insert into alias(id, tenant_id, credential, type, secret, user_id, mode) values($1,$2,$3,$4,$5,$6,$7)`,
		alias.ID, a.s.tenantID, alias.Credential, string(alias.Type), secret, alias.UserID, int16(alias.Mode),
	)
	return mapWriteError(err)
}

func (a *pgAliases) FindVerified(ctx context.Context, credential string, typ CredentialType) ([]*Alias, error) {
	rows, err := a.s.q.QueryContext(ctx,
		`select `+aliasColumns+` from alias
		  where tenant_id=$1 and credential=$2 and type=$3 and verified_at is not null and deleted_at is null
		  order by created_at`,
		a.s.tenantID, credential, string(typ))
	if err != nil {
		return nil, err
	}
	return scanAliases(rows)
}

func (a *pgAliases) FindPending(ctx context.Context, userID, credential string, typ CredentialType) ([]*Alias, error) {
	rows, err := a.s.q.QueryContext(ctx,
		`select `+aliasColumns+` from alias
		  where tenant_id=$1 and user_id=$2 and credential=$3 and type=$4 and verified_at is null and deleted_at is null
		  order by created_at`,
		a.s.tenantID, userID, credential, string(typ))
	if err != nil {
		return nil, err
	}
	return scanAliases(rows)
}

func (a *pgAliases) ListVerified(ctx context.Context, userID string) ([]*Alias, error) {
	rows, err := a.s.q.QueryContext(ctx,
		`select `+aliasColumns+` from alias
		  where tenant_id=$1 and user_id=$2 and verified_at is not null and deleted_at is null
		  order by created_at`,
		a.s.tenantID, userID)
	if err != nil {
		return nil, err
	}
	return scanAliases(rows)
}

func (a *pgAliases) MarkVerified(ctx context.Context, userID, credential string, typ CredentialType, at time.Time) (int, error) {
	res, err := a.s.q.ExecContext(ctx,
		`update alias set verified_at=$5
		  where tenant_id=$1 and user_id=$2 and credential=$3 and type=$4 and deleted_at is null and verified_at is null`,
		a.s.tenantID, userID, credential, string(typ), at)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

func (a *pgAliases) SoftDelete(ctx context.Context, userID, credential string, typ CredentialType, verifiedOnly bool, at time.Time) (int, error) {
	res, err := a.s.q.ExecContext(ctx,
		`update alias set deleted_at=$5
		  where tenant_id=$1 and user_id=$2 and credential=$3 and type=$4 and deleted_at is null
		    and ($6 = false or verified_at is not null)`,
		a.s.tenantID, userID, credential, string(typ), at, verifiedOnly)
	if err != nil {
		return 0, err
	}
	return affected(res)
}

// Session store -------------------------------------------------------------
type pgSessions struct{ s *pgScope }

func (p *pgSessions) Find(ctx context.Context, id string) (*Session, error) {
	row := p.s.q.QueryRowContext(ctx,
		`select id, user_id, mode, coalesce(public_key, ''), verified_at, expires_at, created_at
		   from session where tenant_id=$1 and id=$2`, p.s.tenantID, id)
	var (
		sess Session
		mode int16
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &mode, &sess.PublicKey, &sess.VerifiedAt, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sess.Mode = Mode(mode)
	return &sess, nil
}

func (p *pgSessions) Open(ctx context.Context, sess *Session) error {
	var pub any
	if sess.PublicKey != "" {
		pub = sess.PublicKey
	}
	_, err := p.s.q.ExecContext(ctx,
		`insert into session(tenant_id, id, user_id, mode, public_key) values($1,$2,$3,$4,$5)
		 on conflict (tenant_id, id) do update
		    set user_id=excluded.user_id, mode=excluded.mode, public_key=excluded.public_key
		  where session.verified_at is null and session.expires_at is null`,
		p.s.tenantID, sess.ID, sess.UserID, int16(sess.Mode), pub)
	return mapWriteError(err)
}

// Elevate is a single statement so concurrent approvals cannot interleave
// a read of mode with a write of verified_at.
func (p *pgSessions) Elevate(ctx context.Context, id string, mode Mode, setVerified bool, at time.Time) (bool, error) {
	res, err := p.s.q.ExecContext(ctx,
		`update session
		    set mode = mode | $3,
		        verified_at = case when verified_at is null and $4 then $5 else verified_at end
		  where tenant_id=$1 and id=$2
		    and ((mode | $3) <> mode or (verified_at is null and $4))`,
		p.s.tenantID, id, int16(mode), setVerified, at)
	if err != nil {
		return false, err
	}
	n, err := affected(res)
	return n > 0, err
}

func (p *pgSessions) Expire(ctx context.Context, id string, at time.Time) error {
	res, err := p.s.q.ExecContext(ctx,
		`update session set expires_at = coalesce(expires_at, $3) where tenant_id=$1 and id=$2`,
		p.s.tenantID, id, at)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Op store ------------------------------------------------------------------
type pgOps struct{ s *pgScope }

func (o *pgOps) Create(ctx context.Context, op *Op) error {
	if op.ID == "" {
		op.ID = ids.NewUUID()
	}
	add, err := json.Marshal(op.AddAlias)
	if err != nil {
		return err
	}
	var remove []byte
	if op.RemoveAlias != nil {
		if remove, err = json.Marshal(op.RemoveAlias); err != nil {
			return err
		}
	}
	_, err = o.s.q.ExecContext(ctx,
		`insert into op(id, tenant_id, session_id, operation, add_alias, remove_alias) values($1,$2,$3,$4,$5,$6)`,
		op.ID, o.s.tenantID, op.SessionID, int16(op.Operation), add, remove)
	return mapWriteError(err)
}

func (o *pgOps) Find(ctx context.Context, id string) (*Op, error) {
	if !ids.ValidUUID(id) {
		return nil, ErrNotFound
	}
	row := o.s.q.QueryRowContext(ctx,
		`select id, session_id, operation, add_alias, remove_alias, consumed_at, created_at
		   from op where tenant_id=$1 and id=$2`, o.s.tenantID, id)
	var (
		op     Op
		kind   int16
		add    []byte
		remove []byte
	)
	if err := row.Scan(&op.ID, &op.SessionID, &kind, &add, &remove, &op.ConsumedAt, &op.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	op.Operation = OpKind(kind)
	if err := json.Unmarshal(add, &op.AddAlias); err != nil {
		return nil, fmt.Errorf("decode add_alias: %w", err)
	}
	if len(remove) > 0 {
		op.RemoveAlias = new(AuthReq)
		if err := json.Unmarshal(remove, op.RemoveAlias); err != nil {
			return nil, fmt.Errorf("decode remove_alias: %w", err)
		}
	}
	return &op, nil
}

func (o *pgOps) MarkConsumed(ctx context.Context, id string, at time.Time) error {
	res, err := o.s.q.ExecContext(ctx,
		`update op set consumed_at = coalesce(consumed_at, $3) where tenant_id=$1 and id=$2`,
		o.s.tenantID, id, at)
	if err != nil {
		return err
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// State store ---------------------------------------------------------------
type pgStates struct{ s *pgScope }

func (st *pgStates) Get(ctx context.Context, userID string) (map[string]any, error) {
	var raw []byte
	err := st.s.q.QueryRowContext(ctx,
		`select state from state where tenant_id=$1 and key=$2`, st.s.tenantID, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode state: %w", err)
		}
	}
	return out, nil
}

// Merge relies on jsonb concatenation, which replaces top-level keys only.
func (st *pgStates) Merge(ctx context.Context, userID string, patch map[string]any) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return err
	}
	_, err = st.s.q.ExecContext(ctx,
		`insert into state(tenant_id, key, state) values($1,$2,$3)
		 on conflict (tenant_id, key) do update
		    set state = state.state || excluded.state, updated_at = now()`,
		st.s.tenantID, userID, raw)
	return err
}
