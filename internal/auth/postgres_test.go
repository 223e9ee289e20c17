package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMock(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGTenantFindByAPIKey(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select id, name, api_key, auth_verify_url, config, notifier_configs from tenant").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "api_key", "auth_verify_url", "config", "notifier_configs"}).
			AddRow("t1", "acme", "key-1", "https://acme.example/verify",
				[]byte(`{"channelWhitelist":["dev","email"]}`),
				[]byte(`{"mailgun":{"apiKey":"mg","domain":"mg.acme.example","from":"auth@acme.example","subject":"Login"}}`)))

	tenant, err := store.Tenants().FindByAPIKey(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("FindByAPIKey: %v", err)
	}
	if !tenant.Allows(CredentialEmail) || tenant.Allows(CredentialSMS) {
		t.Fatalf("unexpected whitelist: %v", tenant.Config.ChannelWhitelist)
	}
	if tenant.Notifiers.Mailgun == nil || tenant.Notifiers.Mailgun.Domain != "mg.acme.example" {
		t.Fatalf("mailgun config not decoded: %+v", tenant.Notifiers)
	}

	mock.ExpectQuery("select id, name, api_key").WithArgs("nope").WillReturnError(sql.ErrNoRows)
	if _, err := store.Tenants().FindByAPIKey(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGTenantCreateConflict(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("insert into tenant").
		WithArgs(sqlmock.AnyArg(), "acme", "key-1", "https://acme.example/verify", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Tenants().Create(context.Background(), &Tenant{Name: "acme", APIKey: "key-1", AuthVerifyURL: "https://acme.example/verify"})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGSessionElevate(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := store.ForTenant("t1").Sessions()

	mock.ExpectExec("update session\\s+set mode = mode \\| \\$3").
		WithArgs("t1", "s1", int16(ModeReadWrite), true, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	changed, err := sessions.Elevate(context.Background(), "s1", ModeReadWrite, true, now)
	if err != nil || !changed {
		t.Fatalf("Elevate: changed=%v err=%v", changed, err)
	}

	mock.ExpectExec("update session\\s+set mode").
		WithArgs("t1", "s1", int16(ModeRead), true, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	changed, err = sessions.Elevate(context.Background(), "s1", ModeRead, true, now)
	if err != nil || changed {
		t.Fatalf("no-op Elevate: changed=%v err=%v", changed, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGSessionFindAndExpire(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions := store.ForTenant("t1").Sessions()

	mock.ExpectQuery("select id, user_id, mode, coalesce\\(public_key, ''\\), verified_at, expires_at, created_at").
		WithArgs("t1", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "mode", "public_key", "verified_at", "expires_at", "created_at"}).
			AddRow("s1", "u1", int16(3), "", now, nil, now))
	s, err := sessions.Find(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if s.Mode != ModeReadWrite || s.VerifiedAt == nil || s.ExpiresAt != nil {
		t.Fatalf("unexpected session: %+v", s)
	}

	mock.ExpectExec("update session set expires_at = coalesce\\(expires_at, \\$3\\)").
		WithArgs("t1", "missing", now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := sessions.Expire(context.Background(), "missing", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGOpFind(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	opID := "1b4e28ba-2fa1-11d2-883f-0016d3cca427"

	mock.ExpectQuery("select id, session_id, operation, add_alias, remove_alias, consumed_at, created_at").
		WithArgs("t1", opID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "operation", "add_alias", "remove_alias", "consumed_at", "created_at"}).
			AddRow(opID, "s1", int16(OpAliasUpdate),
				[]byte(`{"type":"email","credential":"new@x.io","mode":3}`),
				[]byte(`{"type":"email","credential":"old@x.io","mode":3}`),
				nil, now))

	op, err := store.ForTenant("t1").Ops().Find(context.Background(), opID)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if op.Operation != OpAliasUpdate || op.AddAlias.Credential != "new@x.io" {
		t.Fatalf("unexpected op: %+v", op)
	}
	if op.RemoveAlias == nil || op.RemoveAlias.Credential != "old@x.io" {
		t.Fatalf("remove alias not decoded: %+v", op.RemoveAlias)
	}

	// malformed ids never reach the database
	if _, err := store.ForTenant("t1").Ops().Find(context.Background(), "garbage"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGWithTx(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	scope := store.ForTenant("t1")

	mock.ExpectBegin()
	mock.ExpectExec("update alias set deleted_at=\\$5").
		WithArgs("t1", "u1", "old@x.io", "email", now, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update alias set verified_at=\\$5").
		WithArgs("t1", "u1", "new@x.io", "email", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := scope.WithTx(context.Background(), func(tx Scope) error {
		if _, err := tx.Aliases().SoftDelete(context.Background(), "u1", "old@x.io", CredentialEmail, true, now); err != nil {
			return err
		}
		_, err := tx.Aliases().MarkVerified(context.Background(), "u1", "new@x.io", CredentialEmail, now)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	if err := scope.WithTx(context.Background(), func(Scope) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGStateMerge(t *testing.T) {
	store, mock := newMock(t)
	states := store.ForTenant("t1").States()

	mock.ExpectExec("insert into state\\(tenant_id, key, state\\)").
		WithArgs("t1", "u1", []byte(`{"theme":"dark"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := states.Merge(context.Background(), "u1", map[string]any{"theme": "dark"}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	mock.ExpectQuery("select state from state").WithArgs("t1", "u2").WillReturnError(sql.ErrNoRows)
	got, err := states.Get(context.Background(), "u2")
	if err != nil || len(got) != 0 {
		t.Fatalf("Get missing: %v %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
