// Package migrate applies the embedded PostgreSQL schema and optional seed
// files.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed sql/*.sql
var embedded embed.FS

// Schema returns the embedded migrations.
func Schema() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

const (
	migrationsTable = "schema_migrations"
	seedsTable      = "schema_seeds"

	// lockKey serialises concurrent migrators (servers started with --migrate).
	lockKey int64 = 0x7468696e61757468
)

// ErrNothingApplied is returned by Down when no migration is recorded.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Entry is one migration as reported by Status. AppliedAt is nil while the
// migration is pending.
type Entry struct {
	Name      string
	AppliedAt *time.Time
}

// Manager executes SQL migrations and seed files.
type Manager struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	now        func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithSeeds applies seed files from fsys on Seed.
func WithSeeds(fsys fs.FS) Option {
	return func(m *Manager) { m.seeds = fsys }
}

// NewManager constructs a Manager over migrations (Schema() when nil).
func NewManager(db *sql.DB, migrations fs.FS, opts ...Option) *Manager {
	if migrations == nil {
		migrations = Schema()
	}
	m := &Manager{
		db:         db,
		migrations: migrations,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// locked runs fn on one connection holding the migration advisory lock.
func (m *Manager) locked(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return fmt.Errorf("migrate: lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `select pg_advisory_unlock($1)`, lockKey)
	}()
	if err := ensureTables(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

// Up applies all pending migrations in name order. Each migration and its
// bookkeeping row commit together.
func (m *Manager) Up(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		return m.apply(ctx, conn, m.migrations, ".up.sql", migrationsTable)
	})
}

// Seed applies seed files once each.
func (m *Manager) Seed(ctx context.Context) error {
	if m.seeds == nil {
		return nil
	}
	return m.locked(ctx, func(conn *sql.Conn) error {
		return m.apply(ctx, conn, m.seeds, ".sql", seedsTable)
	})
}

func (m *Manager) apply(ctx context.Context, conn *sql.Conn, fsys fs.FS, suffix, table string) error {
	applied, err := appliedAt(ctx, conn, table)
	if err != nil {
		return err
	}
	files, err := collectSQL(fsys, suffix)
	if err != nil {
		return err
	}
	for _, f := range files {
		if _, ok := applied[f.Base]; ok {
			continue
		}
		record := fmt.Sprintf(`insert into %s(name, applied_at) values ($1, $2)`, table)
		err := runFile(ctx, conn, fsys, f.Path, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, record, f.Base, m.now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply %s: %w", f.Base, err)
		}
	}
	return nil
}

// Down reverts the latest applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedAt(ctx, conn, migrationsTable)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return ErrNothingApplied
		}
		names := make([]string, 0, len(applied))
		for name := range applied {
			names = append(names, name)
		}
		sort.Strings(names)
		last := names[len(names)-1]

		downPath := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(m.migrations, downPath); err != nil {
			return fmt.Errorf("missing down migration for %s", last)
		}
		err = runFile(ctx, conn, m.migrations, downPath, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, migrationsTable), last)
			return err
		})
		if err != nil {
			return fmt.Errorf("revert %s: %w", last, err)
		}
		return nil
	})
}

// Status lists every known migration, applied or pending, in name order.
func (m *Manager) Status(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	err := m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := appliedAt(ctx, conn, migrationsTable)
		if err != nil {
			return err
		}
		files, err := collectSQL(m.migrations, ".up.sql")
		if err != nil {
			return err
		}
		seen := make(map[string]bool, len(files))
		for _, f := range files {
			seen[f.Base] = true
			e := Entry{Name: f.Base}
			if at, ok := applied[f.Base]; ok {
				at := at
				e.AppliedAt = &at
			}
			entries = append(entries, e)
		}
		// recorded but no longer shipped
		for name, at := range applied {
			if !seen[name] {
				at := at
				entries = append(entries, Entry{Name: name, AppliedAt: &at})
			}
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		return nil
	})
	return entries, err
}

func ensureTables(ctx context.Context, conn *sql.Conn) error {
	for _, table := range []string{migrationsTable, seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := conn.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: bookkeeping %s: %w", table, err)
		}
	}
	return nil
}

// runFile executes every statement of name and then record inside one
// transaction.
func runFile(ctx context.Context, conn *sql.Conn, fsys fs.FS, name string, record func(*sql.Tx) error) error {
	body, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func appliedAt(ctx context.Context, conn *sql.Conn, table string) (map[string]time.Time, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			at   time.Time
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		out[name] = at
	}
	return out, rows.Err()
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(fsys fs.FS, suffix string) ([]sqlFile, error) {
	var files []sqlFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{Base: path.Base(p), Path: p})
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Base < files[j].Base })
	return files, nil
}

// splitStatements cuts a script at top-level semicolons. Quoted strings,
// dollar-quoted bodies and -- comments are left intact; comment-only and
// blank statements are dropped.
func splitStatements(script string) []string {
	var (
		stmts   []string
		cur     strings.Builder
		quoted  bool
		dollar  string
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" && !commentOnly(s) {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case comment:
			if c == '\n' {
				comment = false
			}
		case dollar != "":
			if strings.HasPrefix(script[i:], dollar) {
				cur.WriteString(dollar)
				i += len(dollar) - 1
				dollar = ""
				continue
			}
		case quoted:
			if c == '\'' {
				quoted = false
			}
		case c == '\'':
			quoted = true
		case c == '-' && strings.HasPrefix(script[i:], "--"):
			comment = true
		case c == '$':
			if end := strings.IndexByte(script[i+1:], '$'); end >= 0 && validTag(script[i+1:i+1+end]) {
				dollar = script[i : i+end+2]
				cur.WriteString(dollar)
				i += end + 1
				continue
			}
		case c == ';':
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()
	return stmts
}

func validTag(tag string) bool {
	for _, r := range tag {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func commentOnly(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		if l := strings.TrimSpace(line); l != "" && !strings.HasPrefix(l, "--") {
			return false
		}
	}
	return true
}
