package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/config"
	"thinauth.org/internal/migrate"
)

func main() {
	log.SetFlags(0)
	var (
		dsn        = pflag.String("dsn", os.Getenv("THINAUTH_PG_DSN"), "PostgreSQL DSN")
		seedsPath  = pflag.String("seeds", "", "directory of SQL seed files")
		configPath = pflag.StringP("config", "c", "", "config file whose tenants seed-tenants creates")
	)
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or THINAUTH_PG_DSN")
	}
	if pflag.NArg() == 0 {
		log.Fatal("usage: thinauth-migrate [up|down|status|seed|seed-tenants]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	var opts []migrate.Option
	if *seedsPath != "" {
		opts = append(opts, migrate.WithSeeds(os.DirFS(*seedsPath)))
	}
	mgr := migrate.NewManager(db, nil, opts...)

	switch pflag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var entries []migrate.Entry
		entries, err = mgr.Status(ctx)
		for _, e := range entries {
			if e.AppliedAt == nil {
				fmt.Printf("pending  %s\n", e.Name)
				continue
			}
			fmt.Printf("applied  %s  %s\n", e.Name, e.AppliedAt.Format(time.RFC3339))
		}
	case "seed-tenants":
		err = seedTenants(ctx, db, *configPath)
	default:
		log.Fatalf("unknown command %q", pflag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", pflag.Arg(0), err)
	}
}

func seedTenants(ctx context.Context, db *sql.DB, path string) error {
	if path == "" {
		return fmt.Errorf("seed-tenants needs --config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	tenants := auth.NewPGStore(db).Tenants()
	for i := range cfg.Tenants {
		t := cfg.Tenants[i]
		switch err := tenants.Create(ctx, &t); {
		case err == nil:
			fmt.Printf("created %s %s\n", t.ID, t.Name)
		case errors.Is(err, auth.ErrAlreadyExists):
			fmt.Printf("exists  %s\n", t.Name)
		default:
			return fmt.Errorf("tenant %q: %w", t.Name, err)
		}
	}
	return nil
}
