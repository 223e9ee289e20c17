package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"thinauth.org/internal/auth"
	"thinauth.org/internal/authority"
	"thinauth.org/internal/config"
	"thinauth.org/internal/fanout"
	"thinauth.org/internal/httpapi"
	"thinauth.org/internal/migrate"
	"thinauth.org/internal/notify"
	"thinauth.org/internal/obs"
	"thinauth.org/internal/opref"
	"thinauth.org/internal/rpc"
	"thinauth.org/internal/signing"
	"thinauth.org/internal/tenant"
	"thinauth.org/internal/warrant"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	log.SetFlags(0)
	if err := run(); err != nil {
		obs.Error("server exited", map[string]any{"error": err})
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("thinauth-server", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("THINAUTH_CONFIG"), "path to YAML config")
	autoMigrate := flags.Bool("migrate", false, "apply pending schema migrations on start")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("thinauth-server %s (%s)\n", version, commit)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db    *sql.DB
		store auth.Store
	)
	if cfg.Database.DSN != "" {
		db, err = sql.Open("pgx", cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxOpenConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
		if *autoMigrate {
			if err := migrate.NewManager(db, nil).Up(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		store = auth.NewPGStore(db)
	} else {
		obs.Warn("no database configured, state is kept in memory", nil)
		store = auth.NewMemoryStore()
	}

	if err := seedTenants(ctx, store.Tenants(), cfg.Tenants); err != nil {
		return err
	}

	codec, err := opref.New([]byte(cfg.Secrets.Reference))
	if err != nil {
		return err
	}
	issuer, err := warrant.NewIssuer([]byte(cfg.Secrets.Warrant), warrant.WithIssuer(cfg.Warrant.Issuer))
	if err != nil {
		return err
	}
	resolver := tenant.NewResolver(store.Tenants(), tenant.WithTTL(cfg.Tenant.CacheTTL))
	registry := fanout.NewRegistry()
	router := notify.NewRouter(registry,
		notify.WithHTTPClient(&http.Client{Timeout: cfg.Notify.Timeout}),
		notify.WithThrottle(cfg.Notify.ThrottleEvery, cfg.Notify.ThrottleBurst),
	)
	svc, err := authority.New(resolver, store, codec, issuer,
		authority.WithNotifier(router),
		authority.WithConnections(registry),
		authority.WithSigner(signing.Ed25519{}),
		authority.WithChallengeTTL(cfg.ChallengeTTL),
	)
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: db}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		resolver.Run(gctx, cfg.Tenant.CacheTTL)
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				router.Sweep(10 * time.Minute)
			}
		}
	})

	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		gs := grpc.NewServer()
		rpc.NewServer(svc, resolver, registry).Register(gs)
		health := httpapi.NewGRPCHealth(probe, rpc.ServiceName)
		health.Register(gs)

		g.Go(func() error {
			health.Run(gctx, 10*time.Second)
			return nil
		})
		g.Go(func() error {
			obs.Info("grpc listening", map[string]any{"addr": cfg.GRPC.Addr, "version": version})
			if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			stopped := make(chan struct{})
			go func() {
				gs.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-time.After(10 * time.Second):
				gs.Stop()
			}
			return nil
		})
	}

	if cfg.HTTP.Addr != "" {
		api := httpapi.New(probe, version, svc,
			httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSec),
			httpapi.WithMaxBody(cfg.HTTP.MaxBodyBytes),
		)
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Handler(),
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		g.Go(func() error {
			obs.Info("http listening", map[string]any{"addr": cfg.HTTP.Addr, "version": version})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http listen: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	obs.Info("stopped", nil)
	return err
}

func seedTenants(ctx context.Context, tenants auth.TenantStore, seeds []auth.Tenant) error {
	for i := range seeds {
		t := seeds[i]
		err := tenants.Create(ctx, &t)
		switch {
		case err == nil:
			obs.Info("tenant created", map[string]any{"tenant_id": t.ID, "name": t.Name})
		case errors.Is(err, auth.ErrAlreadyExists):
		default:
			return fmt.Errorf("seed tenant %q: %w", t.Name, err)
		}
	}
	return nil
}
