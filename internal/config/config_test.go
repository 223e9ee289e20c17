package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"thinauth.org/internal/auth"
)

const sample = `
http:
  addr: ":8081"
grpc:
  addr: ":9091"
secrets:
  warrant: "warrant-secret-0123456789"
  reference: "reference-secret-0123456789"
tenant:
  cache_ttl: 90s
tenants:
  - name: acme
    api_key: key-acme
    auth_verify_url: https://acme.example/verify
    config:
      channel_whitelist: [dev, email]
    notifiers:
      mailgun:
        api_key: mg-key
        domain: mg.acme.example
        from: login@acme.example
        subject: Sign in
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "thinauth.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":8081" || cfg.GRPC.Addr != ":9091" {
		t.Fatalf("unexpected addrs: %+v %+v", cfg.HTTP, cfg.GRPC)
	}
	if cfg.Tenant.CacheTTL != 90*time.Second {
		t.Fatalf("unexpected cache ttl: %v", cfg.Tenant.CacheTTL)
	}
	// defaults survive partial files
	if cfg.HTTP.RateBurst != 20 || cfg.ChallengeTTL != 2*time.Minute {
		t.Fatalf("defaults lost: %+v", cfg)
	}
	if len(cfg.Tenants) != 1 {
		t.Fatalf("expected one tenant, got %d", len(cfg.Tenants))
	}
	tn := cfg.Tenants[0]
	if tn.APIKey != "key-acme" || !tn.Allows(auth.CredentialEmail) || tn.Notifiers.Mailgun == nil {
		t.Fatalf("unexpected tenant: %+v", tn)
	}
	if tn.Notifiers.Mailgun.Domain != "mg.acme.example" {
		t.Fatalf("unexpected mailgun config: %+v", tn.Notifiers.Mailgun)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("THINAUTH_HTTP_ADDR", ":7000")
	t.Setenv("THINAUTH_PG_DSN", "postgres://localhost/thinauth")
	t.Setenv("THINAUTH_TENANT_CACHE_TTL", "1m")
	t.Setenv("THINAUTH_RATE_BURST", "5")

	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTP.Addr != ":7000" || cfg.Database.DSN != "postgres://localhost/thinauth" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Tenant.CacheTTL != time.Minute || cfg.HTTP.RateBurst != 5 {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestEnvOnly(t *testing.T) {
	t.Setenv("THINAUTH_WARRANT_SECRET", "warrant-secret-0123456789")
	t.Setenv("THINAUTH_REFERENCE_SECRET", "reference-secret-0123456789")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.DSN != "" || cfg.HTTP.Addr != ":8080" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"short secret", func(c *Config) { c.Secrets.Warrant = "short" }, "warrant secret"},
		{"same secrets", func(c *Config) { c.Secrets.Reference = c.Secrets.Warrant }, "must differ"},
		{"no listeners", func(c *Config) { c.HTTP.Addr, c.GRPC.Addr = "", "" }, "addr"},
		{"tenant without key", func(c *Config) { c.Tenants = []auth.Tenant{{Name: "x"}} }, "api_key is required"},
		{"duplicate key", func(c *Config) {
			c.Tenants = []auth.Tenant{{APIKey: "k"}, {APIKey: "k"}}
		}, "duplicate api_key"},
		{"bad channel", func(c *Config) {
			c.Tenants = []auth.Tenant{{APIKey: "k", Config: auth.TenantConfig{ChannelWhitelist: []auth.CredentialType{"fax"}}}}
		}, "unknown channel"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Secrets = SecretsConfig{Warrant: "warrant-secret-0123456789", Reference: "reference-secret-0123456789"}
			tc.mut(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestBadEnvDuration(t *testing.T) {
	t.Setenv("THINAUTH_CHALLENGE_TTL", "soon")
	if _, err := Load(writeConfig(t, sample)); err == nil {
		t.Fatal("expected parse error")
	}
}
