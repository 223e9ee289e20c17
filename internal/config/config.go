// Package config loads the server configuration from YAML with THINAUTH_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"thinauth.org/internal/auth"
)

const minSecretLen = 16

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Database DatabaseConfig `yaml:"database"`
	Secrets  SecretsConfig  `yaml:"secrets"`
	Warrant  WarrantConfig  `yaml:"warrant"`
	Tenant   TenantConfig   `yaml:"tenant"`
	Notify   NotifyConfig   `yaml:"notify"`

	ChallengeTTL time.Duration `yaml:"challenge_ttl"`

	// Tenants are created at startup when missing.
	Tenants []auth.Tenant `yaml:"tenants"`
}

type HTTPConfig struct {
	Addr         string `yaml:"addr"`
	RateBurst    int    `yaml:"rate_burst"`
	RatePerSec   int    `yaml:"rate_per_sec"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig selects the store. An empty DSN runs in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type SecretsConfig struct {
	Warrant   string `yaml:"warrant"`
	Reference string `yaml:"reference"`
}

type WarrantConfig struct {
	Issuer string `yaml:"issuer"`
}

type TenantConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type NotifyConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	ThrottleEvery time.Duration `yaml:"throttle_every"`
	ThrottleBurst int           `yaml:"throttle_burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			RateBurst:    20,
			RatePerSec:   10,
			MaxBodyBytes: 1 << 20,
		},
		GRPC: GRPCConfig{Addr: ":9090"},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Warrant: WarrantConfig{Issuer: "thinauth"},
		Tenant:  TenantConfig{CacheTTL: 5 * time.Minute},
		Notify: NotifyConfig{
			Timeout:       10 * time.Second,
			ThrottleEvery: 20 * time.Second,
			ThrottleBurst: 3,
		},
		ChallengeTTL: 2 * time.Minute,
	}
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("THINAUTH_HTTP_ADDR", &c.HTTP.Addr)
	str("THINAUTH_GRPC_ADDR", &c.GRPC.Addr)
	str("THINAUTH_PG_DSN", &c.Database.DSN)
	str("THINAUTH_WARRANT_SECRET", &c.Secrets.Warrant)
	str("THINAUTH_REFERENCE_SECRET", &c.Secrets.Reference)
	str("THINAUTH_WARRANT_ISSUER", &c.Warrant.Issuer)
	return errors.Join(
		dur("THINAUTH_TENANT_CACHE_TTL", &c.Tenant.CacheTTL),
		dur("THINAUTH_CHALLENGE_TTL", &c.ChallengeTTL),
		dur("THINAUTH_NOTIFY_TIMEOUT", &c.Notify.Timeout),
		num("THINAUTH_RATE_BURST", &c.HTTP.RateBurst),
		num("THINAUTH_RATE_PER_SEC", &c.HTTP.RatePerSec),
	)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Secrets.Warrant) < minSecretLen {
		errs = append(errs, fmt.Errorf("config: warrant secret must be at least %d bytes", minSecretLen))
	}
	if len(c.Secrets.Reference) < minSecretLen {
		errs = append(errs, fmt.Errorf("config: reference secret must be at least %d bytes", minSecretLen))
	}
	if c.Secrets.Warrant != "" && c.Secrets.Warrant == c.Secrets.Reference {
		errs = append(errs, errors.New("config: warrant and reference secrets must differ"))
	}
	if c.HTTP.Addr == "" && c.GRPC.Addr == "" {
		errs = append(errs, errors.New("config: at least one of http.addr and grpc.addr is required"))
	}
	if c.Tenant.CacheTTL <= 0 {
		errs = append(errs, errors.New("config: tenant.cache_ttl must be positive"))
	}
	seen := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		switch {
		case t.APIKey == "":
			errs = append(errs, fmt.Errorf("config: tenants[%d]: api_key is required", i))
		case seen[t.APIKey]:
			errs = append(errs, fmt.Errorf("config: tenants[%d]: duplicate api_key", i))
		}
		seen[t.APIKey] = true
		for _, ch := range t.Config.ChannelWhitelist {
			if !ch.Valid() {
				errs = append(errs, fmt.Errorf("config: tenants[%d]: unknown channel %q", i, ch))
			}
		}
	}
	return errors.Join(errs...)
}
