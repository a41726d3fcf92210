/*
Package config loads runtime configuration from the environment.

PURPOSE:
  One struct for everything cmd/server needs: listen address and timeouts,
  database file, logging, reward lifecycle, reconciler and HTTP limits.
  Variables are grouped by prefix:

    SERVER_*  listen address and timeouts
    DB_*      SQLite file
    APP_*     logging, lifecycle, reconciler, rate limit, CORS

USAGE:
  cfg, err := config.Load(ctx)
  if err != nil {
      log.Fatal(err)
  }
  addr := cfg.Server.Addr()

SEE ALSO:
  - cmd/server/main.go: flags override these values
*/
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server ServerConfig `env:",prefix=SERVER_"`
	DB     DBConfig     `env:",prefix=DB_"`
	App    AppConfig    `env:",prefix=APP_"`
}

type ServerConfig struct {
	Host            string        `env:"HOST"`
	Port            string        `env:"PORT,default=8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT,default=60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
}

type DBConfig struct {
	Path string `env:"PATH,default=referrals.db"`
}

type AppConfig struct {
	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogPretty bool   `env:"LOG_PRETTY,default=false"`

	// RecomputePending controls whether editing a pending patient
	// recomputes its reward amount.
	RecomputePending bool `env:"RECOMPUTE_PENDING,default=true"`

	ReconcileEnabled  bool          `env:"RECONCILE_ENABLED,default=true"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL,default=1h"`

	RateLimit float64 `env:"RATE_LIMIT,default=50"` // requests per second
	RateBurst int     `env:"RATE_BURST,default=100"`

	CORSOrigins []string `env:"CORS_ORIGINS,default=http://localhost:5173,http://localhost:8080"`

	StatsCacheTTL time.Duration `env:"STATS_CACHE_TTL,default=30s"`
}

// Load reads the configuration from environment variables.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFrom reads the configuration from the given lookuper. Used by tests.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.App.RateLimit <= 0 {
		return fmt.Errorf("APP_RATE_LIMIT must be positive, got %v", c.App.RateLimit)
	}
	if c.App.RateBurst <= 0 {
		return fmt.Errorf("APP_RATE_BURST must be positive, got %d", c.App.RateBurst)
	}
	if c.App.ReconcileEnabled && c.App.ReconcileInterval <= 0 {
		return fmt.Errorf("APP_RECONCILE_INTERVAL must be positive, got %s", c.App.ReconcileInterval)
	}
	return nil
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}
