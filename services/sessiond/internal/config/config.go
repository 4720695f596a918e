package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the session store daemon.
type Config struct {
	DatabaseURL      string        `env:"DATABASE_URL,required"`
	SchemaName       string        `env:"SESSION_SCHEMA,default=sessions"`
	TableName        string        `env:"SESSION_TABLE,default=session"`
	MaxConns         int32         `env:"DB_MAX_CONNS,default=10"`
	AcquireTimeout   time.Duration `env:"DB_ACQUIRE_TIMEOUT,default=2s"`
	StatementTimeout time.Duration `env:"DB_STATEMENT_TIMEOUT,default=5s"`
	PurgeInterval    time.Duration `env:"SESSION_PURGE_INTERVAL,default=1m"`
	Addr             string        `env:"ADDR,default=:8080"`
	OTLPEndpoint     string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel         string        `env:"LOG_LEVEL,default=info"`
	LogFormat        string        `env:"LOG_FORMAT,default=json"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom populates a Config from l and validates it.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.MaxConns <= 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.MaxConns))
	}
	if c.AcquireTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DB_ACQUIRE_TIMEOUT must be positive, got %s", c.AcquireTimeout))
	}
	if c.StatementTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DB_STATEMENT_TIMEOUT must be positive, got %s", c.StatementTimeout))
	}
	if c.PurgeInterval <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_PURGE_INTERVAL must be positive, got %s", c.PurgeInterval))
	}
	return errors.Join(errs...)
}
