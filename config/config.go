// Package config loads runtime settings from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"escrowflow/domain"
)

// Config is the API server configuration.
type Config struct {
	HTTPAddr       string        `env:"ESCROWFLOW_HTTP_ADDR" envDefault:":8080"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	JWTSecret      string        `env:"ESCROWFLOW_JWT_SECRET,required"`
	TokenTTL       time.Duration `env:"ESCROWFLOW_TOKEN_TTL" envDefault:"24h"`
	Governance     string        `env:"ESCROWFLOW_GOVERNANCE" envDefault:"governance"`
	RegistryOwner  string        `env:"ESCROWFLOW_REGISTRY_OWNER" envDefault:"registry-owner"`
	TemplatesFile  string        `env:"ESCROWFLOW_TEMPLATES_FILE"`
	LogLevel       string        `env:"ESCROWFLOW_LOG_LEVEL" envDefault:"info"`
	LogPretty      bool          `env:"ESCROWFLOW_LOG_PRETTY" envDefault:"false"`
	OutboxInterval time.Duration `env:"ESCROWFLOW_OUTBOX_INTERVAL" envDefault:"2s"`
	OutboxBatch    int           `env:"ESCROWFLOW_OUTBOX_BATCH" envDefault:"50"`
	OutboxAttempts int           `env:"ESCROWFLOW_OUTBOX_MAX_ATTEMPTS" envDefault:"5"`
	DevFaucet      bool          `env:"ESCROWFLOW_DEV_FAUCET" envDefault:"false"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates Config.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("config: ESCROWFLOW_JWT_SECRET must not be blank")
	}
	if strings.TrimSpace(c.Governance) == "" {
		return fmt.Errorf("config: ESCROWFLOW_GOVERNANCE must not be blank")
	}
	if c.Governance == c.RegistryOwner {
		return fmt.Errorf("config: governance and registry owner must differ")
	}
	if c.OutboxInterval <= 0 {
		return fmt.Errorf("config: ESCROWFLOW_OUTBOX_INTERVAL must be positive")
	}
	if c.OutboxBatch <= 0 {
		return fmt.Errorf("config: ESCROWFLOW_OUTBOX_BATCH must be positive")
	}
	return nil
}

func (c Config) GovernanceAddress() domain.Address {
	return domain.Address(c.Governance)
}

func (c Config) RegistryOwnerAddress() domain.Address {
	return domain.Address(c.RegistryOwner)
}

// InMemory reports whether the engine runs without Postgres.
func (c Config) InMemory() bool {
	return c.DatabaseURL == ""
}
