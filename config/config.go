// Package config loads the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Postgres PostgresConfig `yaml:"postgres"`
	Gateway  GatewayConfig  `yaml:"gateway"`
}

// ServiceConfig describes the HTTP listener.
type ServiceConfig struct {
	Name                  string `yaml:"name"`
	Port                  int    `yaml:"port"`
	ReadTimeoutSeconds    int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds   int    `yaml:"write_timeout_seconds"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// PostgresConfig describes the transactional store connection.
type PostgresConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Database       string `yaml:"database"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	SSLMode        string `yaml:"sslmode"`
	MaxConnections int    `yaml:"max_connections"`
}

// DSN builds the connection string for pgx.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// GatewayConfig carries the pipeline's tuning knobs.
type GatewayConfig struct {
	// TenantID is the one tenant this process is authorized to serve.
	TenantID string `yaml:"tenant_id"`
	// SignatureSkewSeconds is the accepted clock skew for request
	// signatures. Configurable, never request-controllable.
	SignatureSkewSeconds int `yaml:"signature_skew_seconds"`
	// IdempotencyTTLHours is how long idempotency records stay claimable.
	IdempotencyTTLHours int `yaml:"idempotency_ttl_hours"`
	// CleanupIntervalMinutes is the cadence of the expired-record sweep.
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`
	// TenantCacheTTLSeconds bounds registry cache staleness.
	TenantCacheTTLSeconds int `yaml:"tenant_cache_ttl_seconds"`
}

// ParsedTenantID returns the configured tenant id as a UUID.
func (c GatewayConfig) ParsedTenantID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.TenantID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("gateway.tenant_id is not a UUID: %w", err)
	}
	return id, nil
}

// Load reads the configuration file, applies defaults, and validates it.
// The Postgres password may come from POSTGRES_PASSWORD instead of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.Password = pw
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "flow402-gateway"
	}
	if c.Service.Port == 0 {
		c.Service.Port = 8402
	}
	if c.Service.ReadTimeoutSeconds == 0 {
		c.Service.ReadTimeoutSeconds = 15
	}
	if c.Service.WriteTimeoutSeconds == 0 {
		c.Service.WriteTimeoutSeconds = 15
	}
	if c.Service.RequestTimeoutSeconds == 0 {
		c.Service.RequestTimeoutSeconds = 10
	}
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.SSLMode == "" {
		c.Postgres.SSLMode = "disable"
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 20
	}
	if c.Gateway.SignatureSkewSeconds == 0 {
		c.Gateway.SignatureSkewSeconds = 300
	}
	if c.Gateway.IdempotencyTTLHours == 0 {
		c.Gateway.IdempotencyTTLHours = 24
	}
	if c.Gateway.CleanupIntervalMinutes == 0 {
		c.Gateway.CleanupIntervalMinutes = 60
	}
	if c.Gateway.TenantCacheTTLSeconds == 0 {
		c.Gateway.TenantCacheTTLSeconds = 60
	}
}

func (c *Config) validate() error {
	if c.Postgres.Database == "" {
		return fmt.Errorf("postgres.database is required")
	}
	if c.Postgres.User == "" {
		return fmt.Errorf("postgres.user is required")
	}
	if c.Gateway.TenantID == "" {
		return fmt.Errorf("gateway.tenant_id is required")
	}
	if _, err := c.Gateway.ParsedTenantID(); err != nil {
		return err
	}
	return nil
}
