// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config holds all application configuration loaded from environment
// variables and an optional config file.
//
// Configuration Loading Order (Koanf v2):
//  1. Defaults: built-in sensible defaults for all optional settings
//  2. Config File: optional YAML config file for persistent settings
//  3. Environment Variables: override any setting via environment variables
//
// Configuration Categories:
//
//  1. Server: HTTP listen address, shutdown grace period
//  2. Broker: durable session queue connection (NATS JetStream)
//  3. Database: relational store connection
//  4. ObjectStore: blob store connection for capability URLs
//  5. RateLimitStore: backing store for the rate limiter's four-window counters
//  6. Security: webhook HMAC secret, credential prefix, per-tenant webhook overrides
//  7. Worker: pool sizing for the worker pool, webhook dispatcher, and blob-event reactor
//  8. Logging: level/format
package config

import (
	"fmt"
	"time"
)

// Config is the fully-resolved application configuration.
type Config struct {
	Environment string `koanf:"environment"` // development | staging | production

	Server         ServerConfig         `koanf:"server"`
	Broker         BrokerConfig         `koanf:"broker"`
	Database       DatabaseConfig       `koanf:"database"`
	ObjectStore    ObjectStoreConfig    `koanf:"object_store"`
	RateLimitStore RateLimitStoreConfig `koanf:"rate_limit_store"`
	Security       SecurityConfig       `koanf:"security"`
	Worker         WorkerConfig         `koanf:"worker"`
	Logging        LoggingConfig        `koanf:"logging"`
}

// ServerConfig controls the HTTP listener.
//
// Environment Variables:
//   - SERVER_HOST (default: 0.0.0.0)
//   - SERVER_PORT (default: 8080)
//   - SERVER_SHUTDOWN_GRACE_PERIOD (default: 30s)
type ServerConfig struct {
	Host                  string        `koanf:"host"`
	Port                  int           `koanf:"port"`
	ShutdownGracePeriod   time.Duration `koanf:"shutdown_grace_period"`
	ReadHeaderTimeout     time.Duration `koanf:"read_header_timeout"`
}

// BrokerConfig connects to the durable session queue broker. The
// sentinel value "memory" (the default) selects the in-process Memory
// queue instead of dialing NATS JetStream; any other value is treated
// as a NATS server URL.
//
// Environment Variables:
//   - BROKER_URL (default: memory)
//   - BROKER_STREAM_PREFIX (default: claims)
type BrokerConfig struct {
	URL          string `koanf:"url"`
	StreamPrefix string `koanf:"stream_prefix"`
}

// DatabaseConfig connects to the relational Submission Record store. The
// sentinel value "memory" (the default) selects the in-process
// MemoryStore instead of opening a DuckDB file; any other value is
// treated as a DuckDB database path or DSN.
//
// Environment Variables:
//   - DATABASE_URL (default: memory)
//   - DATABASE_MAX_OPEN_CONNS (default: 20)
//   - DATABASE_MAX_IDLE_CONNS (default: 5)
//   - DATABASE_CONN_MAX_IDLE_TIME (default: 5m)
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `koanf:"conn_max_idle_time"`
}

// ObjectStoreConfig configures the blob store backing capability URLs.
// cmd/server always uses the in-process MemoryObjectStore, whatever the
// value; URL is passed to it as the base of the upload and download URLs
// it issues.
//
// Environment Variables:
//   - OBJECT_STORE_URL (default: memory)
//   - OBJECT_STORE_UPLOAD_CONTAINER (default: uploads)
type ObjectStoreConfig struct {
	URL              string `koanf:"url"`
	UploadContainer  string `koanf:"upload_container"`
}

// RateLimitStoreConfig connects to the backing store for the rate limiter's counters.
//
// Environment Variables:
//   - RATE_LIMIT_STORE_URL (optional; empty means in-memory)
type RateLimitStoreConfig struct {
	URL string `koanf:"url"`
}

// SecurityConfig holds credential and webhook signing configuration.
//
// Environment Variables:
//   - WEBHOOK_SECRET (required; HMAC-SHA256 signing key)
//   - CREDENTIAL_PREFIX (default: ms_)
//   - DEFAULT_WEBHOOK_URL (optional fallback)
//   - WEBHOOK_URL_<TENANT_UPPER_SNAKE> (optional per-tenant override)
//   - ADMIN_BOOTSTRAP_JWT_SECRET (optional; enables the JWT admin-bootstrap path)
type SecurityConfig struct {
	WebhookSecret      string            `koanf:"webhook_secret"`
	CredentialPrefix   string            `koanf:"credential_prefix"`
	DefaultWebhookURL  string            `koanf:"default_webhook_url"`
	TenantWebhookURLs  map[string]string `koanf:"tenant_webhook_urls"`
	AdminBootstrapJWTSecret string       `koanf:"admin_bootstrap_jwt_secret"`
}

// WorkerConfig sizes the background pools (worker pool, webhook dispatcher, blob-event reactor).
//
// Environment Variables:
//   - WORKER_POOL_SIZE (default: 8)
//   - BATCH_SIZE_LIMIT_BYTES (default: 250000)
type WorkerConfig struct {
	PoolSize             int `koanf:"pool_size"`
	BatchSizeLimitBytes  int `koanf:"batch_size_limit_bytes"`
	PerWorkItemMemMB     int `koanf:"per_work_item_mem_mb"`
}

// LoggingConfig mirrors internal/logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the configuration defaults layered in before file/env
// overrides by LoadWithKoanf.
func defaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ShutdownGracePeriod: 30 * time.Second,
			ReadHeaderTimeout:   5 * time.Second,
		},
		Broker: BrokerConfig{
			URL:          "memory",
			StreamPrefix: "claims",
		},
		Database: DatabaseConfig{
			URL:             "memory",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			URL:             "memory",
			UploadContainer: "uploads",
		},
		Security: SecurityConfig{
			CredentialPrefix:  "ms_",
			TenantWebhookURLs: map[string]string{},
		},
		Worker: WorkerConfig{
			PoolSize:            8,
			BatchSizeLimitBytes: 250_000,
			PerWorkItemMemMB:    16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks that all required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url (BROKER_URL) is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url (DATABASE_URL) is required")
	}
	if c.ObjectStore.URL == "" {
		return fmt.Errorf("object_store.url (OBJECT_STORE_URL) is required")
	}
	if c.Security.WebhookSecret == "" {
		return fmt.Errorf("security.webhook_secret (WEBHOOK_SECRET) is required")
	}
	if c.Security.CredentialPrefix == "" {
		return fmt.Errorf("security.credential_prefix must not be empty")
	}
	if c.Worker.PoolSize <= 0 {
		return fmt.Errorf("worker.pool_size must be positive")
	}
	switch c.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("environment must be one of development|staging|production, got %q", c.Environment)
	}
	return nil
}

// WebhookURLFor resolves the configured webhook target for a tenant,
// falling back to DefaultWebhookURL when no override is configured.
// Returns "" when neither is set, which callers must treat as "log and
// complete".
func (c *Config) WebhookURLFor(tenant string) string {
	if url, ok := c.Security.TenantWebhookURLs[tenant]; ok && url != "" {
		return url
	}
	return c.Security.DefaultWebhookURL
}

// FailOpenRateLimit reports whether the minute-window fail-open degraded
// mode may engage. It returns true in every environment. The rate
// limiter does not consult it, and logs the same warning whenever it
// fails open, whatever the environment.
func (c *Config) FailOpenRateLimit() bool {
	return true
}
