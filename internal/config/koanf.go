// Claims Intake Plane
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched, in order, when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/claims-intake/config.yaml",
	"/etc/claims-intake/config.yml",
}

// envMappings translates flat legacy environment variable names
// into nested koanf dot-paths. Keys are lowercased before lookup.
var envMappings = map[string]string{
	"environment": "environment",

	"server_host":                  "server.host",
	"server_port":                  "server.port",
	"server_shutdown_grace_period": "server.shutdown_grace_period",

	"broker_url":           "broker.url",
	"broker_stream_prefix": "broker.stream_prefix",

	"database_url":                "database.url",
	"database_max_open_conns":     "database.max_open_conns",
	"database_max_idle_conns":     "database.max_idle_conns",
	"database_conn_max_idle_time": "database.conn_max_idle_time",

	"object_store_url":              "object_store.url",
	"object_store_upload_container": "object_store.upload_container",

	"rate_limit_store_url": "rate_limit_store.url",

	"webhook_secret":             "security.webhook_secret",
	"credential_prefix":          "security.credential_prefix",
	"default_webhook_url":        "security.default_webhook_url",
	"admin_bootstrap_jwt_secret": "security.admin_bootstrap_jwt_secret",

	"worker_pool_size":        "worker.pool_size",
	"batch_size_limit_bytes":  "worker.batch_size_limit_bytes",
	"per_work_item_mem_mb":    "worker.per_work_item_mem_mb",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// tenantWebhookEnvPrefix is the prefix for the dynamic
// WEBHOOK_URL_<TENANT_UPPER_SNAKE> overrides. These cannot live
// in envMappings since the tenant suffix is open-ended, so they are scanned
// separately in loadTenantWebhookOverrides.
const tenantWebhookEnvPrefix = "WEBHOOK_URL_"

// envTransformFunc maps a flat env var name to its koanf dot-path, or ""
// to skip it (handled elsewhere, or genuinely unrecognized).
func envTransformFunc(key string) string {
	lower := strings.ToLower(key)
	if path, ok := envMappings[lower]; ok {
		return path
	}
	return ""
}

// LoadWithKoanf builds the fully layered configuration: defaults, then an
// optional YAML file, then environment variables (highest priority), then
// tenant webhook overrides, then validation.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, err
	}

	if path := resolveConfigPath(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, err
	}

	loadTenantWebhookOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func resolveConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadTenantWebhookOverrides scans the process environment for
// WEBHOOK_URL_<TENANT_UPPER_SNAKE> variables and populates
// cfg.Security.TenantWebhookURLs keyed by the lowercased tenant fragment
// (underscores are kept). WebhookURLFor looks a tenant up by its exact
// name, so an override applies to a tenant whose name equals that
// lowercased fragment.
func loadTenantWebhookOverrides(cfg *Config) {
	if cfg.Security.TenantWebhookURLs == nil {
		cfg.Security.TenantWebhookURLs = map[string]string{}
	}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, tenantWebhookEnvPrefix) {
			continue
		}
		tenantFragment := strings.TrimPrefix(name, tenantWebhookEnvPrefix)
		if tenantFragment == "" || value == "" {
			continue
		}
		cfg.Security.TenantWebhookURLs[strings.ToLower(tenantFragment)] = value
	}
}
