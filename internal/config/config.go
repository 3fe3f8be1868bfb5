// Package config manages the typed configuration record. Settings load from
// an optional JSON file (unknown keys rejected) and may be overridden by
// CROSSWIRE_* environment variables.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/caarlos0/env/v10"
)

const (
	ConfigFileName  = "config.json"
	DefaultLogLevel = "info"
)

// Config enumerates every recognized option. Anything else in the file is an
// error, not silently ignored.
type Config struct {
	CredentialsDir            string `json:"credentials_dir" env:"CROSSWIRE_CREDENTIALS_DIR"`
	AuditDir                  string `json:"audit_dir" env:"CROSSWIRE_AUDIT_DIR"`
	LogLevel                  string `json:"log_level" env:"CROSSWIRE_LOG_LEVEL"`
	CacheMaxEntries           int    `json:"cache_max_entries" env:"CROSSWIRE_CACHE_MAX_ENTRIES"`
	CacheTTLCollectionS       int    `json:"cache_ttl_collection_s" env:"CROSSWIRE_CACHE_TTL_COLLECTION_S"`
	CacheTTLEntityS           int    `json:"cache_ttl_entity_s" env:"CROSSWIRE_CACHE_TTL_ENTITY_S"`
	WorkerPoolSize            int    `json:"worker_pool_size" env:"CROSSWIRE_WORKER_POOL_SIZE"`
	TickIntervalMS            int    `json:"tick_interval_ms" env:"CROSSWIRE_TICK_INTERVAL_MS"`
	RetryMax                  int    `json:"retry_max" env:"CROSSWIRE_RETRY_MAX"`
	RetryBaseMS               int    `json:"retry_base_ms" env:"CROSSWIRE_RETRY_BASE_MS"`
	RetryJitterPct            int    `json:"retry_jitter_pct" env:"CROSSWIRE_RETRY_JITTER_PCT"`
	RequestDeadlineS          int    `json:"request_deadline_s" env:"CROSSWIRE_REQUEST_DEADLINE_S"`
	IdempotencyWindowS        int    `json:"idempotency_window_s" env:"CROSSWIRE_IDEMPOTENCY_WINDOW_S"`
	InteractiveConsentAllowed bool   `json:"interactive_consent_allowed" env:"CROSSWIRE_INTERACTIVE_CONSENT_ALLOWED"`

	// Provider endpoints. Secrets never live in the file; they are
	// environment-only by construction.
	DefaultProviders  []string `json:"default_providers" env:"CROSSWIRE_DEFAULT_PROVIDERS" envSeparator:","`
	WorkspaceDomain   string   `json:"workspace_domain" env:"CROSSWIRE_WORKSPACE_DOMAIN"`
	WorkspaceCustomer string   `json:"workspace_customer" env:"CROSSWIRE_WORKSPACE_CUSTOMER"`
	IMSBaseURL        string   `json:"ims_base_url" env:"CROSSWIRE_IMS_BASE_URL"`
	IMSRealm          string   `json:"ims_realm" env:"CROSSWIRE_IMS_REALM"`
	IMSClientID       string   `json:"ims_client_id" env:"CROSSWIRE_IMS_CLIENT_ID"`
	IMSClientSecret   string   `json:"-" env:"CROSSWIRE_IMS_CLIENT_SECRET"`
	IMSDomain         string   `json:"ims_domain" env:"CROSSWIRE_IMS_DOMAIN"`
	TrackerBaseURL    string   `json:"tracker_base_url" env:"CROSSWIRE_TRACKER_BASE_URL"`
	TrackerToken      string   `json:"-" env:"CROSSWIRE_TRACKER_TOKEN"`
}

// Default returns the documented defaults.
func Default() Config {
	return Config{
		CredentialsDir:            "./",
		AuditDir:                  "./logs/",
		LogLevel:                  DefaultLogLevel,
		CacheMaxEntries:           50000,
		CacheTTLCollectionS:       300,
		CacheTTLEntityS:           900,
		WorkerPoolSize:            5,
		TickIntervalMS:            100,
		RetryMax:                  5,
		RetryBaseMS:               250,
		RetryJitterPct:            25,
		RequestDeadlineS:          30,
		IdempotencyWindowS:        3600,
		InteractiveConsentAllowed: true,
		DefaultProviders:          []string{"workspace"},
	}
}

// Load reads the config file at path (a missing file means defaults), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks range constraints on every option.
func (c Config) Validate() error {
	checks := []struct {
		name string
		ok   bool
	}{
		{"credentials_dir", c.CredentialsDir != ""},
		{"audit_dir", c.AuditDir != ""},
		{"cache_max_entries", c.CacheMaxEntries > 0},
		{"cache_ttl_collection_s", c.CacheTTLCollectionS > 0},
		{"cache_ttl_entity_s", c.CacheTTLEntityS > 0},
		{"worker_pool_size", c.WorkerPoolSize > 0},
		{"tick_interval_ms", c.TickIntervalMS > 0},
		{"retry_max", c.RetryMax >= 0},
		{"retry_base_ms", c.RetryBaseMS > 0},
		{"retry_jitter_pct", c.RetryJitterPct >= 0 && c.RetryJitterPct <= 100},
		{"request_deadline_s", c.RequestDeadlineS > 0},
		{"idempotency_window_s", c.IdempotencyWindowS > 0},
	}
	for _, ch := range checks {
		if !ch.ok {
			return fmt.Errorf("config: %s out of range", ch.name)
		}
	}
	if c.IMSBaseURL != "" {
		if c.IMSRealm == "" || c.IMSClientID == "" {
			return fmt.Errorf("config: ims_base_url requires ims_realm and ims_client_id")
		}
	}
	return nil
}

// Save persists the config as indented JSON.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
