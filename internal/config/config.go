package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Pool      PoolConfig      `json:"pool" yaml:"pool"`
	Validator ValidatorConfig `json:"validator" yaml:"validator"`
	Sources   SourcesConfig   `json:"sources" yaml:"sources"`
	Rotation  RotationConfig  `json:"rotation" yaml:"rotation"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	API       APIConfig       `json:"api" yaml:"api"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

type PoolConfig struct {
	MinProxies             int  `json:"min_proxies" yaml:"min_proxies"`
	MaxPages               int  `json:"max_pages" yaml:"max_pages"`
	DisableBlocked         bool `json:"disable_blocked" yaml:"disable_blocked"`
	StalenessMinutes       int  `json:"staleness_minutes" yaml:"staleness_minutes"`
	EvictAfterCycles       int  `json:"evict_after_cycles" yaml:"evict_after_cycles"`
	RefreshIntervalMinutes int  `json:"refresh_interval_minutes" yaml:"refresh_interval_minutes"`
}

type ValidatorConfig struct {
	TimeoutSeconds   int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	Workers          int    `json:"workers" yaml:"workers"`
	SSLOnly          bool   `json:"ssl_only" yaml:"ssl_only"`
	FailureThreshold int    `json:"failure_threshold" yaml:"failure_threshold"`
	BatchSize        int    `json:"batch_size" yaml:"batch_size"`
	TestURL          string `json:"test_url" yaml:"test_url"`
	ConnectHost      string `json:"connect_host" yaml:"connect_host"`
}

type SourcesConfig struct {
	UserAgent string        `json:"user_agent" yaml:"user_agent"`
	Enabled   []string      `json:"enabled" yaml:"enabled"`
	Disabled  []string      `json:"disabled" yaml:"disabled"`
	Extra     []ExtraSource `json:"extra" yaml:"extra"`
}

// ExtraSource is a user-supplied plain-text proxy list.
type ExtraSource struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

type RotationConfig struct {
	SiteProfiles map[string]string `json:"site_profiles" yaml:"site_profiles"`
}

type StorageConfig struct {
	Type string `json:"type" yaml:"type"` // "file", "sqlite", "redis"
	Path string `json:"path" yaml:"path"` // file/sqlite path, redis addr
}

type APIConfig struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	Addr               string `json:"addr" yaml:"addr"`
	APIKeyEnv          string `json:"api_key_env" yaml:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth" yaml:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit" yaml:"enable_ip_rate_limit"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MinProxies:       10,
			MaxPages:         10,
			StalenessMinutes: 30,
			EvictAfterCycles: 3,
		},
		Validator: ValidatorConfig{
			TimeoutSeconds:   3,
			Workers:          10,
			SSLOnly:          true,
			FailureThreshold: 3,
			BatchSize:        500,
			TestURL:          "http://www.google.com/generate_204",
			ConnectHost:      "www.google.com:443",
		},
		Sources: SourcesConfig{
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		Rotation: RotationConfig{
			SiteProfiles: map[string]string{
				"linkedin": "https",
				"indeed":   "http",
			},
		},
		Storage: StorageConfig{
			Type: "file",
			Path: "proxies.json",
		},
		API: APIConfig{
			Addr:               ":8083",
			APIKeyEnv:          "PROXY_POOL_API_KEY",
			RateLimitPerMinute: 120,
		},
		Metrics: MetricsConfig{
			Endpoint:  "/metrics",
			Namespace: "proxypool",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a JSON or YAML config file on top of the defaults. Absent
// keys keep their default values, so ssl_only stays on unless the file
// turns it off.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Pool.MinProxies < 1 {
		return fmt.Errorf("min_proxies must be at least 1")
	}
	if c.Pool.MaxPages < 1 || c.Pool.MaxPages > 100 {
		return fmt.Errorf("max_pages must be between 1 and 100")
	}
	if c.Pool.StalenessMinutes < 1 {
		return fmt.Errorf("staleness_minutes must be at least 1")
	}
	if c.Pool.EvictAfterCycles < 1 {
		return fmt.Errorf("evict_after_cycles must be at least 1")
	}
	if c.Validator.Workers < 1 || c.Validator.Workers > 1000 {
		return fmt.Errorf("workers must be between 1 and 1000")
	}
	if c.Validator.TimeoutSeconds < 1 || c.Validator.TimeoutSeconds > 300 {
		return fmt.Errorf("timeout_seconds must be between 1 and 300")
	}
	if c.Validator.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be at least 1")
	}
	if _, err := url.Parse(c.Validator.TestURL); err != nil {
		return fmt.Errorf("test_url: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.Validator.ConnectHost); err != nil {
		return fmt.Errorf("connect_host: %w", err)
	}
	if c.Storage.Type != "file" && c.Storage.Type != "sqlite" && c.Storage.Type != "redis" {
		return fmt.Errorf("storage type must be 'file', 'sqlite', or 'redis'")
	}
	for site, proto := range c.Rotation.SiteProfiles {
		if proto != "http" && proto != "https" {
			return fmt.Errorf("site profile %q: protocol must be 'http' or 'https'", site)
		}
	}
	return nil
}
