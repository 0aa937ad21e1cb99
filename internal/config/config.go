// Package config loads and validates proxy configuration.
//
// Configuration comes from a YAML file with ${ENV_VAR} expansion, so
// secrets can live in the environment (or a .env file loaded by main)
// while the structure stays in version control.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Tenants   map[string]TenantConfig `yaml:"tenants"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig controls the listening HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// UpstreamConfig describes the remote LLM API.
type UpstreamConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig locates the durable request-record store.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// RateLimitConfig holds per-window ceilings shared by all buckets.
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	TokensPerWindow   int           `yaml:"tokens_per_window"`
	Window            time.Duration `yaml:"window"`
	BlockDuration     time.Duration `yaml:"block_duration"`
	Backend           string        `yaml:"backend"` // "memory" (default) or "redis"
	Redis             RedisConfig   `yaml:"redis"`
}

// RedisConfig configures the optional distributed rate-limit backend.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TenantConfig holds per-domain client auth and upstream credentials.
type TenantConfig struct {
	// ClientAPIKey is the bearer token callers of this tenant must present.
	ClientAPIKey string `yaml:"client_api_key"`
	// APIKey is a static upstream key. Mutually exclusive with CredentialFile.
	APIKey string `yaml:"api_key"`
	// CredentialFile points at a JSON OAuth credential file managed by the
	// credential resolver (access/refresh pair, refreshed in place).
	CredentialFile string `yaml:"credential_file"`
	// AccountID scopes conversation history. Defaults to the domain itself.
	AccountID string `yaml:"account_id"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(m[2 : len(m)-1])
		return []byte(os.Getenv(name))
	})
}

// Load reads, expands, parses and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         DefaultServerPort,
			ReadTimeout:  DefaultServerReadTimeout,
			WriteTimeout: DefaultServerWriteTimeout,
		},
		Upstream: UpstreamConfig{
			BaseURL: DefaultUpstreamBaseURL,
			Timeout: DefaultUpstreamTimeout,
		},
		Storage: StorageConfig{
			Path: DefaultStoragePath,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerWindow: DefaultRequestsPerWindow,
			TokensPerWindow:   DefaultTokensPerWindow,
			Window:            DefaultRateLimitWindow,
			BlockDuration:     DefaultBlockDuration,
			Backend:           "memory",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive")
		}
		if c.RateLimit.BlockDuration <= 0 {
			return fmt.Errorf("rate_limit.block_duration must be positive")
		}
		if c.RateLimit.Backend != "memory" && c.RateLimit.Backend != "redis" {
			return fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend)
		}
		if c.RateLimit.Backend == "redis" && c.RateLimit.Redis.Address == "" {
			return fmt.Errorf("rate_limit.redis.address is required for the redis backend")
		}
	}
	for domain, t := range c.Tenants {
		if strings.TrimSpace(domain) == "" {
			return fmt.Errorf("tenant with empty domain")
		}
		if t.APIKey != "" && t.CredentialFile != "" {
			return fmt.Errorf("tenant %s: api_key and credential_file are mutually exclusive", domain)
		}
	}
	return nil
}

// Tenant looks up the tenant configuration for a domain.
func (c *Config) Tenant(domain string) (TenantConfig, bool) {
	t, ok := c.Tenants[domain]
	return t, ok
}
