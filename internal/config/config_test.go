package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claudegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_ExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_CLIENT_KEY", "sk-client-abc")

	path := writeConfig(t, `
server:
  port: 8080
tenants:
  api.example.com:
    client_api_key: ${TEST_CLIENT_KEY}
    api_key: sk-ant-xyz
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DefaultUpstreamBaseURL, cfg.Upstream.BaseURL)
	assert.Equal(t, DefaultRateLimitWindow, cfg.RateLimit.Window)

	tenant, ok := cfg.Tenant("api.example.com")
	require.True(t, ok)
	assert.Equal(t, "sk-client-abc", tenant.ClientAPIKey)
}

func TestLoad_UnsetEnvExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `
tenants:
  api.example.com:
    client_api_key: ${DEFINITELY_NOT_SET_1234}
    api_key: sk-ant-xyz
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	tenant, _ := cfg.Tenant("api.example.com")
	assert.Empty(t, tenant.ClientAPIKey)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"empty upstream", func(c *Config) { c.Upstream.BaseURL = " " }},
		{"zero window", func(c *Config) { c.RateLimit.Window = 0 }},
		{"unknown backend", func(c *Config) { c.RateLimit.Backend = "etcd" }},
		{"tenant with both credentials", func(c *Config) {
			c.Tenants = map[string]TenantConfig{
				"a.example.com": {ClientAPIKey: "x", APIKey: "k", CredentialFile: "f.json"},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDefault_RateLimitValues(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Equal(t, time.Hour, cfg.RateLimit.Window)
	assert.Equal(t, 5*time.Minute, cfg.RateLimit.BlockDuration)
}
