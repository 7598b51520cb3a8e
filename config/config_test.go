package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glgcapital/gatekeeper/ratelimit"
	"github.com/glgcapital/gatekeeper/session"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.CSRF.StrictDoubleSubmit)
	assert.False(t, cfg.CSRF.SingleUse)
	assert.Equal(t, time.Hour, cfg.CSRF.TTL)
	assert.Equal(t, 1000, cfg.CSRF.MaxTokens)
	assert.Equal(t, 30*time.Second, cfg.Cleanup.Interval)
	assert.Equal(t, ratelimit.Policy{Limit: 5, Window: 15 * time.Minute}, cfg.RateLimit.Policies[ratelimit.ActionRegister])
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, "gatekeeper.yaml", `
server:
  port: 9443
  trusted_proxies: ["10.0.0.0/8"]
csrf:
  ttl: 30m
  single_use: true
session:
  ttl: 8h
rate_limit:
  policies:
    login:
      limit: 3
      window: 10m
cleanup:
  interval: 1m
logging:
  format: text
`)
	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 9443, cfg.Server.Port)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Server.TrustedProxies)
	assert.Equal(t, 30*time.Minute, cfg.CSRF.TTL)
	assert.True(t, cfg.CSRF.SingleUse)
	assert.True(t, cfg.CSRF.StrictDoubleSubmit, "unset keys keep their defaults")
	assert.Equal(t, 8*time.Hour, cfg.Session.TTL)
	assert.Equal(t, ratelimit.Policy{Limit: 3, Window: 10 * time.Minute}, cfg.RateLimit.Policies[ratelimit.ActionLogin])
	assert.Equal(t, ratelimit.Policy{Limit: 5, Window: 15 * time.Minute}, cfg.RateLimit.Policies[ratelimit.ActionRegister])
	assert.Equal(t, time.Minute, cfg.Cleanup.Interval)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "gatekeeper.yaml", "server:\n  port: 9443\n")
	t.Setenv("GATEKEEPER_PORT", "7000")
	t.Setenv("GATEKEEPER_CSRF_STRICT", "false")
	t.Setenv("GATEKEEPER_RATE_LIMITS", "register=2/1m")
	t.Setenv("GATEKEEPER_ADMIN_TOKENS", "superadmin:root-token-0123456789")
	t.Setenv("GATEKEEPER_TRUSTED_PROXIES", "10.0.0.1, 192.168.0.0/16")
	t.Setenv("GATEKEEPER_STORAGE_DRIVER", "postgres")
	t.Setenv("GATEKEEPER_POSTGRES_DSN", "postgres://gk@localhost/gatekeeper")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://gk@localhost/gatekeeper", cfg.Storage.PostgresDSN)
	assert.False(t, cfg.CSRF.StrictDoubleSubmit)
	assert.Equal(t, ratelimit.Policy{Limit: 2, Window: time.Minute}, cfg.RateLimit.Policies[ratelimit.ActionRegister])
	assert.Equal(t, []string{"10.0.0.1", "192.168.0.0/16"}, cfg.Server.TrustedProxies)

	gc, err := cfg.Gatekeeper()
	require.NoError(t, err)
	require.Len(t, gc.ServiceTokens, 1)
	assert.Equal(t, session.RoleSuperadmin, gc.ServiceTokens[0].Role)
	assert.Len(t, gc.TrustedProxies, 2)
	assert.False(t, gc.CSRF.StrictDoubleSubmit)
}

func TestDotEnvFile(t *testing.T) {
	env := writeFile(t, ".env", "GATEKEEPER_SESSION_TTL=2h\nGATEKEEPER_LOG_LEVEL=debug\n")
	t.Setenv("GATEKEEPER_LOG_LEVEL", "warn")
	t.Cleanup(func() { os.Unsetenv("GATEKEEPER_SESSION_TTL") })

	cfg, err := Load("", env)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Session.TTL)
	assert.Equal(t, "warn", cfg.Logging.Level, "process environment wins over .env")
}

func TestMissingDotEnvIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), ".env"))
	assert.NoError(t, err)
}

func TestBadEnvironmentValues(t *testing.T) {
	lookup := func(vals map[string]string) lookupFunc {
		return func(k string) (string, bool) {
			v, ok := vals[k]
			return v, ok
		}
	}
	err := loadFromEnvironment(Default(), lookup(map[string]string{
		"GATEKEEPER_PORT":        "eighty",
		"GATEKEEPER_CSRF_TTL":    "forever",
		"GATEKEEPER_CSRF_STRICT": "maybe",
		"GATEKEEPER_RATE_LIMITS": "login=lots",
	}))
	require.Error(t, err)
	for _, name := range []string{"GATEKEEPER_PORT", "GATEKEEPER_CSRF_TTL", "GATEKEEPER_CSRF_STRICT", "GATEKEEPER_RATE_LIMITS"} {
		assert.Contains(t, err.Error(), name)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"tls pair", func(c *Config) { c.Server.TLSCert = "cert.pem" }},
		{"proxies", func(c *Config) { c.Server.TrustedProxies = []string{"not-an-ip"} }},
		{"data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"driver", func(c *Config) { c.Storage.Driver = "sqlite" }},
		{"postgres dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }},
		{"csrf ttl", func(c *Config) { c.CSRF.TTL = 0 }},
		{"ceiling", func(c *Config) { c.CSRF.ProtectCeiling = time.Minute }},
		{"max tokens", func(c *Config) { c.CSRF.MaxTokens = -1 }},
		{"session ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"admin tokens", func(c *Config) { c.Session.AdminTokens = "root:abc" }},
		{"policies", func(c *Config) { c.RateLimit.Policies["login"] = ratelimit.Policy{} }},
		{"cleanup", func(c *Config) { c.Cleanup.Interval = 0 }},
		{"webhook url", func(c *Config) { c.Alerts.WebhookURL = "hooks.example.com/alerts" }},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "text"
	cfg.Logging.Level = "warn"
	var buf bytes.Buffer
	lg := cfg.Logger(&buf)
	lg.Info("hidden")
	lg.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "msg=shown")
}
