// Package config loads gatekeeper settings from defaults, an optional YAML
// file, an optional .env file and GATEKEEPER_* environment variables, in that
// order of increasing precedence. Command-line flags are applied on top by
// the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/glgcapital/gatekeeper/csrf"
	"github.com/glgcapital/gatekeeper/gatekeeper"
	"github.com/glgcapital/gatekeeper/ratelimit"
	"github.com/glgcapital/gatekeeper/session"
	"github.com/glgcapital/gatekeeper/store"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "GATEKEEPER_"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	CSRF      CSRFConfig      `yaml:"csrf"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	TLSCert        string        `yaml:"tls_cert"`
	TLSKey         string        `yaml:"tls_key"`
	TrustedProxies []string      `yaml:"trusted_proxies"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

const (
	DriverBBolt    = "bbolt"
	DriverPostgres = "postgres"
)

type StorageConfig struct {
	// Driver selects the credential backend: bbolt (default) or postgres.
	Driver      string `yaml:"driver"`
	DataDir     string `yaml:"data_dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type CSRFConfig struct {
	TTL                time.Duration `yaml:"ttl"`
	ProtectCeiling     time.Duration `yaml:"protect_ceiling"`
	MaxTokens          int           `yaml:"max_tokens"`
	StrictDoubleSubmit bool          `yaml:"strict_double_submit"`
	SingleUse          bool          `yaml:"single_use"`
}

type SessionConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// AdminTokens is a "role:token,role:token" list of static service tokens.
	AdminTokens string `yaml:"admin_tokens"`
}

type RateLimitConfig struct {
	Policies            ratelimit.Policies `yaml:"policies"`
	Grace               time.Duration      `yaml:"grace"`
	IdentifyByUserAgent bool               `yaml:"identify_by_user_agent"`
}

type CleanupConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AlertsConfig configures where anomaly alerts are delivered in addition
// to the log.
type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	// WebhookAuthHeader is sent with every delivery, as "Header: Value".
	WebhookAuthHeader string `yaml:"webhook_auth_header"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8443,
			ShutdownGrace: 10 * time.Second,
		},
		Storage: StorageConfig{Driver: DriverBBolt, DataDir: "./data"},
		CSRF: CSRFConfig{
			TTL:                csrf.DefaultTTL,
			MaxTokens:          csrf.DefaultMaxTokens,
			StrictDoubleSubmit: true,
		},
		Session:   SessionConfig{TTL: session.DefaultTTL},
		RateLimit: RateLimitConfig{Policies: ratelimit.DefaultPolicies(), Grace: ratelimit.DefaultGrace},
		Cleanup:   CleanupConfig{Interval: store.DefaultSweepInterval},
		Metrics:   MetricsConfig{Enabled: true, Path: "/metrics"},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. configPath and envFile may be empty; a
// missing envFile is not an error.
func Load(configPath, envFile string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if envFile != "" {
		// godotenv never overrides variables already set in the process.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if err := loadFromEnvironment(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	defaults := cfg.RateLimit.Policies
	cfg.RateLimit.Policies = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	cfg.RateLimit.Policies = mergePolicies(defaults, cfg.RateLimit.Policies)
	return nil
}

func mergePolicies(base, override ratelimit.Policies) ratelimit.Policies {
	out := make(ratelimit.Policies, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

type lookupFunc func(string) (string, bool)

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) getString(name string, dst *string) {
	if v, ok := e.lookup(EnvPrefix + name); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) getInt(name string, dst *int) {
	if v, ok := e.lookup(EnvPrefix + name); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) getBool(name string, dst *bool) {
	if v, ok := e.lookup(EnvPrefix + name); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) getDuration(name string, dst *time.Duration) {
	if v, ok := e.lookup(EnvPrefix + name); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) getList(name string, dst *[]string) {
	if v, ok := e.lookup(EnvPrefix + name); ok && v != "" {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}

func loadFromEnvironment(cfg *Config, lookup lookupFunc) error {
	e := &envReader{lookup: lookup}

	e.getString("HOST", &cfg.Server.Host)
	e.getInt("PORT", &cfg.Server.Port)
	e.getString("TLS_CERT", &cfg.Server.TLSCert)
	e.getString("TLS_KEY", &cfg.Server.TLSKey)
	e.getList("TRUSTED_PROXIES", &cfg.Server.TrustedProxies)
	e.getDuration("SHUTDOWN_GRACE", &cfg.Server.ShutdownGrace)

	e.getString("STORAGE_DRIVER", &cfg.Storage.Driver)
	e.getString("DATA_DIR", &cfg.Storage.DataDir)
	e.getString("POSTGRES_DSN", &cfg.Storage.PostgresDSN)

	e.getDuration("CSRF_TTL", &cfg.CSRF.TTL)
	e.getDuration("CSRF_PROTECT_CEILING", &cfg.CSRF.ProtectCeiling)
	e.getInt("CSRF_MAX_TOKENS", &cfg.CSRF.MaxTokens)
	e.getBool("CSRF_STRICT", &cfg.CSRF.StrictDoubleSubmit)
	e.getBool("CSRF_SINGLE_USE", &cfg.CSRF.SingleUse)

	e.getDuration("SESSION_TTL", &cfg.Session.TTL)
	e.getDuration("SESSION_IDLE_TIMEOUT", &cfg.Session.IdleTimeout)
	e.getString("ADMIN_TOKENS", &cfg.Session.AdminTokens)

	var limits string
	e.getString("RATE_LIMITS", &limits)
	if limits != "" {
		p, err := ratelimit.ParsePolicies(limits)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%sRATE_LIMITS: %w", EnvPrefix, err))
		} else {
			cfg.RateLimit.Policies = mergePolicies(cfg.RateLimit.Policies, p)
		}
	}
	e.getDuration("RATE_LIMIT_GRACE", &cfg.RateLimit.Grace)
	e.getBool("IDENTIFY_BY_USER_AGENT", &cfg.RateLimit.IdentifyByUserAgent)

	e.getDuration("CLEANUP_INTERVAL", &cfg.Cleanup.Interval)

	e.getBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	e.getString("METRICS_PATH", &cfg.Metrics.Path)

	e.getString("ALERT_WEBHOOK_URL", &cfg.Alerts.WebhookURL)
	e.getString("ALERT_WEBHOOK_AUTH_HEADER", &cfg.Alerts.WebhookAuthHeader)

	e.getString("LOG_LEVEL", &cfg.Logging.Level)
	e.getString("LOG_FORMAT", &cfg.Logging.Format)

	return errors.Join(e.errs...)
}

// Validate rejects settings the gatekeeper cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if _, err := ratelimit.ParseTrustedProxies(c.Server.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("server.trusted_proxies: %w", err))
	}
	switch c.Storage.Driver {
	case DriverBBolt:
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required"))
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be bbolt or postgres", c.Storage.Driver))
	}
	if c.CSRF.TTL <= 0 {
		errs = append(errs, errors.New("csrf.ttl must be positive"))
	}
	if c.CSRF.ProtectCeiling != 0 && c.CSRF.ProtectCeiling < c.CSRF.TTL {
		errs = append(errs, errors.New("csrf.protect_ceiling must not be shorter than csrf.ttl"))
	}
	if c.CSRF.MaxTokens < 0 {
		errs = append(errs, errors.New("csrf.max_tokens must not be negative"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, errors.New("session.idle_timeout must not be negative"))
	}
	if _, err := session.ParseServiceTokens(c.Session.AdminTokens); err != nil {
		errs = append(errs, fmt.Errorf("session.admin_tokens: %w", err))
	}
	if err := c.RateLimit.Policies.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit.policies: %w", err))
	}
	if c.RateLimit.Grace < 0 {
		errs = append(errs, errors.New("rate_limit.grace must not be negative"))
	}
	if c.Cleanup.Interval <= 0 {
		errs = append(errs, errors.New("cleanup.interval must be positive"))
	}
	if c.Alerts.WebhookURL != "" {
		if u, err := url.Parse(c.Alerts.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("alerts.webhook_url %q must be an absolute http(s) URL", c.Alerts.WebhookURL))
		}
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// Gatekeeper converts the file-level settings into a gatekeeper.Config.
func (c *Config) Gatekeeper() (gatekeeper.Config, error) {
	proxies, err := ratelimit.ParseTrustedProxies(c.Server.TrustedProxies)
	if err != nil {
		return gatekeeper.Config{}, err
	}
	tokens, err := session.ParseServiceTokens(c.Session.AdminTokens)
	if err != nil {
		return gatekeeper.Config{}, err
	}
	gc := gatekeeper.DefaultConfig()
	gc.CSRF = csrf.Config{
		TTL:                c.CSRF.TTL,
		ProtectCeiling:     c.CSRF.ProtectCeiling,
		MaxTokens:          c.CSRF.MaxTokens,
		StrictDoubleSubmit: c.CSRF.StrictDoubleSubmit,
		SingleUse:          c.CSRF.SingleUse,
	}
	gc.Session.TTL = c.Session.TTL
	gc.Session.IdleTimeout = c.Session.IdleTimeout
	gc.RateLimits = c.RateLimit.Policies
	gc.RateLimitGrace = c.RateLimit.Grace
	gc.IdentifyByUserAgent = c.RateLimit.IdentifyByUserAgent
	gc.CleanupInterval = c.Cleanup.Interval
	gc.TrustedProxies = proxies
	gc.ServiceTokens = tokens
	return gc, nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return lvl, nil
}

// Logger builds the process logger described by the logging section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	lvl, err := parseLevel(c.Logging.Level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
