// Package config handles gateway configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultPath is the config file read when none is named.
const DefaultPath = "gateway-config.json"

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"openfoal-dev-secret":                        true,
	"openfoal-local-dev-secret-change-me-please": true,
	"changeme": true,
	"secret":   true,
}

// MinSecretLength is the shortest accepted local signing secret.
const MinSecretLength = 32

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Agent     AgentConfig     `json:"agent,omitempty"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8787"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
	MaxFrameBytes  int      `json:"max_frame_bytes,omitempty"` // WebSocket payload limit; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Mode              string             `json:"mode"`                    // none, local, external or hybrid
	AlwaysRequire     bool               `json:"always_require,omitempty"` // require a token even in mode none
	JWTSecret         string             `json:"jwt_secret,omitempty"`
	JWTIssuer         string             `json:"jwt_issuer,omitempty"`
	JWTAudience       string             `json:"jwt_audience,omitempty"`
	AccessTokenTTL    Duration           `json:"access_token_ttl,omitempty"`
	RefreshTokenTTL   Duration           `json:"refresh_token_ttl,omitempty"`
	DefaultTenant     string             `json:"default_tenant,omitempty"`
	DefaultTenantCode string             `json:"default_tenant_code,omitempty"`
	DefaultWorkspace  string             `json:"default_workspace,omitempty"`
	AdminUsername     string             `json:"admin_username,omitempty"`
	AdminPassword     string             `json:"admin_password,omitempty"`
	External          ExternalAuthConfig `json:"external,omitempty"`
}

// ExternalAuthConfig describes the external identity provider.
type ExternalAuthConfig struct {
	JWKSURL     string            `json:"jwks_url,omitempty"`
	Issuer      string            `json:"issuer,omitempty"`
	Audience    string            `json:"audience,omitempty"`
	RoleMapping map[string]string `json:"role_mapping,omitempty"` // provider role -> gateway role
	KeyCacheTTL Duration          `json:"key_cache_ttl,omitempty"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver   string `json:"driver"`              // "sqlite" (default), "postgres" or "memory"
	DSN      string `json:"dsn"`                 // e.g. "openfoal.db" or a postgres URL
	RedisURL string `json:"redis_url,omitempty"` // idempotency records go to Redis when set
}

// AgentConfig tunes the built-in agent core.
type AgentConfig struct {
	StepDelay Duration `json:"step_delay,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig limits the credential endpoints per client IP.
type RateLimitConfig struct {
	LoginPerSecond float64 `json:"login_per_second,omitempty"` // default 5
	LoginBurst     int     `json:"login_burst,omitempty"`      // default 10
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads path (a missing file is not an error), applies OPENFOAL_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment.
func LoadWithEnv(path string, lookup LookupFunc) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg as indented JSON readable only by the owner.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
			return nil
		}
		// Bare numbers are seconds.
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, v)
		}
		dst.Duration = time.Duration(secs) * time.Second
		return nil
	}

	str("OPENFOAL_ADDR", &c.Server.Addr)
	str("OPENFOAL_AUTH_MODE", &c.Auth.Mode)
	if v, ok := lookup("OPENFOAL_AUTH_REQUIRED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OPENFOAL_AUTH_REQUIRED: %w", err)
		}
		c.Auth.AlwaysRequire = b
	}
	str("OPENFOAL_JWT_SECRET", &c.Auth.JWTSecret)
	str("OPENFOAL_JWT_ISSUER", &c.Auth.JWTIssuer)
	str("OPENFOAL_JWT_AUDIENCE", &c.Auth.JWTAudience)
	if err := dur("OPENFOAL_ACCESS_TOKEN_TTL", &c.Auth.AccessTokenTTL); err != nil {
		return err
	}
	if err := dur("OPENFOAL_REFRESH_TOKEN_TTL", &c.Auth.RefreshTokenTTL); err != nil {
		return err
	}
	str("OPENFOAL_DEFAULT_TENANT", &c.Auth.DefaultTenant)
	str("OPENFOAL_DEFAULT_WORKSPACE", &c.Auth.DefaultWorkspace)
	str("OPENFOAL_ADMIN_USERNAME", &c.Auth.AdminUsername)
	str("OPENFOAL_ADMIN_PASSWORD", &c.Auth.AdminPassword)
	str("OPENFOAL_JWKS_URL", &c.Auth.External.JWKSURL)
	str("OPENFOAL_EXTERNAL_ISSUER", &c.Auth.External.Issuer)
	str("OPENFOAL_EXTERNAL_AUDIENCE", &c.Auth.External.Audience)
	if v, ok := lookup("OPENFOAL_EXTERNAL_ROLE_MAPPING"); ok && v != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return fmt.Errorf("OPENFOAL_EXTERNAL_ROLE_MAPPING: %w", err)
		}
		c.Auth.External.RoleMapping = m
	}
	str("OPENFOAL_STORAGE_DRIVER", &c.Storage.Driver)
	str("OPENFOAL_STORAGE_DSN", &c.Storage.DSN)
	str("OPENFOAL_REDIS_URL", &c.Storage.RedisURL)
	str("OPENFOAL_LOG_LEVEL", &c.Logging.Level)
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8787"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxFrameBytes == 0 {
		c.Server.MaxFrameBytes = 1024 * 1024
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "none"
	}
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	if c.Auth.JWTIssuer == "" {
		c.Auth.JWTIssuer = "openfoal"
	}
	if c.Auth.JWTAudience == "" {
		c.Auth.JWTAudience = "openfoal-gateway"
	}
	if c.Auth.AccessTokenTTL.Duration == 0 {
		c.Auth.AccessTokenTTL.Duration = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL.Duration == 0 {
		c.Auth.RefreshTokenTTL.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Auth.DefaultTenant == "" {
		c.Auth.DefaultTenant = "t_default"
	}
	if c.Auth.DefaultTenantCode == "" {
		c.Auth.DefaultTenantCode = "default"
	}
	if c.Auth.DefaultWorkspace == "" {
		c.Auth.DefaultWorkspace = "w_default"
	}
	if c.Auth.AdminUsername == "" {
		c.Auth.AdminUsername = "admin"
	}
	if c.Auth.External.KeyCacheTTL.Duration == 0 {
		c.Auth.External.KeyCacheTTL.Duration = 5 * time.Minute
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" && c.Storage.Driver == "sqlite" {
		c.Storage.DSN = "openfoal.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.LoginPerSecond == 0 {
		c.RateLimit.LoginPerSecond = 5
	}
	if c.RateLimit.LoginBurst == 0 {
		c.RateLimit.LoginBurst = 10
	}
}

// UsesLocal reports whether local credentials are enabled.
func (a AuthConfig) UsesLocal() bool { return a.Mode == "local" || a.Mode == "hybrid" }

// UsesExternal reports whether provider tokens are accepted.
func (a AuthConfig) UsesExternal() bool { return a.Mode == "external" || a.Mode == "hybrid" }

var validRoles = map[string]bool{"tenant_admin": true, "workspace_admin": true, "member": true}

func (c *Config) validate() error {
	switch c.Auth.Mode {
	case "none", "local", "external", "hybrid":
	default:
		return fmt.Errorf("auth.mode must be none, local, external or hybrid, got %q", c.Auth.Mode)
	}
	if c.Auth.UsesLocal() {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required for auth mode %s", c.Auth.Mode)
		}
		if len(c.Auth.JWTSecret) < MinSecretLength {
			return fmt.Errorf("auth.jwt_secret must be at least %d characters", MinSecretLength)
		}
		if knownWeakSecrets[c.Auth.JWTSecret] {
			return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
		}
	}
	if c.Auth.UsesExternal() && c.Auth.External.JWKSURL == "" {
		return fmt.Errorf("auth.external.jwks_url is required for auth mode %s", c.Auth.Mode)
	}
	for provider, role := range c.Auth.External.RoleMapping {
		if !validRoles[role] {
			return fmt.Errorf("auth.external.role_mapping[%q]: unknown role %q", provider, role)
		}
	}
	if c.Auth.AccessTokenTTL.Duration < 0 || c.Auth.RefreshTokenTTL.Duration < 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	switch c.Storage.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported storage.driver %q", c.Storage.Driver)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}
