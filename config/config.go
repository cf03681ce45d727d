// Package config handles service configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level service configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Credits   CreditsConfig   `json:"credits,omitempty"`
	Generator GeneratorConfig `json:"generator"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Billing   BillingConfig   `json:"billing,omitempty"`
	Events    EventsConfig    `json:"events,omitempty"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                        // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	PublicBaseURL  string   `json:"public_base_url,omitempty"`   // base URL for served upload links
	AllowedOrigins []string `json:"allowed_origins,omitempty"`   // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`    // max request body size; default 1MB
	UploadPath     string   `json:"upload_path,omitempty"`       // path for uploaded images; default "./fitmirror-uploads"
	MaxUploadBytes int64    `json:"max_upload_bytes,omitempty"`  // max image upload size; default 10MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"`    // "builtin" (default) or "jwks"
	JWKSIssuer   string        `json:"jwks_issuer,omitempty"` // e.g. "https://auth.example.com"
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "fitmirror.db" or ":memory:"
}

// CreditsConfig defines credit policy.
type CreditsConfig struct {
	SignupGrant int64 `json:"signup_grant,omitempty"` // credits granted on account creation; default 3
}

// GeneratorConfig defines the upstream generative-image API.
type GeneratorConfig struct {
	BaseURL string   `json:"base_url"`
	APIKey  string   `json:"api_key,omitempty"`
	Timeout Duration `json:"timeout,omitempty"` // per-call timeout; default 90s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// BillingConfig defines billing settings. Disabled by default; the payment
// provider integration itself is supplied by the hosting deployment.
type BillingConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// EventsConfig defines the optional Kafka event stream.
type EventsConfig struct {
	Brokers []string `json:"brokers,omitempty"` // empty disables publishing
	Topic   string   `json:"topic,omitempty"`   // default "fitmirror.events"
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

// Load reads and validates a config file. Secrets may also arrive through the
// environment (FITMIRROR_JWT_SECRET, FITMIRROR_GENERATOR_API_KEY,
// FITMIRROR_STORAGE_DSN), which takes precedence over the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("FITMIRROR_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("FITMIRROR_GENERATOR_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv("FITMIRROR_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	if c.Generator.BaseURL == "" {
		return fmt.Errorf("generator.base_url is required")
	}
	if !strings.HasPrefix(c.Generator.BaseURL, "http://") && !strings.HasPrefix(c.Generator.BaseURL, "https://") {
		return fmt.Errorf("generator.base_url must be an http(s) URL")
	}
	if c.Credits.SignupGrant < 0 {
		return fmt.Errorf("credits.signup_grant must be non-negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "fitmirror.db"
	}
	if c.Credits.SignupGrant == 0 {
		c.Credits.SignupGrant = 3
	}
	if c.Generator.Timeout.Duration == 0 {
		c.Generator.Timeout.Duration = 90 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.UploadPath == "" {
		c.Server.UploadPath = "./fitmirror-uploads"
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 10 * 1024 * 1024 // 10MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Events.Topic == "" {
		c.Events.Topic = "fitmirror.events"
	}
}
