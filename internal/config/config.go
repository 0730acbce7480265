package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env string `mapstructure:"ENV"`

	// Live sync client.
	StreamBaseURL         string `mapstructure:"STREAM_BASE_URL"`
	PageOrigin            string `mapstructure:"PAGE_ORIGIN"`
	APIPathSuffix         string `mapstructure:"API_PATH_SUFFIX"`
	StreamPath            string `mapstructure:"STREAM_PATH"`
	AuthToken             string `mapstructure:"AUTH_TOKEN"`
	UserID                string `mapstructure:"USER_ID"`
	DebounceMS            int    `mapstructure:"DEBOUNCE_MS"`
	MaxReconnectAttempts  int    `mapstructure:"MAX_RECONNECT_ATTEMPTS"`
	ReconnectMinBackoffMS int    `mapstructure:"RECONNECT_MIN_BACKOFF_MS"`
	ReconnectMaxBackoffMS int    `mapstructure:"RECONNECT_MAX_BACKOFF_MS"`

	// Push server.
	Port           string   `mapstructure:"PORT"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	NotifyChannel  string   `mapstructure:"NOTIFY_CHANNEL"`
	TLSEnabled     bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string   `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"ENV",
	"STREAM_BASE_URL",
	"PAGE_ORIGIN",
	"API_PATH_SUFFIX",
	"STREAM_PATH",
	"AUTH_TOKEN",
	"USER_ID",
	"DEBOUNCE_MS",
	"MAX_RECONNECT_ATTEMPTS",
	"RECONNECT_MIN_BACKOFF_MS",
	"RECONNECT_MAX_BACKOFF_MS",
	"PORT",
	"AUTH_SIGNING_KEY",
	"AUTH_ISSUER",
	"CORS_ORIGINS",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"NOTIFY_CHANNEL",
	"TLS_ENABLED",
	"TLS_CERT_FILE",
	"TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("PAGE_ORIGIN", "http://localhost:3000")
	v.SetDefault("API_PATH_SUFFIX", "/api")
	v.SetDefault("STREAM_PATH", "/ws")
	v.SetDefault("DEBOUNCE_MS", 200)
	v.SetDefault("MAX_RECONNECT_ATTEMPTS", 10)
	v.SetDefault("RECONNECT_MIN_BACKOFF_MS", 1000)
	v.SetDefault("RECONNECT_MAX_BACKOFF_MS", 30000)
	v.SetDefault("PORT", "8080")
	v.SetDefault("AUTH_ISSUER", "clinicsync")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DB_MAX_CONNS", 5)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("NOTIFY_CHANNEL", "clinicsync_events")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Debounce returns the coalescing window of the invalidation coordinator.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

// ReconnectBackoff returns the first and the largest reconnect delay.
func (c *Config) ReconnectBackoff() (min, max time.Duration) {
	return time.Duration(c.ReconnectMinBackoffMS) * time.Millisecond,
		time.Duration(c.ReconnectMaxBackoffMS) * time.Millisecond
}

// Validate checks the settings shared by the client and the server.
func (c *Config) Validate() error {
	if c.DebounceMS <= 0 {
		return fmt.Errorf("DEBOUNCE_MS must be positive, got %d", c.DebounceMS)
	}
	if c.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("MAX_RECONNECT_ATTEMPTS must be positive, got %d", c.MaxReconnectAttempts)
	}
	if c.ReconnectMinBackoffMS <= 0 {
		return fmt.Errorf("RECONNECT_MIN_BACKOFF_MS must be positive, got %d", c.ReconnectMinBackoffMS)
	}
	if c.ReconnectMaxBackoffMS < c.ReconnectMinBackoffMS {
		return fmt.Errorf("RECONNECT_MAX_BACKOFF_MS (%d) must not be below RECONNECT_MIN_BACKOFF_MS (%d)",
			c.ReconnectMaxBackoffMS, c.ReconnectMinBackoffMS)
	}
	return nil
}

// ValidateServer additionally checks what the push server needs. In
// production the signing key is mandatory so that shared channels are
// never served to anonymous connections.
func (c *Config) ValidateServer() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.IsProduction() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
