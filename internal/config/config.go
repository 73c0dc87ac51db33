// Package config provides configuration structures and loading functionality for the bucket access portal
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config represents the main configuration structure for the portal
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Session    SessionConfig    `mapstructure:"session"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Sentry     SentryConfig     `mapstructure:"sentry"`
	OPA        OPAConfig        `mapstructure:"opa"`
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" envconfig:"SERVER_LISTEN" default:":8080"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" envconfig:"SERVER_READ_TIMEOUT" default:"30s"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" envconfig:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" envconfig:"SERVER_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`
	MaxBodySize     int64         `mapstructure:"max_body_size" envconfig:"SERVER_MAX_BODY_SIZE" default:"65536"`
}

// DatabaseConfig specifies the portal store
type DatabaseConfig struct {
	Driver           string        `mapstructure:"driver" envconfig:"DB_DRIVER" default:"postgres"` // postgres, memory
	ConnectionString string        `mapstructure:"connection_string" envconfig:"DB_CONNECTION_STRING"`
	MaxOpenConns     int           `mapstructure:"max_open_conns" envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns" envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime" envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	AutoMigrate      bool          `mapstructure:"auto_migrate" envconfig:"DB_AUTO_MIGRATE" default:"true"`
}

// StorageConfig contains the S3 provider settings used for bucket listing
type StorageConfig struct {
	Provider     string        `mapstructure:"provider" envconfig:"STORAGE_PROVIDER" default:"s3"`
	Region       string        `mapstructure:"region" envconfig:"S3_REGION" default:"us-east-1"`
	Endpoint     string        `mapstructure:"endpoint" envconfig:"S3_ENDPOINT"`
	AccessKey    string        `mapstructure:"access_key" envconfig:"S3_ACCESS_KEY"`
	SecretKey    string        `mapstructure:"secret_key" envconfig:"S3_SECRET_KEY"`
	Profile      string        `mapstructure:"profile" envconfig:"AWS_PROFILE"`
	UsePathStyle bool          `mapstructure:"use_path_style" envconfig:"S3_USE_PATH_STYLE" default:"false"`
	DisableSSL   bool          `mapstructure:"disable_ssl" envconfig:"S3_DISABLE_SSL" default:"false"`
	MaxKeys      int64         `mapstructure:"max_keys" envconfig:"S3_MAX_KEYS" default:"1000"`
	Timeout      time.Duration `mapstructure:"timeout" envconfig:"S3_TIMEOUT" default:"15s"`
}

// AuthConfig contains the OIDC identity provider settings (Cognito user pool)
type AuthConfig struct {
	Issuer        string        `mapstructure:"issuer" envconfig:"AUTH_ISSUER"`
	ClientID      string        `mapstructure:"client_id" envconfig:"AUTH_CLIENT_ID"`
	ClientSecret  string        `mapstructure:"client_secret" envconfig:"AUTH_CLIENT_SECRET"`
	AuthURL       string        `mapstructure:"auth_url" envconfig:"AUTH_AUTH_URL"`
	TokenURL      string        `mapstructure:"token_url" envconfig:"AUTH_TOKEN_URL"`
	LogoutURL     string        `mapstructure:"logout_url" envconfig:"AUTH_LOGOUT_URL"`
	RedirectURL   string        `mapstructure:"redirect_url" envconfig:"AUTH_REDIRECT_URL" default:"/api/auth/callback"`
	JWKSURL       string        `mapstructure:"jwks_url" envconfig:"AUTH_JWKS_URL"`
	Scopes        []string      `mapstructure:"scopes" envconfig:"AUTH_SCOPES" default:"openid,profile,email"`
	TokenCacheTTL time.Duration `mapstructure:"token_cache_ttl" envconfig:"AUTH_TOKEN_CACHE_TTL" default:"5m"`
	JWKSCacheTTL  time.Duration `mapstructure:"jwks_cache_ttl" envconfig:"AUTH_JWKS_CACHE_TTL" default:"1h"`
}

// SessionConfig contains browser session cookie settings
type SessionConfig struct {
	Key    string        `mapstructure:"key" envconfig:"SESSION_KEY"`
	MaxAge time.Duration `mapstructure:"max_age" envconfig:"SESSION_MAX_AGE" default:"8h"`
	Secure bool          `mapstructure:"secure" envconfig:"SESSION_SECURE" default:"true"`
}

// CacheConfig contains bucket statistics cache settings
type CacheConfig struct {
	Type          string        `mapstructure:"type" envconfig:"CACHE_TYPE" default:"memory"` // memory, redis, none
	RedisAddr     string        `mapstructure:"redis_addr" envconfig:"CACHE_REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `mapstructure:"redis_password" envconfig:"CACHE_REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"redis_db" envconfig:"CACHE_REDIS_DB" default:"0"`
	StatsTTL      time.Duration `mapstructure:"stats_ttl" envconfig:"CACHE_STATS_TTL" default:"5m"`
}

// PolicyConfig contains the role and bucket access policy
type PolicyConfig struct {
	AdminGroups       []string            `mapstructure:"admin_groups" envconfig:"POLICY_ADMIN_GROUPS" default:"admin,administrators,Admin"`
	EnvironmentGroups map[string][]string `mapstructure:"environment_groups" ignored:"true"`
	EnforceExpiry     bool                `mapstructure:"enforce_expiry" envconfig:"POLICY_ENFORCE_EXPIRY" default:"true"`
	ActiveUserWindow  time.Duration       `mapstructure:"active_user_window" envconfig:"POLICY_ACTIVE_USER_WINDOW" default:"24h"`
}

// RateLimitConfig limits how often a user may submit access requests
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled" envconfig:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" envconfig:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"10"`
	Burst             int     `mapstructure:"burst" envconfig:"RATE_LIMIT_BURST" default:"5"`
}

// MonitoringConfig contains monitoring configuration
type MonitoringConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled" envconfig:"MONITORING_METRICS_ENABLED" default:"true"`
	Namespace      string `mapstructure:"namespace" envconfig:"MONITORING_NAMESPACE" default:"bucket_access_portal"`
}

// SentryConfig contains Sentry error tracking configuration
type SentryConfig struct {
	Enabled          bool     `mapstructure:"enabled" envconfig:"SENTRY_ENABLED" default:"false"`
	DSN              string   `mapstructure:"dsn" envconfig:"SENTRY_DSN"`
	Environment      string   `mapstructure:"environment" envconfig:"SENTRY_ENVIRONMENT" default:"production"`
	SampleRate       float64  `mapstructure:"sample_rate" envconfig:"SENTRY_SAMPLE_RATE" default:"1.0"`
	TracesSampleRate float64  `mapstructure:"traces_sample_rate" envconfig:"SENTRY_TRACES_SAMPLE_RATE" default:"0.1"`
	AttachStacktrace bool     `mapstructure:"attach_stacktrace" envconfig:"SENTRY_ATTACH_STACKTRACE" default:"true"`
	Debug            bool     `mapstructure:"debug" envconfig:"SENTRY_DEBUG" default:"false"`
	MaxBreadcrumbs   int      `mapstructure:"max_breadcrumbs" envconfig:"SENTRY_MAX_BREADCRUMBS" default:"30"`
	IgnoreErrors     []string `mapstructure:"ignore_errors"`
	ServerName       string   `mapstructure:"server_name" envconfig:"SENTRY_SERVER_NAME"`
	Release          string   `mapstructure:"release" envconfig:"SENTRY_RELEASE"`
}

// OPAConfig contains Open Policy Agent configuration settings
type OPAConfig struct {
	Enabled bool          `mapstructure:"enabled" envconfig:"OPA_ENABLED" default:"false"`
	URL     string        `mapstructure:"url" envconfig:"OPA_URL" default:"http://localhost:8181"`
	Path    string        `mapstructure:"path" envconfig:"OPA_PATH" default:"portal/buckets/allow"`
	Timeout time.Duration `mapstructure:"timeout" envconfig:"OPA_TIMEOUT" default:"2s"`
}

// Load builds the configuration from defaults, environment variables and an
// optional config file. Values present in the file take precedence over the
// environment. Returns a validated Config or an error if validation fails.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if configFile != "" {
		v := viper.New()
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if cfg.Auth.JWKSURL == "" && cfg.Auth.Issuer != "" {
		cfg.Auth.JWKSURL = strings.TrimSuffix(cfg.Auth.Issuer, "/") + "/.well-known/jwks.json"
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate checks cross-field rules that struct tags cannot express
func validate(cfg *Config) error {
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.ConnectionString == "" {
			return fmt.Errorf("database connection string is required for driver '%s'", cfg.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	switch cfg.Storage.Provider {
	case "s3":
		// Custom endpoints (MinIO, LocalStack) need explicit credentials;
		// real AWS can rely on the SDK credential chain.
		if cfg.Storage.Endpoint != "" && cfg.Storage.Profile == "" &&
			(cfg.Storage.AccessKey == "" || cfg.Storage.SecretKey == "") {
			return fmt.Errorf("s3 credentials are required for custom endpoint '%s': specify profile or access/secret keys", cfg.Storage.Endpoint)
		}
		if cfg.Storage.MaxKeys <= 0 || cfg.Storage.MaxKeys > 1000 {
			return fmt.Errorf("s3 max_keys must be between 1 and 1000, got %d", cfg.Storage.MaxKeys)
		}
	default:
		return fmt.Errorf("unsupported storage provider: %s", cfg.Storage.Provider)
	}

	if cfg.Auth.Issuer == "" {
		return fmt.Errorf("auth issuer is required")
	}
	if cfg.Auth.ClientID == "" {
		return fmt.Errorf("auth client id is required")
	}

	switch cfg.Cache.Type {
	case "memory", "none":
	case "redis":
		if cfg.Cache.RedisAddr == "" {
			return fmt.Errorf("redis address is required for cache type 'redis'")
		}
	default:
		return fmt.Errorf("unsupported cache type: %s", cfg.Cache.Type)
	}

	if len(cfg.Policy.AdminGroups) == 0 {
		return fmt.Errorf("at least one admin group is required")
	}

	if cfg.RateLimit.Enabled && (cfg.RateLimit.RequestsPerMinute <= 0 || cfg.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive requests_per_minute and burst")
	}

	if cfg.Sentry.Enabled && cfg.Sentry.DSN == "" {
		return fmt.Errorf("sentry dsn is required when sentry is enabled")
	}

	if cfg.OPA.Enabled && cfg.OPA.URL == "" {
		return fmt.Errorf("opa url is required when opa is enabled")
	}

	return nil
}

// MaskCredential masks sensitive credential values for safe logging
func MaskCredential(credential string) string {
	if len(credential) <= 4 {
		return "[REDACTED]"
	}
	return credential[:4] + "****"
}
