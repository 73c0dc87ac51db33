package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("AUTH_ISSUER", "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_example")
	t.Setenv("AUTH_CLIENT_ID", "portal-client")
}

func validConfig() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "memory"},
		Storage:  StorageConfig{Provider: "s3", MaxKeys: 1000},
		Auth:     AuthConfig{Issuer: "https://issuer.example.com", ClientID: "client"},
		Cache:    CacheConfig{Type: "memory"},
		Policy:   PolicyConfig{AdminGroups: []string{"admin"}},
	}
}

func TestLoad_Defaults(t *testing.T) {
	setMinimalEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Server.Listen != ":8080" {
		t.Errorf("Expected default listen :8080, got %s", cfg.Server.Listen)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Storage.Region != "us-east-1" {
		t.Errorf("Expected default region us-east-1, got %s", cfg.Storage.Region)
	}
	if cfg.Storage.MaxKeys != 1000 {
		t.Errorf("Expected default max keys 1000, got %d", cfg.Storage.MaxKeys)
	}
	if !cfg.Policy.EnforceExpiry {
		t.Error("Expected expiry enforcement enabled by default")
	}
	if len(cfg.Policy.AdminGroups) != 3 || cfg.Policy.AdminGroups[2] != "Admin" {
		t.Errorf("Expected default admin groups, got %v", cfg.Policy.AdminGroups)
	}
	if len(cfg.Auth.Scopes) != 3 {
		t.Errorf("Expected 3 default scopes, got %v", cfg.Auth.Scopes)
	}
	if cfg.Cache.Type != "memory" {
		t.Errorf("Expected memory cache by default, got %s", cfg.Cache.Type)
	}
}

func TestLoad_DerivesJWKSURL(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("AUTH_ISSUER", "https://issuer.example.com/pool/")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Auth.JWKSURL != "https://issuer.example.com/pool/.well-known/jwks.json" {
		t.Errorf("Unexpected JWKS URL %s", cfg.Auth.JWKSURL)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	setMinimalEnv(t)
	t.Setenv("SERVER_LISTEN", ":9090")
	t.Setenv("S3_REGION", "eu-west-1")
	t.Setenv("POLICY_ADMIN_GROUPS", "platform-admins,sre")
	t.Setenv("POLICY_ENFORCE_EXPIRY", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Server.Listen != ":9090" {
		t.Errorf("Expected listen :9090, got %s", cfg.Server.Listen)
	}
	if cfg.Storage.Region != "eu-west-1" {
		t.Errorf("Expected region eu-west-1, got %s", cfg.Storage.Region)
	}
	if strings.Join(cfg.Policy.AdminGroups, ",") != "platform-admins,sre" {
		t.Errorf("Unexpected admin groups %v", cfg.Policy.AdminGroups)
	}
	if cfg.Policy.EnforceExpiry {
		t.Error("Expected expiry enforcement disabled")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	setMinimalEnv(t)

	content := `
server:
  listen: ":7070"
cache:
  type: redis
  redis_addr: "redis:6379"
  stats_ttl: 90s
policy:
  environment_groups:
    dev: [developers]
    prod: [sre]
`
	path := filepath.Join(t.TempDir(), "portal.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Server.Listen != ":7070" {
		t.Errorf("Expected file listen :7070, got %s", cfg.Server.Listen)
	}
	if cfg.Cache.Type != "redis" || cfg.Cache.RedisAddr != "redis:6379" {
		t.Errorf("Unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Cache.StatsTTL != 90*time.Second {
		t.Errorf("Expected stats ttl 90s, got %v", cfg.Cache.StatsTTL)
	}
	if got := cfg.Policy.EnvironmentGroups["prod"]; len(got) != 1 || got[0] != "sre" {
		t.Errorf("Unexpected environment groups %v", cfg.Policy.EnvironmentGroups)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Error("Defaults must survive for keys absent from the file")
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	setMinimalEnv(t)

	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Expected error for nonexistent config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "connection string"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "sqlite" }, "unsupported database driver"},
		{"unknown provider", func(c *Config) { c.Storage.Provider = "azure" }, "unsupported storage provider"},
		{"custom endpoint without credentials", func(c *Config) { c.Storage.Endpoint = "http://minio:9000" }, "credentials are required"},
		{"custom endpoint with profile", func(c *Config) { c.Storage.Endpoint = "http://minio:9000"; c.Storage.Profile = "dev" }, ""},
		{"max keys too large", func(c *Config) { c.Storage.MaxKeys = 5000 }, "max_keys"},
		{"missing issuer", func(c *Config) { c.Auth.Issuer = "" }, "issuer"},
		{"missing client id", func(c *Config) { c.Auth.ClientID = "" }, "client id"},
		{"unknown cache", func(c *Config) { c.Cache.Type = "memcached" }, "unsupported cache type"},
		{"redis without addr", func(c *Config) { c.Cache.Type = "redis" }, "redis address"},
		{"no admin groups", func(c *Config) { c.Policy.AdminGroups = nil }, "admin group"},
		{"bad rate limit", func(c *Config) { c.RateLimit.Enabled = true }, "rate limit"},
		{"sentry without dsn", func(c *Config) { c.Sentry.Enabled = true }, "sentry dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestMaskCredential(t *testing.T) {
	if got := MaskCredential("abc"); got != "[REDACTED]" {
		t.Errorf("Expected [REDACTED], got %s", got)
	}
	if got := MaskCredential("AKIAEXAMPLE"); got != "AKIA****" {
		t.Errorf("Expected AKIA****, got %s", got)
	}
}
