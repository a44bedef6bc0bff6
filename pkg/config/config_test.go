package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()

	if cfg.Backend.Timeout != 10*time.Second {
		t.Errorf("expected backend timeout 10s, got %s", cfg.Backend.Timeout)
	}
	if cfg.Backend.MaxRetries != 2 {
		t.Errorf("expected 2 retries, got %d", cfg.Backend.MaxRetries)
	}
	if cfg.Policy.MaxTTL != 60*time.Second {
		t.Errorf("expected max TTL 60s, got %s", cfg.Policy.MaxTTL)
	}
	if cfg.Revocation.FailOpen {
		t.Error("revocation must fail closed by default")
	}
	if cfg.HealthTimeout != 2*time.Second {
		t.Errorf("expected health timeout 2s, got %s", cfg.HealthTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TRUST_FILE", "/etc/gateway/trust.yaml")
	t.Setenv("SERVICE_SIGNING_KEY", strings.Repeat("k", 32))
	t.Setenv("CREDENTIAL_MANAGER_URL", "http://vault.internal:8000/")
	t.Setenv("BACKEND_MAX_RETRIES", "4")
	t.Setenv("MAX_CREDENTIAL_TTL", "30s")
	t.Setenv("TRUSTED_ISSUERS", "https://idp.a, https://idp.b ,")
	t.Setenv("REVOCATION_FAIL_OPEN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.URL != "http://vault.internal:8000" {
		t.Errorf("trailing slash should be trimmed, got %q", cfg.Backend.URL)
	}
	if cfg.Backend.MaxRetries != 4 {
		t.Errorf("expected 4 retries, got %d", cfg.Backend.MaxRetries)
	}
	if cfg.Policy.MaxTTL != 30*time.Second {
		t.Errorf("expected 30s, got %s", cfg.Policy.MaxTTL)
	}
	if len(cfg.Trust.Issuers) != 2 || cfg.Trust.Issuers[1] != "https://idp.b" {
		t.Errorf("unexpected issuers %v", cfg.Trust.Issuers)
	}
	if !cfg.Revocation.FailOpen {
		t.Error("expected fail-open to be enabled")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing trust file", func(c *Config) { c.Trust.File = "" }, "TRUST_FILE"},
		{"short signing key", func(c *Config) { c.Minting.SigningKey = "short" }, "at least 32"},
		{"zero ttl", func(c *Config) { c.Policy.MaxTTL = 0 }, "MAX_CREDENTIAL_TTL"},
		{"negative retries", func(c *Config) { c.Backend.MaxRetries = -1 }, "BACKEND_MAX_RETRIES"},
		{"http revocation without url", func(c *Config) { c.Revocation.Backend = RevocationHTTP }, "REVOCATION_URL"},
		{"redis revocation without addr", func(c *Config) { c.Revocation.Backend = RevocationRedis }, "REDIS_ADDR"},
		{"postgres revocation without dsn", func(c *Config) {
			c.Revocation.Backend = RevocationPostgres
			c.DatabaseDSN = ""
		}, "DATABASE_URL"},
		{"unknown backend", func(c *Config) { c.Revocation.Backend = "ldap" }, "unknown"},
		{"audit db without dsn", func(c *Config) {
			c.Audit.Database = true
			c.DatabaseDSN = ""
		}, "AUDIT_DATABASE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadWithDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
