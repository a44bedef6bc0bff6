// Package config provides environment-based configuration for the credential gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Revocation backends understood by RevocationConfig.Backend.
const (
	RevocationNone     = "none"
	RevocationStatic   = "static"
	RevocationHTTP     = "http"
	RevocationRedis    = "redis"
	RevocationPostgres = "postgres"
)

// Config holds all configuration for the gateway.
type Config struct {
	// Server configuration
	APIHost         string
	APIPort         int
	ShutdownTimeout time.Duration
	HealthTimeout   time.Duration

	// Logging
	LogLevel string
	LogJSON  bool

	// DatabaseDSN is used by the postgres revocation backend and the audit sink.
	DatabaseDSN string

	Backend    BackendConfig
	Trust      TrustConfig
	Minting    MintingConfig
	Policy     PolicyConfig
	Revocation RevocationConfig
	Audit      AuditConfig
}

// BackendConfig holds settings for the downstream credential store.
type BackendConfig struct {
	URL            string
	Audience       string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// TrustConfig points at the signing material used to verify client tokens.
type TrustConfig struct {
	// File is a YAML trust file, optionally age-encrypted (".age" suffix).
	File string
	// AgeIdentity is the AGE-SECRET-KEY-1... identity used to open sealed trust files.
	AgeIdentity string
	// Issuers is merged into the trust file's issuer allow-list.
	Issuers []string
}

// MintingConfig holds settings for service credentials sent downstream.
type MintingConfig struct {
	SigningKey string
	Issuer     string
}

// PolicyConfig holds policy engine settings.
type PolicyConfig struct {
	MaxTTL time.Duration
}

// RevocationConfig selects and configures the revocation lookup.
type RevocationConfig struct {
	Backend  string
	URL      string
	Timeout  time.Duration
	CacheTTL time.Duration
	FailOpen bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string

	// Subjects seeds the static backend.
	Subjects []string
}

// AuditConfig controls where audit entries go besides the structured log.
type AuditConfig struct {
	Database bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	cfg.Trust.File = getEnv("TRUST_FILE", "")
	cfg.Minting.SigningKey = getEnv("SERVICE_SIGNING_KEY", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.Trust.File == "" {
		return fmt.Errorf("TRUST_FILE is required")
	}
	if c.Minting.SigningKey == "" {
		return fmt.Errorf("SERVICE_SIGNING_KEY is required")
	}
	if len(c.Minting.SigningKey) < 32 {
		return fmt.Errorf("SERVICE_SIGNING_KEY must be at least 32 characters")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("CREDENTIAL_MANAGER_URL is required")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive")
	}
	if c.Backend.MaxRetries < 0 {
		return fmt.Errorf("BACKEND_MAX_RETRIES must not be negative")
	}
	if c.Policy.MaxTTL <= 0 {
		return fmt.Errorf("MAX_CREDENTIAL_TTL must be positive")
	}

	switch c.Revocation.Backend {
	case RevocationNone, RevocationStatic:
	case RevocationHTTP:
		if c.Revocation.URL == "" {
			return fmt.Errorf("REVOCATION_URL is required for the http revocation backend")
		}
	case RevocationRedis:
		if c.Revocation.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis revocation backend")
		}
	case RevocationPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres revocation backend")
		}
	default:
		return fmt.Errorf("unknown REVOCATION_BACKEND %q", c.Revocation.Backend)
	}

	if c.Audit.Database && c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_URL is required when AUDIT_DATABASE is enabled")
	}
	return nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		APIPort:         getIntEnv("API_PORT", 8080),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthTimeout:   getDurationEnv("HEALTH_CHECK_TIMEOUT", 2*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogJSON:         getBoolEnv("LOG_JSON", true),
		DatabaseDSN:     getEnv("DATABASE_URL", ""),
		Backend: BackendConfig{
			URL:            strings.TrimRight(getEnv("CREDENTIAL_MANAGER_URL", "http://localhost:8000"), "/"),
			Audience:       getEnv("BACKEND_AUDIENCE", "credential-manager"),
			Timeout:        getDurationEnv("BACKEND_TIMEOUT", 10*time.Second),
			MaxRetries:     getIntEnv("BACKEND_MAX_RETRIES", 2),
			InitialBackoff: getDurationEnv("BACKEND_INITIAL_BACKOFF", 200*time.Millisecond),
			MaxBackoff:     getDurationEnv("BACKEND_MAX_BACKOFF", 2*time.Second),
		},
		Trust: TrustConfig{
			File:        getEnv("TRUST_FILE", "config/trust.yaml"),
			AgeIdentity: getEnv("TRUST_AGE_IDENTITY", ""),
			Issuers:     getListEnv("TRUSTED_ISSUERS"),
		},
		Minting: MintingConfig{
			SigningKey: getEnv("SERVICE_SIGNING_KEY", "development-signing-key-min-32-chars"),
			Issuer:     getEnv("SERVICE_ISSUER", "credential-gateway"),
		},
		Policy: PolicyConfig{
			MaxTTL: getDurationEnv("MAX_CREDENTIAL_TTL", 60*time.Second),
		},
		Revocation: RevocationConfig{
			Backend:       strings.ToLower(getEnv("REVOCATION_BACKEND", RevocationNone)),
			URL:           strings.TrimRight(getEnv("REVOCATION_URL", ""), "/"),
			Timeout:       getDurationEnv("REVOCATION_TIMEOUT", 2*time.Second),
			CacheTTL:      getDurationEnv("REVOCATION_CACHE_TTL", 15*time.Second),
			FailOpen:      getBoolEnv("REVOCATION_FAIL_OPEN", false),
			RedisAddr:     getEnv("REDIS_ADDR", ""),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getIntEnv("REDIS_DB", 0),
			RedisKey:      getEnv("REVOCATION_REDIS_KEY", "credential-gateway:revoked-subjects"),
			Subjects:      getListEnv("REVOKED_SUBJECTS"),
		},
		Audit: AuditConfig{
			Database: getBoolEnv("AUDIT_DATABASE", false),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
