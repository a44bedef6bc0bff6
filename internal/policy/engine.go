// Package policy decides whether verified claims may read a named secret and
// bounds the lifetime of the service credential minted for the read.
package policy

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/narvanalabs/credential-gateway/internal/auth"
)

// DefaultMaxTTL caps service credential lifetime when no maximum is configured.
const DefaultMaxTTL = 60 * time.Second

// ScopePrefix prefixes the downstream scope of an allowed read.
const ScopePrefix = "secrets:read:"

var secretNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_/-]{1,256}$`)

// ValidSecretName reports whether name uses only the allow-listed charset.
func ValidSecretName(name string) bool {
	return secretNamePattern.MatchString(name)
}

// Effect is the outcome of a decision.
type Effect string

const (
	Allow Effect = "ALLOW"
	Deny  Effect = "DENY"
)

// DenyReason explains a DENY. It is recorded in the audit log, not returned to clients.
type DenyReason string

const (
	ReasonInvalidSecretName     DenyReason = "invalid_secret_name"
	ReasonScopeDenied           DenyReason = "scope_denied"
	ReasonRevoked               DenyReason = "revoked"
	ReasonRevocationUnavailable DenyReason = "revocation_unavailable"
	ReasonAuthorizationExpired  DenyReason = "authorization_expired"
)

// Decision is the result of Decide. Scope, TTL and ExpiresAt are set only on ALLOW.
type Decision struct {
	Effect Effect
	Reason DenyReason
	Scope  string
	TTL    time.Duration
	// ExpiresAt is the expiry of the authorizing claims; no credential minted
	// for this decision may outlive it.
	ExpiresAt time.Time
	// RevocationErr is set when the lookup failed, whichever way the engine decided.
	RevocationErr error
}

// Allowed reports whether the decision is ALLOW.
func (d Decision) Allowed() bool {
	return d.Effect == Allow
}

// RevocationChecker answers whether a subject has been revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, subject string) (bool, error)
}

// Config holds policy engine settings.
type Config struct {
	MaxTTL time.Duration
	// FailOpen lets requests through when the revocation lookup fails.
	FailOpen bool
}

// Engine evaluates read requests. It holds no per-request state.
type Engine struct {
	maxTTL      time.Duration
	failOpen    bool
	revocations RevocationChecker
	now         func() time.Time
	logger      *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock sets the clock used for TTL computation.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine. A nil checker means no subject is ever revoked.
func NewEngine(cfg Config, revocations RevocationChecker, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}
	e := &Engine{
		maxTTL:      cfg.MaxTTL,
		failOpen:    cfg.FailOpen,
		revocations: revocations,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxTTL returns the configured credential lifetime cap.
func (e *Engine) MaxTTL() time.Duration {
	return e.maxTTL
}

// Decide evaluates whether claims may read secretName.
func (e *Engine) Decide(ctx context.Context, claims *auth.Claims, secretName string) Decision {
	if !ValidSecretName(secretName) {
		return deny(ReasonInvalidSecretName)
	}
	if claims == nil || len(claims.Scopes) == 0 || !claims.HasScope(secretName) {
		return deny(ReasonScopeDenied)
	}

	var lookupErr error
	if e.revocations != nil {
		revoked, err := e.revocations.IsRevoked(ctx, claims.Subject)
		switch {
		case err != nil && !e.failOpen:
			e.logger.Warn("revocation lookup failed, denying", "subject", claims.Subject, "error", err)
			d := deny(ReasonRevocationUnavailable)
			d.RevocationErr = err
			return d
		case err != nil:
			e.logger.Warn("revocation lookup failed, allowing (fail-open)", "subject", claims.Subject, "error", err)
			lookupErr = err
		case revoked:
			return deny(ReasonRevoked)
		}
	}

	ttl := min(e.maxTTL, claims.Remaining(e.now()))
	if ttl < time.Second {
		return deny(ReasonAuthorizationExpired)
	}

	return Decision{
		Effect:        Allow,
		Scope:         ScopePrefix + secretName,
		TTL:           ttl,
		ExpiresAt:     claims.ExpiresAt,
		RevocationErr: lookupErr,
	}
}

func deny(reason DenyReason) Decision {
	return Decision{Effect: Deny, Reason: reason}
}
