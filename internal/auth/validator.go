package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BearerPrefix is the only accepted Authorization scheme prefix.
const BearerPrefix = "Bearer "

// Rejection is the coarse reason a credential was refused.
type Rejection string

const (
	RejectMissing         Rejection = "missing"
	RejectMalformed       Rejection = "malformed"
	RejectBadSignature    Rejection = "bad_signature"
	RejectExpired         Rejection = "expired"
	RejectUntrustedIssuer Rejection = "untrusted_issuer"
)

// RejectionError is returned for every refused credential. Error() exposes only
// the category; the wrapped cause is meant for audit logs.
type RejectionError struct {
	Reason Rejection
	Err    error
}

func (e *RejectionError) Error() string {
	return "credential rejected: " + string(e.Reason)
}

func (e *RejectionError) Unwrap() error {
	return e.Err
}

// Is matches another RejectionError with the same reason, so the sentinel
// values below work with errors.Is.
func (e *RejectionError) Is(target error) bool {
	t, ok := target.(*RejectionError)
	return ok && t.Reason == e.Reason
}

// Sentinel rejections for errors.Is.
var (
	ErrMissingCredential = &RejectionError{Reason: RejectMissing}
	ErrMalformed         = &RejectionError{Reason: RejectMalformed}
	ErrBadSignature      = &RejectionError{Reason: RejectBadSignature}
	ErrExpired           = &RejectionError{Reason: RejectExpired}
	ErrUntrustedIssuer   = &RejectionError{Reason: RejectUntrustedIssuer}
)

func reject(reason Rejection, cause error) error {
	return &RejectionError{Reason: reason, Err: cause}
}

// RejectionOf extracts the rejection category from err.
func RejectionOf(err error) (Rejection, bool) {
	var re *RejectionError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

// Claims is the verified identity carried by a client token.
type Claims struct {
	Subject   string
	Issuer    string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Scopes    map[string]struct{}
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	_, ok := c.Scopes[scope]
	return ok
}

// ScopeList returns the granted scopes sorted.
func (c *Claims) ScopeList() []string {
	out := make([]string, 0, len(c.Scopes))
	for s := range c.Scopes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Remaining returns how long the claims stay valid after now.
func (c *Claims) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// tokenClaims is the JWT payload accepted from clients. Scopes may arrive as an
// OAuth "scope" string or a "scopes" array.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scope  string   `json:"scope,omitempty"`
	Scopes []string `json:"scopes,omitempty"`
}

func (c *tokenClaims) scopeSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, s := range strings.Fields(c.Scope) {
		set[s] = struct{}{}
	}
	for _, s := range c.Scopes {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// Validator verifies client bearer tokens against the published trust material.
// It performs no I/O.
type Validator struct {
	trust  *TrustStore
	now    func() time.Time
	logger *slog.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithClock sets the clock used for expiry checks.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) {
		v.now = now
	}
}

// WithValidatorLogger sets the logger used for debug output.
func WithValidatorLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// NewValidator creates a validator reading keys from trust.
func NewValidator(trust *TrustStore, opts ...ValidatorOption) *Validator {
	v := &Validator{
		trust:  trust,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ValidateHeader checks the Authorization header scheme and validates the token.
// The scheme must be exactly "Bearer " (case-sensitive, one space).
func (v *Validator) ValidateHeader(header string) (*Claims, error) {
	if header == "" {
		return nil, reject(RejectMissing, errors.New("authorization header absent"))
	}
	raw, ok := strings.CutPrefix(header, BearerPrefix)
	if !ok {
		return nil, reject(RejectMalformed, errors.New("authorization scheme is not Bearer"))
	}
	return v.Validate(raw)
}

// Validate verifies a raw token. Checks run in a fixed order and the first
// failure is terminal: structure, validity window, signature, issuer.
func (v *Validator) Validate(raw string) (*Claims, error) {
	claims, err := v.validate(raw)
	if err != nil {
		var re *RejectionError
		if errors.As(err, &re) {
			v.logger.Debug("token rejected", "reason", re.Reason, "cause", errorString(re.Err))
		}
		return nil, err
	}
	return claims, nil
}

func (v *Validator) validate(raw string) (*Claims, error) {
	tm := v.trust.Current()
	if tm == nil {
		return nil, reject(RejectBadSignature, ErrNoTrustMaterial)
	}

	if raw == "" || strings.TrimSpace(raw) != raw {
		return nil, reject(RejectMalformed, errors.New("token is empty or padded"))
	}

	// Structure.
	unverified := &tokenClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(raw, unverified)
	if err != nil {
		return nil, reject(RejectMalformed, err)
	}
	alg := token.Method.Alg()
	if !supportedAlgorithm(alg) {
		return nil, reject(RejectMalformed, fmt.Errorf("algorithm %q not accepted", alg))
	}
	if unverified.Subject == "" || unverified.Issuer == "" {
		return nil, reject(RejectMalformed, errors.New("sub and iss are required"))
	}
	if unverified.ExpiresAt == nil || unverified.IssuedAt == nil {
		return nil, reject(RejectMalformed, errors.New("exp and iat are required"))
	}
	if unverified.IssuedAt.After(unverified.ExpiresAt.Time) {
		return nil, reject(RejectMalformed, errors.New("iat after exp"))
	}

	// Validity window.
	now := v.now()
	if !unverified.ExpiresAt.After(now) {
		return nil, reject(RejectExpired, fmt.Errorf("expired at %s", unverified.ExpiresAt.Time.UTC().Format(time.RFC3339)))
	}
	if unverified.NotBefore != nil && unverified.NotBefore.After(now) {
		return nil, reject(RejectExpired, errors.New("token not yet valid"))
	}

	// Signature.
	kid, _ := token.Header["kid"].(string)
	signer, verified, err := v.verifySignature(tm, raw, kid, alg)
	if err != nil {
		return nil, reject(RejectBadSignature, err)
	}

	// Issuer.
	if verified.Issuer != signer.Issuer || !tm.IsTrustedIssuer(verified.Issuer) {
		return nil, reject(RejectUntrustedIssuer, fmt.Errorf("issuer %q not trusted for key %q", verified.Issuer, signer.ID))
	}

	return &Claims{
		Subject:   verified.Subject,
		Issuer:    verified.Issuer,
		TokenID:   verified.ID,
		IssuedAt:  verified.IssuedAt.Time,
		ExpiresAt: verified.ExpiresAt.Time,
		Scopes:    verified.scopeSet(),
	}, nil
}

// verifySignature tries each candidate key whose algorithm matches the token
// header and returns the key that verified it.
func (v *Validator) verifySignature(tm *TrustMaterial, raw, kid, alg string) (VerificationKey, *tokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{alg}),
		jwt.WithoutClaimsValidation(),
	)

	tried := 0
	for _, key := range tm.Candidates(kid) {
		if key.Algorithm != alg {
			continue
		}
		tried++
		claims := &tokenClaims{}
		_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return key.Key, nil
		})
		if err == nil {
			return key, claims, nil
		}
	}

	if tried == 0 {
		return VerificationKey{}, nil, fmt.Errorf("no %s key for kid %q", alg, kid)
	}
	return VerificationKey{}, nil, fmt.Errorf("signature did not verify against %d candidate keys", tried)
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
