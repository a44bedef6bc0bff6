package auth

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// MinSigningKeyLength is the minimum length of the root key service credentials derive from.
const MinSigningKeyLength = 32

// MinCredentialTTL is the shortest lifetime a service credential may carry.
const MinCredentialTTL = time.Second

// hkdfInfo binds the derived key to its single use.
const hkdfInfo = "credential-gateway/service-credential/v1"

var (
	// ErrInvalidTTL is returned when a credential would live less than a second.
	ErrInvalidTTL = errors.New("service credential ttl must be at least one second")
	// ErrWeakSigningKey is returned when the root key is too short.
	ErrWeakSigningKey = errors.New("signing key too short")
	// ErrMissingSubject is returned when minting without a subject.
	ErrMissingSubject = errors.New("subject is required")
	// ErrInvalidServiceCredential is returned by Verify for tokens this minter did not issue.
	ErrInvalidServiceCredential = errors.New("invalid service credential")
)

// ServiceCredential is a short-lived token minted for exactly one backend call.
type ServiceCredential struct {
	Token     string
	ID        string
	Subject   string
	Audience  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TTL returns the credential lifetime.
func (c *ServiceCredential) TTL() time.Duration {
	return c.ExpiresAt.Sub(c.IssuedAt)
}

// LogValue keeps the token itself out of structured logs.
func (c *ServiceCredential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", c.ID),
		slog.String("scope", c.Scope),
		slog.Time("expires_at", c.ExpiresAt),
	)
}

type serviceClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// Minter signs service credentials with a key derived from the gateway's root key.
type Minter struct {
	key      []byte
	issuer   string
	audience string
	now      func() time.Time
}

// MinterOption configures a Minter.
type MinterOption func(*Minter)

// WithMinterClock sets the clock used for iat/exp.
func WithMinterClock(now func() time.Time) MinterOption {
	return func(m *Minter) {
		m.now = now
	}
}

// NewMinter derives the HS256 signing key from rootKey with HKDF-SHA256.
func NewMinter(rootKey []byte, issuer, audience string, opts ...MinterOption) (*Minter, error) {
	if len(rootKey) < MinSigningKeyLength {
		return nil, fmt.Errorf("%w: need at least %d bytes", ErrWeakSigningKey, MinSigningKeyLength)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, rootKey, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving signing key: %w", err)
	}

	m := &Minter{
		key:      key,
		issuer:   issuer,
		audience: audience,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Mint issues a new credential acting for subject with the given scope.
// Every call produces a fresh ID. Issue time and lifetime are both truncated to
// whole seconds, so exp-iat never exceeds ttl and exp never passes now+ttl.
func (m *Minter) Mint(subject, scope string, ttl time.Duration) (*ServiceCredential, error) {
	if subject == "" {
		return nil, ErrMissingSubject
	}
	if ttl < MinCredentialTTL {
		return nil, ErrInvalidTTL
	}

	issued := m.now().Truncate(time.Second)
	iat := jwt.NewNumericDate(issued)
	exp := jwt.NewNumericDate(issued.Add(ttl.Truncate(time.Second)))
	id := uuid.NewString()

	claims := serviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Issuer:    m.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  iat,
			NotBefore: iat,
			ExpiresAt: exp,
		},
		Scope: scope,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return nil, fmt.Errorf("signing service credential: %w", err)
	}

	return &ServiceCredential{
		Token:     signed,
		ID:        id,
		Subject:   subject,
		Audience:  m.audience,
		Scope:     scope,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}, nil
}

// Verify parses a credential issued by this minter. The credential store side
// of a deployment can use it with the same root key.
func (m *Minter) Verify(token string) (*ServiceCredential, error) {
	claims := &serviceClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidServiceCredential, err)
	}

	return &ServiceCredential{
		Token:     token,
		ID:        claims.ID,
		Subject:   claims.Subject,
		Audience:  m.audience,
		Scope:     claims.Scope,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
