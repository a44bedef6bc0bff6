package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSpec describes a client token to sign. It backs cmd/gentoken and tests;
// production client tokens come from the identity provider.
type TokenSpec struct {
	KeyID    string
	Issuer   string
	Subject  string
	Scopes   []string
	IssuedAt time.Time
	TTL      time.Duration
	Method   jwt.SigningMethod
}

// SignToken signs a client token described by spec with key.
func SignToken(key any, spec TokenSpec) (string, error) {
	if spec.Subject == "" {
		return "", ErrMissingSubject
	}
	method := spec.Method
	if method == nil {
		method = jwt.SigningMethodHS256
	}
	issuedAt := spec.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    spec.Issuer,
			Subject:   spec.Subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(spec.TTL)),
		},
		Scope: strings.Join(spec.Scopes, " "),
	}

	token := jwt.NewWithClaims(method, claims)
	if spec.KeyID != "" {
		token.Header["kid"] = spec.KeyID
	}

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
