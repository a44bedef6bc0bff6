package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/credential-gateway/internal/secrets"
)

const (
	testIssuer = "https://idp.example.com"
	testKID    = "idp-hmac-1"
)

var (
	testSecret = []byte("0123456789abcdef0123456789abcdef")
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func fixedClock() time.Time { return testNow }

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	tm, err := NewTrustMaterial([]VerificationKey{
		{ID: testKID, Issuer: testIssuer, Algorithm: "HS256", Key: testSecret},
	}, []string{testIssuer})
	require.NoError(t, err)
	return NewValidator(NewTrustStore(tm), WithClock(fixedClock))
}

func signTest(t *testing.T, spec TokenSpec) string {
	t.Helper()
	if spec.KeyID == "" {
		spec.KeyID = testKID
	}
	if spec.Issuer == "" {
		spec.Issuer = testIssuer
	}
	if spec.IssuedAt.IsZero() {
		spec.IssuedAt = testNow.Add(-time.Minute)
	}
	if spec.TTL == 0 {
		spec.TTL = time.Hour
	}
	token, err := SignToken(testSecret, spec)
	require.NoError(t, err)
	return token
}

func TestValidateHeaderAcceptsValidToken(t *testing.T) {
	v := newTestValidator(t)
	token := signTest(t, TokenSpec{Subject: "svc-a", Scopes: []string{"db-password", "api-key"}})

	claims, err := v.ValidateHeader("Bearer " + token)
	require.NoError(t, err)

	assert.Equal(t, "svc-a", claims.Subject)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.True(t, claims.HasScope("db-password"))
	assert.Equal(t, []string{"api-key", "db-password"}, claims.ScopeList())
	assert.True(t, claims.ExpiresAt.After(testNow))
	assert.Equal(t, 59*time.Minute, claims.Remaining(testNow))
}

func TestValidateHeaderScheme(t *testing.T) {
	v := newTestValidator(t)
	token := signTest(t, TokenSpec{Subject: "svc-a"})

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{"empty", "", ErrMissingCredential},
		{"lowercase scheme", "bearer " + token, ErrMalformed},
		{"no space", "Bearer" + token, ErrMalformed},
		{"double space", "Bearer  " + token, ErrMalformed},
		{"basic scheme", "Basic " + token, ErrMalformed},
		{"scheme only", "Bearer ", ErrMalformed},
		{"garbage token", "Bearer not-a-jwt", ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateHeader(tt.header)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestValidateRejectionOrder(t *testing.T) {
	v := newTestValidator(t)

	t.Run("missing claims are malformed", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "svc-a", "iss": testIssuer})
		token.Header["kid"] = testKID
		raw, err := token.SignedString(testSecret)
		require.NoError(t, err)

		_, err = v.Validate(raw)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("unsigned token is malformed", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
			"sub": "svc-a", "iss": testIssuer,
			"iat": testNow.Unix(), "exp": testNow.Add(time.Hour).Unix(),
		})
		raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = v.Validate(raw)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("expired token with bad signature is expired", func(t *testing.T) {
		spec := TokenSpec{Subject: "svc-a", KeyID: testKID, Issuer: testIssuer,
			IssuedAt: testNow.Add(-2 * time.Hour), TTL: time.Hour}
		raw, err := SignToken([]byte("ffffffffffffffffffffffffffffffff"), spec)
		require.NoError(t, err)

		_, err = v.Validate(raw)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("not yet valid token is expired", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "svc-a", "iss": testIssuer,
			"iat": testNow.Unix(), "nbf": testNow.Add(time.Minute).Unix(),
			"exp": testNow.Add(time.Hour).Unix(),
		})
		token.Header["kid"] = testKID
		raw, err := token.SignedString(testSecret)
		require.NoError(t, err)

		_, err = v.Validate(raw)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("wrong key is bad signature", func(t *testing.T) {
		raw, err := SignToken([]byte("ffffffffffffffffffffffffffffffff"), TokenSpec{
			Subject: "svc-a", KeyID: testKID, Issuer: testIssuer,
			IssuedAt: testNow, TTL: time.Hour,
		})
		require.NoError(t, err)

		_, err = v.Validate(raw)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("unknown kid is bad signature", func(t *testing.T) {
		raw := signTest(t, TokenSpec{Subject: "svc-a", KeyID: "other"})
		_, err := v.Validate(raw)
		assert.ErrorIs(t, err, ErrBadSignature)
	})

	t.Run("issuer not bound to key is untrusted", func(t *testing.T) {
		raw := signTest(t, TokenSpec{Subject: "svc-a", Issuer: "https://evil.example.com"})
		_, err := v.Validate(raw)
		assert.ErrorIs(t, err, ErrUntrustedIssuer)
	})
}

func TestRejectionErrorHidesCause(t *testing.T) {
	v := newTestValidator(t)
	raw := signTest(t, TokenSpec{Subject: "svc-a", KeyID: "other"})

	_, err := v.ValidateHeader("Bearer " + raw)
	require.Error(t, err)

	assert.Equal(t, "credential rejected: bad_signature", err.Error())
	assert.NotContains(t, err.Error(), raw)
	reason, ok := RejectionOf(err)
	assert.True(t, ok)
	assert.Equal(t, RejectBadSignature, reason)
	assert.NotNil(t, errors.Unwrap(err))
}

func TestUntrustedIssuerWithValidKey(t *testing.T) {
	tm, err := NewTrustMaterial([]VerificationKey{
		{ID: testKID, Issuer: testIssuer, Algorithm: "HS256", Key: testSecret},
	}, nil)
	require.NoError(t, err)
	v := NewValidator(NewTrustStore(tm), WithClock(fixedClock))

	_, err = v.Validate(signTest(t, TokenSpec{Subject: "svc-a"}))
	assert.ErrorIs(t, err, ErrUntrustedIssuer)
}

func TestTokenWithoutKIDTriesAllKeys(t *testing.T) {
	other := []byte("abcdefghijklmnopqrstuvwxyz012345")
	tm, err := NewTrustMaterial([]VerificationKey{
		{ID: "a", Issuer: "https://other.example.com", Algorithm: "HS256", Key: other},
		{ID: "b", Issuer: testIssuer, Algorithm: "HS256", Key: testSecret},
	}, []string{testIssuer, "https://other.example.com"})
	require.NoError(t, err)
	v := NewValidator(NewTrustStore(tm), WithClock(fixedClock))

	raw, err := SignToken(testSecret, TokenSpec{Subject: "svc-a", Issuer: testIssuer, IssuedAt: testNow, TTL: time.Hour})
	require.NoError(t, err)

	claims, err := v.Validate(raw)
	require.NoError(t, err)
	assert.Equal(t, "svc-a", claims.Subject)
}

func TestTrustRotation(t *testing.T) {
	v := newTestValidator(t)
	token := signTest(t, TokenSpec{Subject: "svc-a"})

	_, err := v.Validate(token)
	require.NoError(t, err)

	rotated, err := NewTrustMaterial([]VerificationKey{
		{ID: "idp-hmac-2", Issuer: testIssuer, Algorithm: "HS256", Key: []byte("zyxwvutsrqponmlkjihgfedcba987654")},
	}, []string{testIssuer})
	require.NoError(t, err)

	require.NoError(t, v.trust.Rotate(rotated))
	assert.Equal(t, uint64(2), v.trust.Generation())

	_, err = v.Validate(token)
	assert.ErrorIs(t, err, ErrBadSignature)

	assert.ErrorIs(t, v.trust.Rotate(nil), ErrNoTrustMaterial)
}

func TestJWKSTrust(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: pub, KeyID: "ed-1", Use: "sig"}}}
	jwksJSON, err := json.Marshal(set)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "idp-jwks.json"), jwksJSON, 0o600))

	trustYAML := `issuers:
  - name: https://idp.example.com
    jwks_file: idp-jwks.json
    keys:
      - kid: idp-hmac-1
        secret: ` + base64.StdEncoding.EncodeToString(testSecret) + `
  - name: https://retired.example.com
    trusted: false
`
	path := filepath.Join(dir, "trust.yaml")
	require.NoError(t, os.WriteFile(path, []byte(trustYAML), 0o600))

	tm, err := LoadTrustFile(path, nil, []string{"https://extra.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 2, tm.KeyCount())
	assert.Equal(t, []string{"EdDSA", "HS256"}, tm.Algorithms())
	assert.True(t, tm.IsTrustedIssuer("https://extra.example.com"))
	assert.False(t, tm.IsTrustedIssuer("https://retired.example.com"))

	v := NewValidator(NewTrustStore(tm), WithClock(fixedClock))
	raw, err := SignToken(priv, TokenSpec{
		KeyID: "ed-1", Issuer: testIssuer, Subject: "svc-b",
		Scopes: []string{"tls/cert"}, IssuedAt: testNow, TTL: time.Hour,
		Method: jwt.SigningMethodEdDSA,
	})
	require.NoError(t, err)

	claims, err := v.Validate(raw)
	require.NoError(t, err)
	assert.True(t, claims.HasScope("tls/cert"))
}

func TestLoadSealedTrustFile(t *testing.T) {
	recipient, identity, err := secrets.GenerateKeyPair()
	require.NoError(t, err)
	sealer, err := secrets.NewSealer(&secrets.Config{Recipient: recipient, Identity: identity}, nil)
	require.NoError(t, err)

	trustYAML := "issuers:\n  - name: " + testIssuer + "\n    keys:\n      - kid: k1\n        secret: " +
		base64.StdEncoding.EncodeToString(testSecret) + "\n"
	sealed, err := sealer.Seal([]byte(trustYAML))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "trust.yaml.age")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	_, err = LoadTrustFile(path, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidTrustFile)

	tm, err := LoadTrustFile(path, sealer, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tm.KeyCount())
}

func TestParseTrustErrors(t *testing.T) {
	tests := map[string]string{
		"short secret":     "issuers:\n  - name: a\n    keys:\n      - kid: k\n        secret: c2hvcnQ=\n",
		"non hmac alg":     "issuers:\n  - name: a\n    keys:\n      - kid: k\n        alg: RS256\n        secret: c2hvcnQ=\n",
		"missing name":     "issuers:\n  - keys: []\n",
		"not yaml mapping": "issuers: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseTrust([]byte(doc), t.TempDir(), nil)
			assert.ErrorIs(t, err, ErrInvalidTrustFile)
		})
	}
}

func TestMinter(t *testing.T) {
	m, err := NewMinter([]byte(strings.Repeat("r", 32)), "credential-gateway", "credential-manager", WithMinterClock(fixedClock))
	require.NoError(t, err)

	cred, err := m.Mint("svc-a", "secrets:read:db-password", 1500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, time.Second, cred.TTL())
	assert.NotEmpty(t, cred.ID)

	parsed, err := m.Verify(cred.Token)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, parsed.ID)
	assert.Equal(t, "svc-a", parsed.Subject)
	assert.Equal(t, "secrets:read:db-password", parsed.Scope)

	_, err = m.Mint("svc-a", "x", 500*time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidTTL)
	_, err = m.Mint("", "x", time.Minute)
	assert.ErrorIs(t, err, ErrMissingSubject)

	_, err = NewMinter([]byte("short"), "i", "a")
	assert.ErrorIs(t, err, ErrWeakSigningKey)

	other, err := NewMinter([]byte(strings.Repeat("s", 32)), "credential-gateway", "credential-manager", WithMinterClock(fixedClock))
	require.NoError(t, err)
	_, err = other.Verify(cred.Token)
	assert.ErrorIs(t, err, ErrInvalidServiceCredential)
}

func TestValidatorLogsRejectionCauseAtDebug(t *testing.T) {
	var buf bytes.Buffer
	tm, err := NewTrustMaterial([]VerificationKey{
		{ID: testKID, Issuer: testIssuer, Algorithm: "HS256", Key: testSecret},
	}, []string{testIssuer})
	require.NoError(t, err)
	v := NewValidator(NewTrustStore(tm), WithClock(fixedClock),
		WithValidatorLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))))

	token, err := SignToken([]byte(strings.Repeat("x", 32)), TokenSpec{
		KeyID:    testKID,
		Issuer:   testIssuer,
		Subject:  "svc-a",
		IssuedAt: testNow.Add(-time.Minute),
		TTL:      time.Hour,
	})
	require.NoError(t, err)

	_, err = v.Validate(token)
	require.ErrorIs(t, err, ErrBadSignature)

	out := buf.String()
	assert.Contains(t, out, "token rejected")
	assert.Contains(t, out, `"reason":"bad_signature"`)
	assert.Contains(t, out, "signature did not verify")
	assert.NotContains(t, out, token)
}
