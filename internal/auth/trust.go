// Package auth verifies client bearer tokens and mints the short-lived service
// credentials the gateway presents to the credential store.
package auth

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"gopkg.in/yaml.v3"

	"github.com/narvanalabs/credential-gateway/internal/secrets"
)

// MinHMACKeyLength is the minimum accepted length of an HMAC verification secret.
const MinHMACKeyLength = 32

var (
	// ErrNoTrustMaterial is returned when a store is rotated to nil material.
	ErrNoTrustMaterial = errors.New("no trust material")
	// ErrInvalidTrustFile is returned when a trust file cannot be parsed.
	ErrInvalidTrustFile = errors.New("invalid trust file")
)

// VerificationKey is a single key trusted to sign client tokens for one issuer.
type VerificationKey struct {
	ID        string
	Issuer    string
	Algorithm string
	Key       any
}

// TrustMaterial is an immutable snapshot of the keys and issuers the validator
// accepts. It is never modified after construction; rotation replaces it.
type TrustMaterial struct {
	byKID    map[string][]VerificationKey
	all      []VerificationKey
	issuers  map[string]struct{}
	algs     []string
	LoadedAt time.Time
}

// NewTrustMaterial builds a snapshot from keys and an issuer allow-list.
func NewTrustMaterial(keys []VerificationKey, issuers []string) (*TrustMaterial, error) {
	tm := &TrustMaterial{
		byKID:    make(map[string][]VerificationKey),
		issuers:  make(map[string]struct{}),
		LoadedAt: time.Now(),
	}

	algs := make(map[string]struct{})
	for _, k := range keys {
		if k.Issuer == "" {
			return nil, fmt.Errorf("%w: key %q has no issuer", ErrInvalidTrustFile, k.ID)
		}
		if !supportedAlgorithm(k.Algorithm) {
			return nil, fmt.Errorf("%w: key %q uses unsupported algorithm %q", ErrInvalidTrustFile, k.ID, k.Algorithm)
		}
		tm.all = append(tm.all, k)
		if k.ID != "" {
			tm.byKID[k.ID] = append(tm.byKID[k.ID], k)
		}
		algs[k.Algorithm] = struct{}{}
	}

	for _, iss := range issuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			tm.issuers[iss] = struct{}{}
		}
	}

	for alg := range algs {
		tm.algs = append(tm.algs, alg)
	}
	sort.Strings(tm.algs)

	return tm, nil
}

// Candidates returns the keys that may have signed a token carrying kid.
// Tokens without a kid are checked against every key.
func (t *TrustMaterial) Candidates(kid string) []VerificationKey {
	if kid == "" {
		return t.all
	}
	return t.byKID[kid]
}

// IsTrustedIssuer reports whether iss is on the allow-list.
func (t *TrustMaterial) IsTrustedIssuer(iss string) bool {
	_, ok := t.issuers[iss]
	return ok
}

// Algorithms returns the signing algorithms of the loaded keys.
func (t *TrustMaterial) Algorithms() []string {
	return t.algs
}

// KeyCount returns the number of loaded verification keys.
func (t *TrustMaterial) KeyCount() int {
	return len(t.all)
}

// TrustStore publishes the current TrustMaterial to concurrent readers.
// Readers never lock; Rotate swaps the snapshot atomically.
type TrustStore struct {
	current    atomic.Pointer[TrustMaterial]
	mu         sync.Mutex
	generation uint64
}

// NewTrustStore creates a store holding tm.
func NewTrustStore(tm *TrustMaterial) *TrustStore {
	s := &TrustStore{generation: 1}
	s.current.Store(tm)
	return s
}

// Current returns the active snapshot.
func (s *TrustStore) Current() *TrustMaterial {
	return s.current.Load()
}

// Rotate replaces the active snapshot. Requests already holding the previous
// snapshot finish against it.
func (s *TrustStore) Rotate(tm *TrustMaterial) error {
	if tm == nil {
		return ErrNoTrustMaterial
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(tm)
	s.generation++
	return nil
}

// Generation returns how many snapshots this store has published.
func (s *TrustStore) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// trustFile is the on-disk YAML layout.
type trustFile struct {
	Issuers []issuerEntry `yaml:"issuers"`
}

type issuerEntry struct {
	Name    string    `yaml:"name"`
	Trusted *bool     `yaml:"trusted"`
	Keys    []hmacKey `yaml:"keys"`
	JWKS    string    `yaml:"jwks_file"`
}

type hmacKey struct {
	KID       string `yaml:"kid"`
	Algorithm string `yaml:"alg"`
	Secret    string `yaml:"secret"`
}

// LoadTrustFile reads a YAML trust file, opening it with sealer when it is
// age-encrypted, and merges extraIssuers into the allow-list.
func LoadTrustFile(path string, sealer *secrets.Sealer, extraIssuers []string) (*TrustMaterial, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case sealer != nil:
		data, err = sealer.ReadFile(path)
	case secrets.IsSealed(path):
		return nil, fmt.Errorf("%w: %s is sealed and no identity is configured", ErrInvalidTrustFile, path)
	default:
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("loading trust file: %w", err)
	}

	return ParseTrust(data, filepath.Dir(path), extraIssuers)
}

// ParseTrust parses trust file contents. Relative JWKS paths resolve against baseDir.
func ParseTrust(data []byte, baseDir string, extraIssuers []string) (*TrustMaterial, error) {
	var tf trustFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTrustFile, err)
	}

	var (
		keys    []VerificationKey
		issuers = append([]string(nil), extraIssuers...)
	)

	for _, entry := range tf.Issuers {
		if entry.Name == "" {
			return nil, fmt.Errorf("%w: issuer without name", ErrInvalidTrustFile)
		}
		if entry.Trusted == nil || *entry.Trusted {
			issuers = append(issuers, entry.Name)
		}

		for _, k := range entry.Keys {
			vk, err := parseHMACKey(entry.Name, k)
			if err != nil {
				return nil, err
			}
			keys = append(keys, vk)
		}

		if entry.JWKS != "" {
			path := entry.JWKS
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			jwksKeys, err := loadJWKS(entry.Name, path)
			if err != nil {
				return nil, err
			}
			keys = append(keys, jwksKeys...)
		}
	}

	return NewTrustMaterial(keys, issuers)
}

func parseHMACKey(issuer string, k hmacKey) (VerificationKey, error) {
	alg := k.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	if !strings.HasPrefix(alg, "HS") {
		return VerificationKey{}, fmt.Errorf("%w: key %q: shared secrets must use an HS algorithm", ErrInvalidTrustFile, k.KID)
	}

	secret, err := base64.StdEncoding.DecodeString(k.Secret)
	if err != nil {
		secret, err = base64.RawURLEncoding.DecodeString(k.Secret)
	}
	if err != nil {
		return VerificationKey{}, fmt.Errorf("%w: key %q: secret is not base64", ErrInvalidTrustFile, k.KID)
	}
	if len(secret) < MinHMACKeyLength {
		return VerificationKey{}, fmt.Errorf("%w: key %q: secret shorter than %d bytes", ErrInvalidTrustFile, k.KID, MinHMACKeyLength)
	}

	return VerificationKey{ID: k.KID, Issuer: issuer, Algorithm: alg, Key: secret}, nil
}

func loadJWKS(issuer, path string) ([]VerificationKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading JWKS for %s: %w", issuer, err)
	}
	return parseJWKS(issuer, data)
}

func parseJWKS(issuer string, data []byte) ([]VerificationKey, error) {
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("%w: JWKS for %s: %v", ErrInvalidTrustFile, issuer, err)
	}

	var keys []VerificationKey
	for _, jwk := range set.Keys {
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		if !jwk.Valid() {
			return nil, fmt.Errorf("%w: JWKS for %s: key %q is invalid", ErrInvalidTrustFile, issuer, jwk.KeyID)
		}
		if !jwk.IsPublic() {
			jwk = jwk.Public()
		}

		alg := jwk.Algorithm
		if alg == "" {
			alg = defaultAlgorithm(jwk.Key)
		}
		if alg == "" {
			return nil, fmt.Errorf("%w: JWKS for %s: key %q has unsupported type %T", ErrInvalidTrustFile, issuer, jwk.KeyID, jwk.Key)
		}

		keys = append(keys, VerificationKey{
			ID:        jwk.KeyID,
			Issuer:    issuer,
			Algorithm: alg,
			Key:       jwk.Key,
		})
	}
	return keys, nil
}

func defaultAlgorithm(key any) string {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return "RS256"
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return "ES256"
		case elliptic.P384():
			return "ES384"
		case elliptic.P521():
			return "ES512"
		}
	case ed25519.PublicKey:
		return "EdDSA"
	}
	return ""
}

func supportedAlgorithm(alg string) bool {
	switch alg {
	case "HS256", "HS384", "HS512",
		"RS256", "RS384", "RS512",
		"PS256", "PS384", "PS512",
		"ES256", "ES384", "ES512",
		"EdDSA":
		return true
	}
	return false
}
