// Package secrets seals and opens gateway trust material with age encryption.
// Sealed files can be committed next to the deployment and are only readable
// by gateway instances holding the matching X25519 identity.
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"filippo.io/age"
)

// SealedSuffix marks a file as age-encrypted.
const SealedSuffix = ".age"

var (
	// ErrNoRecipient is returned when no recipient is configured for sealing.
	ErrNoRecipient = errors.New("no recipient configured for sealing")
	// ErrNoIdentity is returned when no identity is configured for opening.
	ErrNoIdentity = errors.New("no identity configured for opening")
	// ErrOpenFailed is returned when decryption fails.
	ErrOpenFailed = errors.New("opening sealed data failed")
	// ErrSealFailed is returned when encryption fails.
	ErrSealFailed = errors.New("sealing data failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Config holds the keys for a Sealer. Either may be empty.
type Config struct {
	// Recipient is the age public key used to seal (age1...).
	Recipient string
	// Identity is the age private key used to open (AGE-SECRET-KEY-1...).
	Identity string
}

// Sealer encrypts and decrypts blobs with age X25519 keys.
type Sealer struct {
	recipient *age.X25519Recipient
	identity  *age.X25519Identity
	logger    *slog.Logger
}

// NewSealer parses the configured keys.
func NewSealer(cfg *Config, logger *slog.Logger) (*Sealer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sealer{logger: logger}

	if cfg.Recipient != "" {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(cfg.Recipient))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid recipient: %v", ErrInvalidKey, err)
		}
		s.recipient = recipient
	}

	if cfg.Identity != "" {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(cfg.Identity))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid identity: %v", ErrInvalidKey, err)
		}
		s.identity = identity
	}

	return s, nil
}

// Seal encrypts plaintext to the configured recipient.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s.recipient == nil {
		return nil, ErrNoRecipient
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealFailed, err)
	}

	return buf.Bytes(), nil
}

// Open decrypts ciphertext with the configured identity.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	if s.identity == nil {
		return nil, ErrNoIdentity
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		s.logger.Error("failed to open sealed data", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	return plaintext, nil
}

// ReadFile reads path, opening it first when it carries the sealed suffix.
func (s *Sealer) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if !IsSealed(path) {
		return data, nil
	}
	return s.Open(data)
}

// IsSealed reports whether path names a sealed file.
func IsSealed(path string) bool {
	return strings.HasSuffix(path, SealedSuffix)
}

// GenerateKeyPair generates a new age key pair.
func GenerateKeyPair() (recipient, identity string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate age key pair: %w", err)
	}

	return id.Recipient().String(), id.String(), nil
}
