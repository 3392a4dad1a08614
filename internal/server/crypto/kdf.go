package crypto

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// SchemePBKDF2SHA512 identifies PBKDF2-HMAC-SHA-512 with a 32-byte output.
	// The scheme name and iteration count are stored next to every salt.
	SchemePBKDF2SHA512 = "pbkdf2-sha512"

	DefaultIterations = 600_000
	MinIterations     = 600_000

	KeyLen  = 32
	SaltLen = 32
)

var (
	ErrInvalidKDFParams = errors.New("invalid KDF parameters")
	ErrUnknownScheme    = errors.New("unknown KDF scheme")
)

// KDF is a password-based key derivation configuration.
type KDF struct {
	Iterations int
}

// DefaultKDF is the scheme applied to new uploads.
var DefaultKDF = KDF{Iterations: DefaultIterations}

// Scheme returns the identifier persisted alongside the salt.
func (k KDF) Scheme() string {
	return SchemePBKDF2SHA512
}

// Validate enforces the iteration floor.
func (k KDF) Validate() error {
	if k.Iterations < MinIterations {
		return fmt.Errorf("%w: PBKDF2 iterations %d < minimum %d", ErrInvalidKDFParams, k.Iterations, MinIterations)
	}
	return nil
}

// Derive maps (password, salt) to a 32-byte key. It is deterministic.
func (k KDF) Derive(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, k.Iterations, KeyLen, sha512.New)
}

// ParseScheme rebuilds the KDF recorded for a stored file.
func ParseScheme(scheme string, iterations int) (KDF, error) {
	if scheme != SchemePBKDF2SHA512 {
		return KDF{}, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	if iterations <= 0 {
		return KDF{}, fmt.Errorf("%w: iterations %d", ErrInvalidKDFParams, iterations)
	}
	return KDF{Iterations: iterations}, nil
}

// GenerateSalt returns SaltLen random bytes, hex-encoded.
func GenerateSalt() (string, error) {
	b, err := GenerateRandomBytes(SaltLen)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// DecodeSalt reverses GenerateSalt.
func DecodeSalt(salt string) ([]byte, error) {
	b, err := hex.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	if len(b) < SaltLen {
		return nil, fmt.Errorf("salt too short: %d bytes", len(b))
	}
	return b, nil
}

// GenerateRandomBytes generates n random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
