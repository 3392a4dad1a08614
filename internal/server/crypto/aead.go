package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

const NonceLen = 12

// ErrAuthFailure is returned by Open for a wrong key, wrong nonce or any
// corruption of the sealed payload. No plaintext is returned with it.
var ErrAuthFailure = errors.New("message authentication failed")

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("invalid key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce and
// returns nonce || ciphertext || tag.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, NonceLen, NonceLen+len(plaintext)+gcm.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(out, out[:NonceLen], plaintext, nil), nil
}

// Open splits sealed into nonce and ciphertext and decrypts it.
func Open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < NonceLen+gcm.Overhead() {
		return nil, ErrAuthFailure
	}

	plaintext, err := gcm.Open(nil, sealed[:NonceLen], sealed[NonceLen:], nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// EncodeBlob renders a sealed payload in its on-disk form (lowercase hex).
func EncodeBlob(sealed []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(sealed)))
	hex.Encode(out, sealed)
	return out
}

// DecodeBlob parses the on-disk form. Malformed hex is reported as an
// authentication failure so that corruption stays indistinguishable from a
// wrong password.
func DecodeBlob(data []byte) ([]byte, error) {
	out := make([]byte, hex.DecodedLen(len(data)))
	if _, err := hex.Decode(out, data); err != nil {
		return nil, ErrAuthFailure
	}
	return out, nil
}
