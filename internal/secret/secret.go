// Package secret protects sensitive configuration values at rest. Values
// are sealed with AES-GCM under a key derived from an operator-held
// passphrase, so API keys can live in config files and version control
// without being readable there.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLen    = 16
	keyLen     = 32
	iterations = 100_000
)

// ErrDecrypt covers every way a sealed value can fail to open: wrong
// passphrase, tampered ciphertext, or garbage input. The cause is
// deliberately not distinguished.
var ErrDecrypt = errors.New("cannot decrypt value")

// Vault seals and opens values under one passphrase.
type Vault struct {
	passphrase []byte
}

// NewVault builds a vault over the given passphrase.
func NewVault(passphrase string) *Vault {
	return &Vault{passphrase: []byte(passphrase)}
}

func (v *Vault) key(salt []byte) []byte {
	return pbkdf2.Key(v.passphrase, salt, iterations, keyLen, sha256.New)
}

// Encrypt seals plaintext and returns a base64 token of
// salt || nonce || ciphertext. A fresh salt and nonce per call means equal
// plaintexts never produce equal tokens.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(v.key(salt))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	token := append(append(salt, nonce...), sealed...)
	return base64.StdEncoding.EncodeToString(token), nil
}

// Decrypt opens a token produced by Encrypt.
func (v *Vault) Decrypt(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < saltLen {
		return "", fmt.Errorf("%w: token too short", ErrDecrypt)
	}
	salt, rest := raw[:saltLen], raw[saltLen:]

	gcm, err := newGCM(v.key(salt))
	if err != nil {
		return "", err
	}
	if len(rest) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: token too short", ErrDecrypt)
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to build AEAD: %w", err)
	}
	return gcm, nil
}
