package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/atomicwriter"
)

const (
	// EnvSecretKey holds a passphrase the key is derived from. It wins over
	// the key file.
	EnvSecretKey = "AUTOPRESS_SECRET_KEY"
	// SecretKeyFile is created under the data directory on first use.
	SecretKeyFile = "secret.key"

	encPrefix = "enc:"
	keySize   = 32
)

var ErrSecretUndecryptable = errors.New("secret cannot be decrypted with this key")

// SecretKey seals the API keys stored in the config file (AES-256-GCM).
type SecretKey struct {
	aead cipher.AEAD
}

// LoadSecretKey derives the key from $AUTOPRESS_SECRET_KEY, or reads
// <dataDir>/secret.key, generating it when absent. A key file of the wrong
// size is an error; regenerating it would orphan every sealed secret.
func LoadSecretKey(dataDir string) (*SecretKey, error) {
	if pass := os.Getenv(EnvSecretKey); pass != "" {
		sum := sha256.Sum256([]byte(pass))
		return newSecretKey(sum[:])
	}

	path := filepath.Join(dataDir, SecretKeyFile)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != keySize {
			return nil, fmt.Errorf("key file %s holds %d bytes, want %d", path, len(raw), keySize)
		}
		return newSecretKey(raw)
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	if err := atomicwriter.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return newSecretKey(key)
}

func newSecretKey(key []byte) (*SecretKey, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &SecretKey{aead: aead}, nil
}

// Encrypt seals plaintext as "enc:" + base64(nonce|ciphertext). Empty
// values and values that are already sealed are returned unchanged.
func (s *SecretKey) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an "enc:" value. Anything else is plain text and passes
// through.
func (s *SecretKey) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSecretUndecryptable, err)
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("%w: value too short", ErrSecretUndecryptable)
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSecretUndecryptable, err)
	}
	return string(plain), nil
}

func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, encPrefix)
}

// MaskSecret keeps the last four characters of a secret for log lines.
func MaskSecret(secret string) string {
	switch {
	case secret == "":
		return ""
	case IsEncrypted(secret):
		return encPrefix + "****"
	case len(secret) <= 4:
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}
