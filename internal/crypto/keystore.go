package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/zalando/go-keyring"
)

const (
	keystoreService = "cycletime-ingest"
	keystoreKeyUser = "encryption-key"
)

// ErrNoKey means the keychain holds no encryption key yet
var ErrNoKey = errors.New("no encryption key in keychain")

// LoadKey returns the encryption key stored in the system keychain
func LoadKey() ([]byte, error) {
	keyString, err := keyring.Get(keystoreService, keystoreKeyUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, fmt.Errorf("keychain: %w", err)
	}
	return ParseKey(keyString), nil
}

// GenerateOrLoadKey generates a new encryption key or loads from system keychain
// Returns 32 bytes for AES-256
func GenerateOrLoadKey() ([]byte, error) {
	key, err := LoadKey()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrNoKey) {
		// Real error (not just "not found"), log it
		slog.Warn("keystore lookup failed", "error", err)
	}

	// Generate new 32-byte key for AES-256
	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	if err := keyring.Set(keystoreService, keystoreKeyUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		// Without a stored key the token can never be decrypted again
		if runtime.GOOS == "darwin" || runtime.GOOS == "windows" {
			return nil, fmt.Errorf("keychain storage required on %s: %w", runtime.GOOS, err)
		}
		return nil, fmt.Errorf("failed to store key in keychain (set %s instead): %w", EnvKey, err)
	}
	return key, nil
}

// DeleteKey removes the encryption key from the keychain
func DeleteKey() error {
	return keyring.Delete(keystoreService, keystoreKeyUser)
}

// GetSecret returns the API secret stored for user
func GetSecret(user string) (string, error) {
	secret, err := keyring.Get(keystoreService, secretUser(user))
	if err != nil {
		return "", err
	}
	return secret, nil
}

// SetSecret stores the API secret for user in the keychain
func SetSecret(user, secret string) error {
	if secret == "" {
		return errors.New("empty secret")
	}
	return keyring.Set(keystoreService, secretUser(user), secret)
}

// DeleteSecret removes the API secret for user
func DeleteSecret(user string) error {
	return keyring.Delete(keystoreService, secretUser(user))
}

func secretUser(user string) string {
	if user == "" {
		return "api"
	}
	return "api:" + user
}
