package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// EnvKey names the environment variable that overrides the keychain key
const EnvKey = "ENCRYPTION_KEY"

// Cipher seals configuration secrets with AES-256-GCM
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a cipher. Keys that are not 32 bytes are hashed to 32 bytes.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) == 0 {
		return nil, errors.New("empty encryption key")
	}
	if len(key) != 32 {
		hash := sha256.Sum256(key)
		key = hash[:]
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// ParseKey decodes a base64 key, or uses the raw string when it is not base64
func ParseKey(s string) []byte {
	if keyBytes, err := base64.StdEncoding.DecodeString(s); err == nil && len(keyBytes) > 0 {
		return keyBytes
	}
	return []byte(s)
}

// LoadCipher builds the cipher from ENCRYPTION_KEY (for development/testing) or the
// system keychain. generate creates and stores a keychain key when none exists.
func LoadCipher(lookup func(string) (string, bool), generate bool) (*Cipher, error) {
	if v, ok := lookup(EnvKey); ok && v != "" {
		return NewCipher(ParseKey(v))
	}

	var (
		key []byte
		err error
	)
	if generate {
		key, err = GenerateOrLoadKey()
	} else {
		key, err = LoadKey()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryption from keystore: %w", err)
	}
	return NewCipher(key)
}

// Encrypt encrypts plaintext and returns base64(nonce || ciphertext)
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt and prepend nonce
	ciphertext := c.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt
func (c *Cipher) Decrypt(ciphertextB64 string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	// Extract nonce and ciphertext
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}
