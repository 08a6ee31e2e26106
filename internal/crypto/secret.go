package crypto

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// EnvToken names the environment variable holding the API secret
const EnvToken = "CYCLETIME_API_TOKEN"

// SecretSource tells where a secret was found
type SecretSource string

const (
	SourceEnv       SecretSource = "env"
	SourceConfig    SecretSource = "config"
	SourceEncrypted SecretSource = "config-encrypted"
	SourceKeychain  SecretSource = "keychain"
	SourceNone      SecretSource = "none"
)

// SecretRefs are the places a secret may be configured
type SecretRefs struct {
	Token    string // plaintext from the config file
	TokenEnc string // AES-GCM ciphertext from the config file
	User     string // keychain account
}

// ResolveSecret looks the API secret up in order: environment, plaintext config,
// encrypted config, keychain. A missing secret is SourceNone with no error.
func ResolveSecret(lookup func(string) (string, bool), refs SecretRefs) (string, SecretSource, error) {
	if v, ok := lookup(EnvToken); ok && v != "" {
		return v, SourceEnv, nil
	}
	if refs.Token != "" {
		return refs.Token, SourceConfig, nil
	}
	if refs.TokenEnc != "" {
		c, err := LoadCipher(lookup, false)
		if err != nil {
			return "", SourceEncrypted, err
		}
		secret, err := c.Decrypt(refs.TokenEnc)
		if err != nil {
			return "", SourceEncrypted, fmt.Errorf("api.token_enc: %w", err)
		}
		return secret, SourceEncrypted, nil
	}

	secret, err := GetSecret(refs.User)
	switch {
	case err == nil:
		return secret, SourceKeychain, nil
	case errors.Is(err, keyring.ErrNotFound):
		return "", SourceNone, nil
	default:
		return "", SourceKeychain, fmt.Errorf("keychain: %w", err)
	}
}
