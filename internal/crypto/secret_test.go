package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestResolveSecret(t *testing.T) {
	t.Run("Should prefer the environment", func(t *testing.T) {
		keyring.MockInit()
		require.NoError(t, SetSecret("svc", "from-keychain"))

		secret, source, err := ResolveSecret(env(map[string]string{EnvToken: "from-env"}), SecretRefs{Token: "from-config", User: "svc"})
		require.NoError(t, err)
		assert.Equal(t, "from-env", secret)
		assert.Equal(t, SourceEnv, source)
	})

	t.Run("Should use the plaintext config token next", func(t *testing.T) {
		keyring.MockInit()
		secret, source, err := ResolveSecret(env(nil), SecretRefs{Token: "from-config"})
		require.NoError(t, err)
		assert.Equal(t, "from-config", secret)
		assert.Equal(t, SourceConfig, source)
	})

	t.Run("Should decrypt the encrypted config token", func(t *testing.T) {
		keyring.MockInit()
		lookup := env(map[string]string{EnvKey: "dev-key"})
		c, err := LoadCipher(lookup, false)
		require.NoError(t, err)
		enc, err := c.Encrypt("from-encrypted")
		require.NoError(t, err)

		secret, source, err := ResolveSecret(lookup, SecretRefs{TokenEnc: enc})
		require.NoError(t, err)
		assert.Equal(t, "from-encrypted", secret)
		assert.Equal(t, SourceEncrypted, source)
	})

	t.Run("Should fail on an undecryptable token", func(t *testing.T) {
		keyring.MockInit()
		_, _, err := ResolveSecret(env(map[string]string{EnvKey: "dev-key"}), SecretRefs{TokenEnc: "garbage"})
		assert.Error(t, err)
	})

	t.Run("Should fall back to the keychain", func(t *testing.T) {
		keyring.MockInit()
		require.NoError(t, SetSecret("svc", "from-keychain"))

		secret, source, err := ResolveSecret(env(nil), SecretRefs{User: "svc"})
		require.NoError(t, err)
		assert.Equal(t, "from-keychain", secret)
		assert.Equal(t, SourceKeychain, source)

		require.NoError(t, DeleteSecret("svc"))
		_, source, err = ResolveSecret(env(nil), SecretRefs{User: "svc"})
		require.NoError(t, err)
		assert.Equal(t, SourceNone, source)
	})

	t.Run("Should reject storing an empty secret", func(t *testing.T) {
		keyring.MockInit()
		assert.Error(t, SetSecret("svc", ""))
	})
}
