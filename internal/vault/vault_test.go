package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-0123456789abcdef0123456789"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New(testSecret)
	require.NoError(t, err)

	for _, plaintext := range []string{
		"tok_abc123",
		"",
		"a much longer token value with spaces and unicode: héälth",
	} {
		opaque, err := v.Encrypt(plaintext)
		require.NoError(t, err)

		assert.Len(t, strings.Split(opaque, "."), 3)
		assert.NotContains(t, opaque, plaintext)

		decrypted, ok := v.Decrypt(opaque)
		require.True(t, ok)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	v, err := New(testSecret)
	require.NoError(t, err)

	first, err := v.Encrypt("same-token")
	require.NoError(t, err)
	second, err := v.Encrypt("same-token")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestDecryptMalformedInputReturnsFalse(t *testing.T) {
	v, err := New(testSecret)
	require.NoError(t, err)

	valid, err := v.Encrypt("tok_abc123")
	require.NoError(t, err)
	parts := strings.Split(valid, ".")

	cases := map[string]string{
		"empty":              "",
		"no dots":            "deadbeef",
		"two segments":       parts[0] + "." + parts[1],
		"four segments":      valid + ".extra",
		"bad base64 nonce":   "!!!." + parts[1] + "." + parts[2],
		"bad base64 body":    parts[0] + ".!!!." + parts[2],
		"bad base64 tag":     parts[0] + "." + parts[1] + ".!!!",
		"truncated nonce":    parts[0][:4] + "." + parts[1] + "." + parts[2],
		"swapped segments":   parts[1] + "." + parts[0] + "." + parts[2],
		"tampered tag":       parts[0] + "." + parts[1] + "." + parts[2][:len(parts[2])-2] + "xx",
	}

	for name, input := range cases {
		decrypted, ok := v.Decrypt(input)
		assert.False(t, ok, "case %q should fail", name)
		assert.Empty(t, decrypted, "case %q should return no plaintext", name)
	}
}

func TestDecryptWithDifferentKeyFails(t *testing.T) {
	first, err := New(testSecret)
	require.NoError(t, err)
	second, err := New("another-secret-0123456789abcdef01234")
	require.NoError(t, err)

	opaque, err := first.Encrypt("tok_abc123")
	require.NoError(t, err)

	_, ok := second.Decrypt(opaque)
	assert.False(t, ok)
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
