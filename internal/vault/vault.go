// Package vault encrypts opaque token strings for at-rest storage using
// AES-256-GCM. The encryption key is derived once from the configured secret
// with scrypt and cached; key rotation is handled by the key-version column
// on the integration record, not by re-derivation.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// Fixed application salt for key derivation. Changing it invalidates every
// stored ciphertext.
const keyDerivationSalt = "pulsetrack-whoop-token-vault"

// scrypt work parameters
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

const gcmTagSize = 16

var encoding = base64.RawURLEncoding

// Vault performs authenticated encryption of token strings
type Vault struct {
	aead cipher.AEAD
}

// New derives the encryption key from the secret and returns a ready vault.
// Derivation is deliberately slow and must happen once per process, not per
// call; callers hold on to the returned Vault.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault: encryption secret is empty")
	}

	key, err := deriveKey(secret)
	if err != nil {
		return nil, fmt.Errorf("vault: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher init failed: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: GCM init failed: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Encrypt seals the plaintext and returns a self-describing opaque string:
// three dot-delimited base64url segments (nonce, ciphertext, auth tag).
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)

	// Seal appends the tag to the ciphertext; split so each segment decodes
	// independently.
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return strings.Join([]string{
		encoding.EncodeToString(nonce),
		encoding.EncodeToString(ciphertext),
		encoding.EncodeToString(tag),
	}, "."), nil
}

// Decrypt opens an opaque string produced by Encrypt. Malformed input of any
// kind (wrong segment count, bad encoding, failed tag verification) returns
// ok=false; callers treat that as "no usable token", never as a fault.
func (v *Vault) Decrypt(opaque string) (string, bool) {
	parts := strings.Split(opaque, ".")
	if len(parts) != 3 {
		return "", false
	}

	nonce, err := encoding.DecodeString(parts[0])
	if err != nil || len(nonce) != v.aead.NonceSize() {
		return "", false
	}
	ciphertext, err := encoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}
	tag, err := encoding.DecodeString(parts[2])
	if err != nil || len(tag) != gcmTagSize {
		return "", false
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", false
	}

	return string(plaintext), true
}
