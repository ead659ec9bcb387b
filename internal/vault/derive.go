package vault

import (
	"sync"

	"golang.org/x/crypto/scrypt"
)

var (
	deriveMu    sync.Mutex
	derivedKeys = map[string][]byte{}
)

// deriveKey runs scrypt over the secret with the fixed application salt,
// caching the result so repeated Vault construction with the same secret does
// not pay the derivation cost twice.
func deriveKey(secret string) ([]byte, error) {
	deriveMu.Lock()
	defer deriveMu.Unlock()

	if key, ok := derivedKeys[secret]; ok {
		return key, nil
	}

	key, err := scrypt.Key([]byte(secret), []byte(keyDerivationSalt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, err
	}

	derivedKeys[secret] = key
	return key, nil
}
