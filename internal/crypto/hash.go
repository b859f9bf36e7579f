// Package crypto derives the key material used to sign performance tokens.
package crypto

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Scrypt parameters for deriving the token signing key.
// N=16384 (2^14), r=8, p=1 are the interactive-login recommendations;
// the derivation runs once at startup.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// ErrEmptySecret is returned when no signing secret is configured.
var ErrEmptySecret = errors.New("signing secret must not be empty")

// DeriveSigningKey stretches the configured secret into a 32-byte HMAC key.
// The salt is lowercased before use so deployments can configure it loosely.
func DeriveSigningKey(secret, salt string) ([]byte, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	saltBytes := []byte(strings.ToLower(strings.TrimSpace(salt)))
	key, err := scrypt.Key([]byte(secret), saltBytes, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("scrypt key derivation failed: %w", err)
	}
	return key, nil
}
