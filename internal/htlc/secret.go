package htlc

import (
	"crypto/sha256"
	"fmt"

	"github.com/klingon-exchange/klingon-htlc/pkg/helpers"
)

// SecretSize is the size of a generated swap secret.
const SecretSize = 32

// GenerateSecret returns a random 32-byte secret and its SHA-256 hash.
func GenerateSecret() (secret []byte, hash [32]byte, err error) {
	secret, err = helpers.GenerateSecureRandom(SecretSize)
	if err != nil {
		return nil, hash, fmt.Errorf("failed to generate secret: %w", err)
	}
	return secret, sha256.Sum256(secret), nil
}

// HashSecret returns SHA256(secret).
func HashSecret(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}

// VerifySecret reports whether secret hashes to the given hash.
func VerifySecret(secret []byte, hash [32]byte) bool {
	got := sha256.Sum256(secret)
	return helpers.ConstantTimeCompare(got[:], hash[:])
}
