package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// BcryptVerifier implements domain.CredentialVerifier with bcrypt.
type BcryptVerifier struct {
	cost int
}

// NewBcryptVerifier returns a verifier hashing with the given cost. A cost
// outside bcrypt's accepted range falls back to bcrypt.DefaultCost.
func NewBcryptVerifier(cost int) *BcryptVerifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptVerifier{cost: cost}
}

func (v *BcryptVerifier) Hash(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), v.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// Verify compares in constant time; a malformed hash never matches.
func (v *BcryptVerifier) Verify(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
