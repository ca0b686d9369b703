package registry

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MinSecretLength is the shortest client secret HashSecret accepts.
const MinSecretLength = 16

// HashSecret returns the bcrypt hash to store as client_secret_hash. A cost
// of 0 uses bcrypt.DefaultCost.
func HashSecret(secret string, cost int) (string, error) {
	if len(secret) < MinSecretLength {
		return "", fmt.Errorf("client secret must be at least %d characters", MinSecretLength)
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}
