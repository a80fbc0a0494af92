package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashAccessCode generates a bcrypt hash of a private room's access code.
func HashAccessCode(code string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash access code: %w", err)
	}
	return string(bytes), nil
}

// CheckAccessCode compares an access code with a bcrypt hash. An empty hash
// never matches.
func CheckAccessCode(code, hash string) bool {
	if hash == "" || code == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code))
	return err == nil
}
