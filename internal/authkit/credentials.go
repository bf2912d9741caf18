package authkit

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// maxPasswordBytes is bcrypt's input limit.
const maxPasswordBytes = 72

var (
	errEmptyPlaintext  = errors.New("credentials.empty_password")
	errPasswordTooLong = errors.New("credentials.password_too_long")
)

// PasswordHasher hashes and verifies passwords with bcrypt.
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher constructs a hasher; costs outside bcrypt's range fall back to the default.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash derives a salted hash from the plaintext password.
func (hasher *PasswordHasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("credentials.hash: %w", errEmptyPlaintext)
	}
	if len(plaintext) > maxPasswordBytes {
		return "", fmt.Errorf("credentials.hash: %w", errPasswordTooLong)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), hasher.cost)
	if err != nil {
		return "", fmt.Errorf("credentials.hash: %w", err)
	}
	return string(hashed), nil
}

// Verify compares the plaintext against the stored hash.
// A mismatch yields false with a nil error; only a malformed hash is an error.
func (hasher *PasswordHasher) Verify(plaintext string, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("credentials.verify: %w", err)
	}
}
