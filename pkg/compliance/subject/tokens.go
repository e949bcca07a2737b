package subject

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// errTokenMismatch is the internal cause behind a failed confirmation.
var errTokenMismatch = errors.New("deletion token does not match")

// GenerateToken returns 32 random bytes as unpadded base64url (43 chars).
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("could not generate deletion token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the bcrypt hash of token. cost <= 0 uses bcrypt.DefaultCost.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", errors.New("deletion token cannot be empty")
	}
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("could not hash deletion token: %w", err)
	}
	return string(hashed), nil
}

// VerifyToken compares token to hash in constant time.
func VerifyToken(token, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return errTokenMismatch
		}
		return fmt.Errorf("could not verify deletion token: %w", err)
	}
	return nil
}
