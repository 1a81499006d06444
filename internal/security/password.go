package security

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is a bcrypt hash of an unguessable throwaway value, used to burn
// a comparison when the account does not exist so login timing does not
// reveal user existence.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// PasswordHasher wraps bcrypt with a configurable cost factor so tests can
// run at the minimum cost without weakening production settings.
type PasswordHasher struct {
	cost int
}

func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &PasswordHasher{cost: cost}
}

func (h *PasswordHasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Verify reports whether password matches the stored hash. Mismatches and
// malformed input both yield false; no error channel exists to leak the
// failure cause.
func (h *PasswordHasher) Verify(password, storedHash string) bool {
	if password == "" || storedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// DummyVerify performs a comparison against a fixed hash and discards the
// result. Called on the unknown-user login path to level response timing.
func (h *PasswordHasher) DummyVerify(password string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
}
