package security

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestPasswordHashAndVerify(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)
	hash, err := h.Hash("Passw0rd!")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hash == "Passw0rd!" {
		t.Fatal("hash must not equal the plaintext")
	}
	if !h.Verify("Passw0rd!", hash) {
		t.Fatal("expected correct password to verify")
	}
	if h.Verify("wrong-password", hash) {
		t.Fatal("expected wrong password to fail")
	}
}

func TestPasswordVerifyMalformedInputs(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)
	if h.Verify("", "some-hash") {
		t.Fatal("empty password must not verify")
	}
	if h.Verify("secret", "") {
		t.Fatal("empty hash must not verify")
	}
	if h.Verify("secret", "not-a-bcrypt-hash") {
		t.Fatal("malformed hash must not verify")
	}
}

func TestPasswordHashRejectsEmpty(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)
	if _, err := h.Hash(""); err == nil {
		t.Fatal("expected error for empty password")
	}
}

func TestPasswordHasherClampsCost(t *testing.T) {
	h := NewPasswordHasher(1000)
	hash, err := h.Hash("Passw0rd!")
	if err != nil {
		t.Fatalf("hash with clamped cost: %v", err)
	}
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	if cost != bcrypt.DefaultCost {
		t.Fatalf("expected default cost %d, got %d", bcrypt.DefaultCost, cost)
	}
}

func TestHashRefreshTokenIsPeppered(t *testing.T) {
	a := HashRefreshToken("token", "pepper-a")
	b := HashRefreshToken("token", "pepper-b")
	if a == b {
		t.Fatal("different peppers must yield different fingerprints")
	}
	if a != HashRefreshToken("token", "pepper-a") {
		t.Fatal("fingerprint must be deterministic")
	}
}
