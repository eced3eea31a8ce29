package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}

	if !strings.HasPrefix(hash, "argon2id$") {
		t.Fatalf("unexpected secret encoding: %s", hash)
	}

	if !VerifyPassword(hash, "secret") {
		t.Fatal("expected password verification to succeed")
	}

	if VerifyPassword(hash, "incorrect") {
		t.Fatal("expected password verification to fail")
	}
}

func TestPasswordHashingSaltUniqueness(t *testing.T) {
	first, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}

	second, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}

	if first == second {
		t.Fatal("expected distinct stored secrets for repeated hashing of the same password")
	}

	if !VerifyPassword(first, "hunter2") || !VerifyPassword(second, "hunter2") {
		t.Fatal("expected both secrets to verify")
	}
}

func TestVerifyPasswordMalformedSecret(t *testing.T) {
	cases := []string{
		"",
		"not-a-secret",
		"argon2id$only-two-parts",
		"bcrypt$abc$def",
		"argon2id$!!notbase64!!$AAAA",
		"argon2id$AAAAAAAAAAAAAAAAAAAAAA$!!notbase64!!",
	}

	for _, stored := range cases {
		if VerifyPassword(stored, "anything") {
			t.Fatalf("malformed secret %q must never verify", stored)
		}
	}
}

func TestOneTimeCodeHashing(t *testing.T) {
	hash, err := HashOneTimeCode("AB12-CD34-EF56")
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}

	if !VerifyOneTimeCode(hash, "AB12-CD34-EF56") {
		t.Fatal("expected code verification to succeed")
	}

	if VerifyOneTimeCode(hash, "AB12-CD34-EF57") {
		t.Fatal("expected code verification to fail")
	}
}

func TestEncryptDecrypt(t *testing.T) {
	key := bytes.Repeat([]byte{0x1}, 32)
	plaintext := []byte("sensitive data")

	encoded, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("encrypt error: %v", err)
	}

	decrypted, err := Decrypt(encoded, key)
	if err != nil {
		t.Fatalf("decrypt error: %v", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("expected decrypted plaintext to match original, got %s", decrypted)
	}
}

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("token error: %v", err)
	}

	if len(token) == 0 {
		t.Fatal("expected token to be non-empty")
	}

	other, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("token error: %v", err)
	}

	if token == other {
		t.Fatal("expected tokens to be unique")
	}
}
