package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	k1 := bytes.Repeat([]byte{0x11}, 32)
	k2 := bytes.Repeat([]byte{0x22}, 32)
	kr, err := NewKeyring(map[uint32][]byte{1: k1, 2: k2}, 2)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return kr
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kr := testKeyring(t)
	plaintext := []byte("cpf 123.456.789-00")

	env, err := kr.EncryptActive(plaintext)
	if err != nil {
		t.Fatalf("EncryptActive: %v", err)
	}
	if env.KeyVersion != 2 {
		t.Fatalf("unexpected key version: %d", env.KeyVersion)
	}
	got, err := kr.Decrypt(env)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestDecryptUnknownVersion(t *testing.T) {
	kr := testKeyring(t)
	env, err := kr.Encrypt([]byte("secret"), 1)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	env.KeyVersion = 99
	if _, err := kr.Decrypt(env); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable, got %v", err)
	}
	if _, err := kr.Encrypt([]byte("x"), 7); !errors.Is(err, ErrKeyUnavailable) {
		t.Fatalf("expected ErrKeyUnavailable on encrypt, got %v", err)
	}
}

func TestDecryptTamperFails(t *testing.T) {
	kr := testKeyring(t)
	env, err := kr.EncryptActive([]byte("medical record"))
	if err != nil {
		t.Fatalf("EncryptActive: %v", err)
	}
	env.Ciphertext[0] ^= 0x01
	if _, err := kr.Decrypt(env); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}

	// Wrong key for the claimed version must fail the same way.
	env2, err := kr.Encrypt([]byte("medical record"), 1)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	env2.KeyVersion = 2
	if _, err := kr.Decrypt(env2); !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestEnvelopeCodec(t *testing.T) {
	kr := testKeyring(t)
	env, err := kr.EncryptActive([]byte("payload"))
	if err != nil {
		t.Fatalf("EncryptActive: %v", err)
	}
	encoded := env.Encode()
	if !strings.HasPrefix(encoded, "v2:") {
		t.Fatalf("unexpected encoding: %s", encoded)
	}
	decoded, err := DecodeEnvelope(encoded)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	got, err := kr.Decrypt(decoded)
	if err != nil {
		t.Fatalf("Decrypt decoded: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("unexpected plaintext: %q", got)
	}

	for _, malformed := range []string{"", "v2", "x2:abc", "v2:!!!", "v2:aaaa"} {
		if _, err := DecodeEnvelope(malformed); err == nil {
			t.Fatalf("expected error for %q", malformed)
		}
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Fatalf("unexpected hash format: %s", hash)
	}
	ok, err := VerifyPassword("correct horse battery staple", hash)
	if err != nil || !ok {
		t.Fatalf("expected match, ok=%v err=%v", ok, err)
	}
	// Single character mutation must not verify.
	ok, err = VerifyPassword("correct horse battery stapl3", hash)
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if ok {
		t.Fatal("mutated password verified")
	}
	if _, err := VerifyPassword("x", "$bcrypt$whatever"); err == nil {
		t.Fatal("expected error for foreign hash format")
	}
}

func TestGenerateBackupCodes(t *testing.T) {
	codes, err := GenerateBackupCodes(10, 8)
	if err != nil {
		t.Fatalf("GenerateBackupCodes: %v", err)
	}
	if len(codes) != 10 {
		t.Fatalf("expected 10 codes, got %d", len(codes))
	}
	seen := make(map[string]struct{})
	for _, c := range codes {
		if len(c) != 8 {
			t.Fatalf("unexpected code length: %s", c)
		}
		if c != strings.ToUpper(c) {
			t.Fatalf("code not uppercased: %s", c)
		}
		if _, dup := seen[c]; dup {
			t.Fatalf("duplicate code: %s", c)
		}
		seen[c] = struct{}{}
	}
	if _, err := GenerateBackupCodes(0, 8); err == nil {
		t.Fatal("expected error for zero count")
	}
}
