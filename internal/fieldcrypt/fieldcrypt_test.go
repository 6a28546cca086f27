package fieldcrypt

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"clinicore.org/internal/crypto"
)

func testService(t *testing.T) *Service {
	t.Helper()
	kr, err := crypto.NewKeyring(map[uint32][]byte{1: bytes.Repeat([]byte{0x41}, 32)}, 1)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return New(kr, []string{"cpf", "phone", "medical_records"})
}

func TestEncryptDecryptFields(t *testing.T) {
	svc := testService(t)
	record := map[string]string{
		"name":  "Ana Souza",
		"cpf":   "123.456.789-00",
		"phone": "+55 11 98765-4321",
	}

	encrypted, err := svc.EncryptFields(record, []string{"cpf", "phone", "not_a_field"})
	if err != nil {
		t.Fatalf("EncryptFields: %v", err)
	}
	if encrypted["name"] != "Ana Souza" {
		t.Fatalf("untouched field changed: %q", encrypted["name"])
	}
	if encrypted["cpf"] == record["cpf"] || !strings.HasPrefix(encrypted["cpf"], "v1:") {
		t.Fatalf("cpf not encrypted: %q", encrypted["cpf"])
	}
	// Input record must not be mutated.
	if record["cpf"] != "123.456.789-00" {
		t.Fatalf("input record mutated: %q", record["cpf"])
	}

	decrypted, err := svc.DecryptFields(encrypted, []string{"cpf", "phone"})
	if err != nil {
		t.Fatalf("DecryptFields: %v", err)
	}
	if decrypted["cpf"] != record["cpf"] || decrypted["phone"] != record["phone"] {
		t.Fatalf("round trip mismatch: %+v", decrypted)
	}
}

func TestDecryptTamperedField(t *testing.T) {
	svc := testService(t)
	encrypted, err := svc.EncryptConfigured(map[string]string{"cpf": "123.456.789-00"})
	if err != nil {
		t.Fatalf("EncryptConfigured: %v", err)
	}
	tampered := encrypted["cpf"]
	// Flip a character inside the base64 payload.
	broken := tampered[:len(tampered)-2] + "AA"
	if broken == tampered {
		broken = tampered[:len(tampered)-2] + "BB"
	}
	if _, err := svc.DecryptFields(map[string]string{"cpf": broken}, []string{"cpf"}); !errors.Is(err, crypto.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestMaskDeterministicAndIrreversible(t *testing.T) {
	inputs := map[string]MaskKind{
		"ana.souza@example.com": MaskEmail,
		"+5511987654321":        MaskPhone,
		"123.456.789-00":        MaskDocument,
		"super secret note":     MaskGeneric,
	}
	for value, kind := range inputs {
		first := Mask(value, kind)
		second := Mask(value, kind)
		if first != second {
			t.Fatalf("mask not deterministic for %q: %q vs %q", value, first, second)
		}
		if strings.Contains(first, value) {
			t.Fatalf("mask leaks full value %q: %q", value, first)
		}
	}
	if got := Mask("ana.souza@example.com", MaskEmail); got != "a@example.com" {
		t.Fatalf("unexpected email mask: %q", got)
	}
	if got := Mask("+5511987654321", MaskPhone); got != "••••4321" {
		t.Fatalf("unexpected phone mask: %q", got)
	}
	if got := Mask("", MaskGeneric); got != "" {
		t.Fatalf("empty input should stay empty, got %q", got)
	}
}

func TestMaskRecord(t *testing.T) {
	record := map[string]string{"cpf": "123.456.789-00", "name": "Ana"}
	masked := MaskRecord(record, []string{"cpf", "missing"})
	if masked["cpf"] == record["cpf"] {
		t.Fatalf("cpf not masked: %q", masked["cpf"])
	}
	if masked["name"] != "Ana" {
		t.Fatalf("unrelated field changed: %q", masked["name"])
	}
	if record["cpf"] != "123.456.789-00" {
		t.Fatal("input record mutated")
	}
}
