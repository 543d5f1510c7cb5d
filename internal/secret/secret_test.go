package secret

import (
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := NewVault("orange-teapot-7")

	tests := []string{
		"",
		"sk-abc123",
		"value with spaces and unicode éè☃",
	}
	for _, plain := range tests {
		token, err := v.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q) failed: %v", plain, err)
		}
		got, err := v.Decrypt(token)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if got != plain {
			t.Errorf("round trip changed value: %q != %q", got, plain)
		}
	}
}

func TestEqualPlaintextsYieldDistinctTokens(t *testing.T) {
	v := NewVault("orange-teapot-7")

	a, err := v.Encrypt("sk-abc123")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := v.Encrypt("sk-abc123")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same value produced the same token")
	}
}

func TestWrongPassphraseFails(t *testing.T) {
	token, err := NewVault("correct").Encrypt("sk-abc123")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := NewVault("incorrect").Decrypt(token); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestTamperedTokenFails(t *testing.T) {
	v := NewVault("orange-teapot-7")
	token, err := v.Encrypt("sk-abc123")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	tampered := strings.Replace(token, token[10:11], "A", 1)
	if tampered == token {
		tampered = strings.Replace(token, token[10:11], "B", 1)
	}
	if _, err := v.Decrypt(tampered); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for tampered token, got %v", err)
	}

	if _, err := v.Decrypt("not base64 at all!"); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for garbage input, got %v", err)
	}
}
