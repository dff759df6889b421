package secretvault

import (
	"crypto/rand"
	"errors"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, keySizeBytes)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	token, err := v.Encrypt("sk-abc-XYZ987")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plain, err := v.Decrypt(token)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "sk-abc-XYZ987" {
		t.Fatalf("expected round-tripped plaintext, got %q", plain)
	}
}

func TestDecryptUnderRotatedKeyFails(t *testing.T) {
	v1 := newTestVault(t)
	v2 := newTestVault(t)

	token, err := v1.Encrypt("sk-abc-XYZ987")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := v2.Decrypt(token); !errors.Is(err, ErrSecretKeyMismatch) {
		t.Fatalf("expected ErrSecretKeyMismatch, got %v", err)
	}
}

func TestEncryptRejectsEmptyPlaintext(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Encrypt(""); !errors.Is(err, ErrEmptyPlaintext) {
		t.Fatalf("expected ErrEmptyPlaintext, got %v", err)
	}
}

func TestMask(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "***"},
		{"abcdef", "******"},
		{"sk-abc-XYZ987", "sk-***987"},
	}
	for _, c := range cases {
		if got := Mask(c.in); got != c.want {
			t.Errorf("Mask(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
