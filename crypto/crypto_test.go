package crypto

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestEncryptor(t *testing.T) *AESEncryptor {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	enc, err := NewAESEncryptor(key)
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	return enc
}

func TestNewAESEncryptorKeyValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr string
	}{
		{"empty", "", "empty"},
		{"not base64", "!!!not-base64!!!", "base64"},
		{"short key", base64.StdEncoding.EncodeToString(make([]byte, 16)), "32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("NewAESEncryptor(%q) err = %v, want containing %q", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)
	for _, in := range []string{"ya29.access-token", "한글 토큰", strings.Repeat("x", 4096)} {
		sealed, err := EncryptString(enc, in)
		if err != nil {
			t.Fatalf("EncryptString: %v", err)
		}
		if sealed == in {
			t.Fatal("sealed value equals plaintext")
		}
		out, err := DecryptString(enc, sealed)
		if err != nil {
			t.Fatalf("DecryptString: %v", err)
		}
		if out != in {
			t.Fatalf("round trip mismatch: got %q want %q", out, in)
		}
	}
}

func TestEmptyStringPassesThrough(t *testing.T) {
	enc := newTestEncryptor(t)
	sealed, err := EncryptString(enc, "")
	if err != nil || sealed != "" {
		t.Fatalf("EncryptString(\"\") = %q, %v", sealed, err)
	}
	plain, err := DecryptString(enc, "")
	if err != nil || plain != "" {
		t.Fatalf("DecryptString(\"\") = %q, %v", plain, err)
	}
}

func TestNoncesDiffer(t *testing.T) {
	enc := newTestEncryptor(t)
	a, _ := EncryptString(enc, "same")
	b, _ := EncryptString(enc, "same")
	if a == b {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestTamperAndWrongKey(t *testing.T) {
	enc := newTestEncryptor(t)
	ct, err := enc.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("tampered decrypt err = %v, want ErrAuthFailed", err)
	}

	other := newTestEncryptor(t)
	sealed, _ := EncryptString(enc, "secret")
	if _, err := DecryptString(other, sealed); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("wrong key decrypt err = %v, want ErrAuthFailed", err)
	}
	if enc.KeyID() == other.KeyID() {
		t.Fatal("distinct keys share a key id")
	}
}

func TestDecryptShortCiphertext(t *testing.T) {
	enc := newTestEncryptor(t)
	if _, err := enc.Decrypt([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short ciphertext")
	}
}
