package store

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestEncryption_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	enc, err := NewEncryption(key)
	if err != nil {
		t.Fatalf("NewEncryption: %v", err)
	}

	plaintext := []byte("sk-live-abcdef0123456789")
	sealed, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if sealed == string(plaintext) {
		t.Fatal("ciphertext should differ from plaintext")
	}

	opened, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: got %q", opened)
	}
}

func TestEncryption_InvalidKeySize(t *testing.T) {
	if _, err := NewEncryption([]byte("short")); err == nil {
		t.Error("expected error for 5-byte key")
	}
}

func TestEncryption_FromBase64(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 16))
	enc, err := NewEncryptionFromBase64(encoded)
	if err != nil {
		t.Fatalf("NewEncryptionFromBase64: %v", err)
	}

	sealed, err := enc.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	got, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != "secret" {
		t.Errorf("got %q, want %q", got, "secret")
	}
}

func TestEncryption_TamperedCiphertext(t *testing.T) {
	enc, _ := NewEncryption(bytes.Repeat([]byte{1}, 32))
	sealed, _ := enc.Encrypt([]byte("payload"))

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := enc.Decrypt(tampered); err == nil {
		t.Error("expected authentication failure for tampered ciphertext")
	}
}

func TestEncryption_DecryptGarbage(t *testing.T) {
	enc, _ := NewEncryption(bytes.Repeat([]byte{1}, 16))
	if _, err := enc.Decrypt("not-base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := enc.Decrypt(base64.StdEncoding.EncodeToString([]byte("xy"))); err == nil {
		t.Error("expected error for ciphertext shorter than nonce")
	}
}
