package encryptor

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	enc := NewEncryptor()
	plaintext := []byte("chunk payload to protect")

	sealed, err := enc.Encrypt(plaintext, "correct horse")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("ciphertext leaks the plaintext")
	}

	opened, err := enc.Decrypt(sealed, "correct horse")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Error("roundtrip does not restore the plaintext")
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	enc := NewEncryptor()
	sealed, err := enc.Encrypt([]byte("secret"), "right")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := enc.Decrypt(sealed, "wrong"); err == nil {
		t.Error("expected an error for the wrong password")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	enc := NewEncryptor()
	sealed, err := enc.Encrypt([]byte("secret"), "pw")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := enc.Decrypt(sealed, "pw"); err == nil {
		t.Error("expected an error for tampered ciphertext")
	}
}

func TestDecryptTruncatedInput(t *testing.T) {
	enc := NewEncryptor()
	if _, err := enc.Decrypt([]byte("short"), "pw"); err == nil {
		t.Error("expected an error for truncated input")
	}
}

func TestUniqueCiphertextPerCall(t *testing.T) {
	enc := NewEncryptor()
	a, err := enc.Encrypt([]byte("same input"), "pw")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	b, err := enc.Encrypt([]byte("same input"), "pw")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("expected fresh salt and nonce per call")
	}
}
