package visitor

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestCrypto_RoundTrip(t *testing.T) {
	c, err := NewCrypto(testKey())
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}

	plaintext := []byte(`{"visitor_id":"abc123"}`)
	encrypted, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	decrypted, err := c.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestCrypto_RejectsWrongKey(t *testing.T) {
	c1, _ := NewCrypto(testKey())
	wrongKey := testKey()
	wrongKey[0] ^= 0xFF
	c2, _ := NewCrypto(wrongKey)

	encrypted, err := c1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := c2.Decrypt(encrypted); err == nil {
		t.Error("expected decryption under the wrong key to fail")
	}
}

func TestCrypto_RejectsCorruptedCiphertext(t *testing.T) {
	c, _ := NewCrypto(testKey())
	encrypted, _ := c.Encrypt([]byte("secret"))

	corrupted := []byte(encrypted)
	corrupted[len(corrupted)-1] ^= 1
	if _, err := c.Decrypt(string(corrupted)); err == nil {
		t.Error("expected decryption of tampered ciphertext to fail")
	}
}

func TestNewCrypto_RejectsWrongKeyLength(t *testing.T) {
	if _, err := NewCrypto([]byte("too-short")); err == nil {
		t.Error("expected an error for a key that isn't 32 bytes")
	}
}
