package certstore

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// KeyCrypto encrypts private keys at rest using the same authenticated
// cipher family as the visitor package's cookie encryption, keyed by a
// distinct process secret (CERT_KEY_SECRET vs COOKIE_SECRET) so rotating
// one never invalidates the other.
type KeyCrypto struct {
	key [32]byte
}

func NewKeyCrypto(secret []byte) (*KeyCrypto, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("cert key secret must be 32 bytes, got %d", len(secret))
	}
	var c KeyCrypto
	copy(c.key[:], secret)
	return &c, nil
}

func (c *KeyCrypto) Encrypt(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *KeyCrypto) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode encrypted key: %w", err)
	}
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("encrypted key too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("private key decryption failed")
	}
	return plaintext, nil
}
