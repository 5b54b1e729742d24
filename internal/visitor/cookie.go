// Package visitor tracks anonymous visitors and sessions across proxied
// requests using two encrypted cookies: it is the only place in the system
// that reads or writes those cookies.
package visitor

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Crypto encrypts and decrypts cookie payloads with an authenticated cipher
// keyed by a single process secret. Certificate private keys at rest use a
// separate cipher of the same construction (certstore.KeyCrypto, keyed by
// CERT_KEY_SECRET instead of COOKIE_SECRET), so rotating one secret never
// invalidates the other.
type Crypto struct {
	key [32]byte
}

// NewCrypto derives a fixed-size key from an operator-supplied secret. The
// secret must already be 32 bytes (base64-decoded); shorter or longer
// secrets are rejected rather than silently truncated or padded.
func NewCrypto(secret []byte) (*Crypto, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("cookie secret must be 32 bytes, got %d", len(secret))
	}
	var c Crypto
	copy(c.key[:], secret)
	return &c, nil
}

// Encrypt authenticates and encrypts plaintext, returning a base64url string
// safe for use as a cookie value.
func (c *Crypto) Encrypt(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &c.key)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A forged or corrupted cookie value, or one
// encrypted under a different key, returns an error rather than partial
// plaintext.
func (c *Crypto) Decrypt(encoded string) ([]byte, error) {
	sealed, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode cookie value: %w", err)
	}
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("cookie value too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, fmt.Errorf("cookie authentication failed")
	}
	return plaintext, nil
}
