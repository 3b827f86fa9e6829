package storage

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// cipherBox seals/opens values with XChaCha20-Poly1305. A fresh random nonce
// is prepended to every sealed value.
type cipherBox struct {
	key []byte
}

// newCipherBox accepts a base64-encoded 32-byte key. An empty key generates a
// random process-lifetime key, which makes persisted values unreadable after
// restart; callers that need durable storage must configure STORAGE_KEY.
func newCipherBox(encodedKey string) (*cipherBox, error) {
	if encodedKey == "" {
		k := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(k); err != nil {
			return nil, fmt.Errorf("storage: generate key: %w", err)
		}
		return &cipherBox{key: k}, nil
	}
	k, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("storage: decode key: %w", err)
	}
	if len(k) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("storage: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(k))
	}
	return &cipherBox{key: k}, nil
}

func (b *cipherBox) seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (b *cipherBox) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("storage: sealed value too short")
	}
	nonce, box := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open value: %w", err)
	}
	return plain, nil
}
