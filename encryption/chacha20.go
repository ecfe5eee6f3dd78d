package encryption

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

const chachaName = "xchacha20-poly1305"

// ChaCha20Encryptor implements XChaCha20-Poly1305 encryption/decryption
type ChaCha20Encryptor struct{}

// NewChaCha20Encryptor creates a new ChaCha20Encryptor
func NewChaCha20Encryptor() *ChaCha20Encryptor {
	return &ChaCha20Encryptor{}
}

func (c *ChaCha20Encryptor) Name() string {
	return chachaName
}

func (c *ChaCha20Encryptor) ValidateKey(key []byte) error {
	if len(key) != chacha20poly1305.KeySize {
		return fmt.Errorf("%w: xchacha20-poly1305 key must be %d bytes, got %d", ErrInvalidKey, chacha20poly1305.KeySize, len(key))
	}
	return nil
}

// Encrypt encrypts data using XChaCha20-Poly1305 with a random 24 byte nonce
func (c *ChaCha20Encryptor) Encrypt(key []byte, data []byte) ([]byte, error) {
	if err := c.ValidateKey(key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return seal(nonce, aead.Seal(nil, nonce, data, nil)), nil
}

// Decrypt decrypts data using XChaCha20-Poly1305
func (c *ChaCha20Encryptor) Decrypt(key []byte, data []byte) ([]byte, error) {
	if err := c.ValidateKey(key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonceSize := aead.NonceSize()
	if len(data) < nonceSize+aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return aead.Open(nil, nonce, ciphertext, nil)
}

var _ Cipher = (*ChaCha20Encryptor)(nil)
