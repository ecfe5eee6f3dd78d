package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const aesName = "aes-gcm"

// AESEncryptor implements AES-GCM, the key size selects AES-128, AES-192 or AES-256
type AESEncryptor struct{}

func NewAESEncryptor() *AESEncryptor {
	return &AESEncryptor{}
}

func (e *AESEncryptor) Name() string {
	return aesName
}

func (e *AESEncryptor) ValidateKey(key []byte) error {
	switch len(key) {
	case 16, 24, 32:
		return nil
	}
	return fmt.Errorf("%w: aes-gcm key must be 16, 24 or 32 bytes, got %d", ErrInvalidKey, len(key))
}

func (e *AESEncryptor) aead(key []byte) (cipher.AEAD, error) {
	if err := e.ValidateKey(key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts data using AES-GCM with a random nonce
func (e *AESEncryptor) Encrypt(key []byte, data []byte) ([]byte, error) {
	gcm, err := e.aead(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return seal(nonce, gcm.Seal(nil, nonce, data, nil)), nil
}

// Decrypt decrypts data using AES-GCM
func (e *AESEncryptor) Decrypt(key []byte, data []byte) ([]byte, error) {
	gcm, err := e.aead(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize+gcm.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

var _ Cipher = (*AESEncryptor)(nil)
