package encryption

import (
	"errors"
	"fmt"
)

var ErrInvalidKey = errors.New("invalid key size")

// Cipher seals cache snapshots so they can be kept on shared storage
type Cipher interface {
	Name() string
	// ValidateKey reports whether key has a size the cipher accepts
	ValidateKey(key []byte) error
	Encrypt(key, data []byte) ([]byte, error)
	Decrypt(key, encryptedData []byte) ([]byte, error)
}

// ByName returns the cipher for a configuration string
func ByName(name string) (Cipher, error) {
	switch name {
	case "", "none":
		return nil, nil
	case aesName:
		return NewAESEncryptor(), nil
	case chachaName:
		return NewChaCha20Encryptor(), nil
	}
	return nil, fmt.Errorf("encryption: unknown cipher %q", name)
}

// seal prepends the nonce to the ciphertext
func seal(nonce, ciphertext []byte) []byte {
	result := make([]byte, len(nonce)+len(ciphertext))
	copy(result, nonce)
	copy(result[len(nonce):], ciphertext)
	return result
}
