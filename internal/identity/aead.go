package identity

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypt AEAD-encrypts plaintext under a 32-byte session key with a
// fresh random 12-byte nonce, authenticating additionalData. It returns
// the nonce and the ciphertext (with its 16-byte tag appended)
// separately, as the wire schema carries them as distinct fields.
func Encrypt(key [32]byte, plaintext, additionalData []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, nil, fmt.Errorf("new aead: %w", err)
	}

	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, additionalData)
	return nonce, ciphertext, nil
}

// Decrypt AEAD-decrypts ciphertext (tag included) under a 32-byte
// session key and the nonce from Encrypt, authenticating
// additionalData. Returns an error on tag failure; callers must not
// abort the connection on this error, only mark the message untrusted.
func Decrypt(key [32]byte, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", chacha20poly1305.NonceSize, len(nonce))
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("open sealed frame: %w", err)
	}
	return plaintext, nil
}
