// Package crypto implements the stateless primitives the core builds on:
// authenticated encryption, key derivation, checksums and threshold-gated
// compression. Encryption without an integrity tag is not a supported mode.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// TagSize is the authentication tag length for both supported ciphers.
const TagSize = 16

// NonceSize is the IV length for both supported ciphers.
const NonceSize = 12

var ErrAuthFailed = errors.New("authentication failed")

// newAEAD returns the cipher for the given algorithm name. Key length is
// validated by the underlying constructors.
func newAEAD(algorithm string, key []byte) (cipher.AEAD, error) {
	switch algorithm {
	case "AES-256-GCM", "AES-192-GCM", "AES-128-GCM":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case "ChaCha20-Poly1305":
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", algorithm)
	}
}

// Seal encrypts plaintext with a fresh random nonce and returns the nonce,
// the ciphertext and the detached authentication tag.
func Seal(algorithm string, key, plaintext []byte) (iv, ciphertext, tag []byte, err error) {
	aead, err := newAEAD(algorithm, key)
	if err != nil {
		return nil, nil, nil, err
	}

	iv = make([]byte, aead.NonceSize())
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)

	// Detach the tag so the envelope carries it as a separate field
	split := len(sealed) - aead.Overhead()
	return iv, sealed[:split], sealed[split:], nil
}

// Open authenticates and decrypts a detached-tag payload produced by Seal.
// Any mismatch in ciphertext, nonce or tag fails without returning partial
// plaintext.
func Open(algorithm string, key, iv, ciphertext, tag []byte) ([]byte, error) {
	aead, err := newAEAD(algorithm, key)
	if err != nil {
		return nil, err
	}

	if len(iv) != aead.NonceSize() {
		return nil, errors.New("invalid nonce length")
	}
	if len(tag) != aead.Overhead() {
		return nil, errors.New("invalid tag length")
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return plaintext, nil
}

// EncryptValue encrypts a value with ChaCha20-Poly1305 and returns
// nonce||ciphertext||tag as a single blob. Used for at-rest protection of
// persisted collections under the derivation key.
func EncryptValue(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, value, nil)

	encrypted := make([]byte, len(nonce)+len(ciphertext))
	copy(encrypted[:len(nonce)], nonce)
	copy(encrypted[len(nonce):], ciphertext)

	return encrypted, nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encryptedData, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	nonceSize := aead.NonceSize()
	nonce := encryptedData[:nonceSize]
	ciphertext := encryptedData[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}

	return plaintext, nil
}
