// Package crypto seals polling payloads with a project key. Each message
// derives a fresh ChaCha20-Poly1305 key from the project key and a random
// salt, so the same key can be shared by many agents without nonce
// coordination.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of ChaCha20-Poly1305 keys in bytes.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the size of ChaCha20-Poly1305 nonces in bytes.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the size of Poly1305 authentication tags in bytes.
	TagSize = 16

	// SaltSize is the per-message HKDF salt.
	SaltSize = 16

	// Overhead is added to every sealed message:
	// salt (16) + nonce (12) + tag (16) = 44 bytes.
	Overhead = SaltSize + NonceSize + TagSize

	hkdfInfo = "kestrel-poll-v1"
)

var (
	// ErrEmptyKey is returned when a box is built without a key.
	ErrEmptyKey = errors.New("empty project key")

	// ErrInvalidCiphertext is returned when the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrDecryptionFailed is returned when authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Box seals and opens messages under one project key. It is safe for
// concurrent use.
type Box struct {
	key []byte
}

// NewBox creates a box for key.
func NewBox(key string) (*Box, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	return &Box{key: []byte(key)}, nil
}

func (b *Box) derive(salt []byte) ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, b.key, salt, []byte(hkdfInfo)), k); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return k, nil
}

// Seal encrypts plaintext. The output format is:
//
//	salt (16 bytes) || nonce (12 bytes) || ciphertext || tag (16 bytes)
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, SaltSize+NonceSize, SaltSize+NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	k, err := b.derive(out[:SaltSize])
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(k)

	aead, err := chacha20poly1305.New(k)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := append([]byte(nil), out[SaltSize:]...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open decrypts a message produced by Seal with the same key.
func (b *Box) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrInvalidCiphertext
	}

	k, err := b.derive(ciphertext[:SaltSize])
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(k)

	aead, err := chacha20poly1305.New(k)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	nonce := ciphertext[SaltSize : SaltSize+NonceSize]
	plaintext, err := aead.Open(nil, nonce, ciphertext[SaltSize+NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ZeroBytes overwrites b with zeros.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomString returns n random alphanumeric characters.
func RandomString(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphanumeric[v.Int64()]
	}
	return string(out), nil
}
