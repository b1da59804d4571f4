// Package crypto implements per-object server-side encryption envelopes.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// nonceSize is the GCM standard nonce length (96 bits).
const nonceSize = 12

// keySize is the AES-256 key length in bytes.
const keySize = 32

// Envelope holds the per-object key material needed to decrypt an object,
// persisted base64-encoded in the object's sidecar. Losing the envelope
// means the ciphertext can never be recovered.
type Envelope struct {
	Key   string `json:"key"`   // base64-encoded 256-bit AES key
	Nonce string `json:"nonce"` // base64-encoded 96-bit GCM nonce
}

// Seal generates a fresh random key and nonce, encrypts plaintext with
// AES-256-GCM, and returns the ciphertext alongside the envelope required
// to decrypt it later.
func Seal(plaintext []byte) (ciphertext []byte, env Envelope, err error) {
	key := make([]byte, keySize)
	if _, err = rand.Read(key); err != nil {
		return nil, Envelope{}, fmt.Errorf("crypto: generate key: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return nil, Envelope{}, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, Envelope{}, err
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	env = Envelope{
		Key:   base64.StdEncoding.EncodeToString(key),
		Nonce: base64.StdEncoding.EncodeToString(nonce),
	}
	return ciphertext, env, nil
}

// Open decrypts ciphertext using the key material in env.
func Open(ciphertext []byte, env Envelope) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(env.Key)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode nonce: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
