package crypto

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidKeySize       = errors.New("crypto: invalid key size for ChaCha20-Poly1305")
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
)

// cipherState is one direction of an established session. The nonce is the
// frame counter, carried explicitly on the wire: 4 zero bytes followed by
// the 64-bit big-endian counter. The sender guarantees a counter is never
// reused under a given key, so nonces never repeat.
type cipherState struct {
	aead cipher.AEAD
}

func newCipherState(key []byte) (cipherState, error) {
	if len(key) != chacha20poly1305.KeySize {
		return cipherState{}, ErrInvalidKeySize
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return cipherState{}, err
	}
	return cipherState{aead: aead}, nil
}

func counterNonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// seal encrypts and authenticates plaintext under the given counter.
func (c cipherState) seal(counter uint64, plaintext, additionalData []byte) []byte {
	nonce := counterNonce(counter)
	return c.aead.Seal(nil, nonce[:], plaintext, additionalData)
}

// open decrypts and verifies ciphertext under the given counter.
func (c cipherState) open(counter uint64, ciphertext, additionalData []byte) ([]byte, error) {
	nonce := counterNonce(counter)
	plaintext, err := c.aead.Open(nil, nonce[:], ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// Overhead is the authentication tag size added to every sealed payload.
const Overhead = chacha20poly1305.Overhead
