package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const labelSessionKeys = "ethermesh-session-keys-v1"

// DeriveKey derives a key of the given length using HKDF-SHA256.
// salt may be nil (zero salt); info provides domain separation.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveSessionKeys derives the per-direction session keys from the ECDH
// shared secret. Binding both ephemeral public keys into the info makes the
// derivation deterministic for a given exchange: replaying the same
// handshake always yields the same keys.
// Returns (initiatorKey, responderKey), 32 bytes each. The initiator sends
// under initiatorKey and receives under responderKey; the responder does
// the reverse.
func DeriveSessionKeys(sharedSecret []byte, initiatorEph, responderEph [32]byte) ([]byte, []byte, error) {
	info := make([]byte, 0, len(labelSessionKeys)+64)
	info = append(info, labelSessionKeys...)
	info = append(info, initiatorEph[:]...)
	info = append(info, responderEph[:]...)

	keyMaterial, err := DeriveKey(sharedSecret, nil, info, 64)
	if err != nil {
		return nil, nil, err
	}
	return keyMaterial[:32], keyMaterial[32:64], nil
}
