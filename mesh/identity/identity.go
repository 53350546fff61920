// Package identity provides long-term peer identity for the overlay.
//
// Every node holds an Ed25519 keypair; its PeerID is SHA-256 of the public
// key and never changes for the lifetime of the key, regardless of where the
// node is currently reachable.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// PeerID is the stable identifier for a peer: SHA-256(PublicKey).
type PeerID [32]byte

func PeerIDFromPublicKey(publicKey []byte) PeerID {
	sum := sha256.Sum256(publicKey)
	return PeerID(sum)
}

func ParsePeerIDHex(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, err
	}
	if len(b) != 32 {
		return PeerID{}, errors.New("identity: invalid PeerID length")
	}
	var id PeerID
	copy(id[:], b)
	return id, nil
}

func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form suitable for log lines.
func (id PeerID) Short() string {
	return hex.EncodeToString(id[:4])
}

func (id PeerID) IsZero() bool {
	return id == PeerID{}
}

// KeyPair holds the Ed25519 keypair backing a node's identity.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

func NewKeyPair(publicKey, privateKey []byte) (KeyPair, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return KeyPair{}, errors.New("identity: invalid Ed25519 public key size")
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return KeyPair{}, errors.New("identity: invalid Ed25519 private key size")
	}
	return KeyPair{PublicKey: ed25519.PublicKey(publicKey), PrivateKey: ed25519.PrivateKey(privateKey)}, nil
}

func (kp KeyPair) PeerID() PeerID {
	return PeerIDFromPublicKey(kp.PublicKey)
}

func (kp KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.PrivateKey, message)
}

func Verify(publicKey ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(publicKey, message, signature)
}
