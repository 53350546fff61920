package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrNoKeyFile = errors.New("identity: key file does not exist")

// LoadKeyFile reads an Ed25519 private key stored as a single hex line.
func LoadKeyFile(path string) (KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return KeyPair{}, ErrNoKeyFile
		}
		return KeyPair{}, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return KeyPair{}, fmt.Errorf("identity: malformed key file %s: %w", path, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return KeyPair{}, fmt.Errorf("identity: key file %s has wrong key size %d", path, len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	return KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// SaveKeyFile writes the private key as hex, readable only by the owner.
func SaveKeyFile(path string, kp KeyPair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	line := hex.EncodeToString(kp.PrivateKey) + "\n"
	return os.WriteFile(path, []byte(line), 0600)
}

// LoadOrCreateKeyFile loads the key at path, generating and persisting a
// fresh one on first run.
func LoadOrCreateKeyFile(path string) (KeyPair, error) {
	kp, err := LoadKeyFile(path)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, ErrNoKeyFile) {
		return KeyPair{}, err
	}
	kp, err = GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := SaveKeyFile(path, kp); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}
