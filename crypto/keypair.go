package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents an X25519 key pair used for identity, one-time and
// ratchet keys.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey creates a key pair from an existing private key, deriving
// the public half with the X25519 base point.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	pub, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Clone returns an independent copy of the key pair.
func (kp *KeyPair) Clone() *KeyPair {
	if kp == nil {
		return nil
	}
	c := *kp
	return &c
}

// DH computes the X25519 shared secret between a private and a public key.
// Low-order public keys are rejected.
func DH(private, public [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	ZeroBytes(shared)
	return out, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
