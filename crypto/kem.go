package crypto

import (
	"crypto/mlkem"
	"errors"
	"fmt"
)

// KEMKeyPair is an ML-KEM-768 key pair. The decapsulation key is kept as its
// 64-byte seed so it can be wiped and sealed like any other secret.
type KEMKeyPair struct {
	Public []byte
	seed   []byte
}

// GenerateKEMKeyPair creates a fresh ML-KEM-768 key pair.
func GenerateKEMKeyPair() (*KEMKeyPair, error) {
	dk, err := mlkem.GenerateKey768()
	if err != nil {
		return nil, fmt.Errorf("generate ML-KEM key: %w", err)
	}
	return &KEMKeyPair{
		Public: dk.EncapsulationKey().Bytes(),
		seed:   dk.Bytes(),
	}, nil
}

// KEMKeyPairFromSeed rebuilds a key pair from its decapsulation seed.
func KEMKeyPairFromSeed(seed []byte) (*KEMKeyPair, error) {
	dk, err := mlkem.NewDecapsulationKey768(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid ML-KEM seed: %w", err)
	}
	s := make([]byte, len(seed))
	copy(s, seed)
	return &KEMKeyPair{Public: dk.EncapsulationKey().Bytes(), seed: s}, nil
}

// Seed returns a copy of the decapsulation seed.
func (k *KEMKeyPair) Seed() []byte {
	out := make([]byte, len(k.seed))
	copy(out, k.seed)
	return out
}

// Decapsulate recovers the shared key from a ciphertext produced by Encapsulate.
func (k *KEMKeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	if k == nil || len(k.seed) == 0 {
		return nil, errors.New("KEM key pair has been wiped")
	}
	dk, err := mlkem.NewDecapsulationKey768(k.seed)
	if err != nil {
		return nil, fmt.Errorf("load ML-KEM key: %w", err)
	}
	shared, err := dk.Decapsulate(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decapsulate: %w", err)
	}
	return shared, nil
}

// Wipe erases the decapsulation seed.
func (k *KEMKeyPair) Wipe() {
	if k == nil {
		return
	}
	ZeroBytes(k.seed)
	k.seed = nil
}

// Encapsulate derives a fresh shared key for the holder of publicKey and
// returns it together with the ciphertext to send.
func Encapsulate(publicKey []byte) (shared, ciphertext []byte, err error) {
	ek, err := mlkem.NewEncapsulationKey768(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ML-KEM encapsulation key: %w", err)
	}
	shared, ciphertext = ek.Encapsulate()
	return shared, ciphertext, nil
}
