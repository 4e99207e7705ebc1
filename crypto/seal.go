package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used for secretbox sealing.
type Nonce [24]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// GenerateSymmetricKey creates a random 32-byte key.
func GenerateSymmetricKey() ([32]byte, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generate symmetric key: %w", err)
	}
	return key, nil
}

// Seal encrypts message under key with a fresh random nonce.
// Output format: [nonce:24][secretbox ciphertext].
func Seal(message []byte, key [32]byte) ([]byte, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, len(nonce), len(nonce)+len(message)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, message, (*[24]byte)(&nonce), &key), nil
}

// Open reverses Seal.
func Open(sealed []byte, key [32]byte) ([]byte, error) {
	if len(sealed) < len(Nonce{})+secretbox.Overhead {
		return nil, errors.New("sealed data too short")
	}

	var nonce Nonce
	copy(nonce[:], sealed[:len(nonce)])

	out, ok := secretbox.Open(nil, sealed[len(nonce):], (*[24]byte)(&nonce), &key)
	if !ok {
		return nil, errors.New("decryption failed: message authentication failed")
	}
	return out, nil
}
