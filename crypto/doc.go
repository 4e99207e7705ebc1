// Package crypto implements the cryptographic primitives used by toxcall.
//
// It is deliberately small: higher-level protocols (the hybrid handshake and
// Double Ratchet in package ratchet, identity management in package keystore)
// are built on the types here.
//
// # Core Types
//
//   - [KeyPair]: X25519 key pair for identity, one-time and ratchet keys
//   - [KEMKeyPair]: ML-KEM-768 key pair for the post-quantum half of the handshake
//   - [Nonce]: 24-byte random nonce for secretbox sealing
//   - [TimeProvider]: injectable clock
//
// # Key Agreement
//
//	alice, _ := crypto.GenerateKeyPair()
//	bob, _ := crypto.GenerateKeyPair()
//	s1, _ := crypto.DH(alice.Private, bob.Public)
//	s2, _ := crypto.DH(bob.Private, alice.Public) // s1 == s2
//
//	kem, _ := crypto.GenerateKEMKeyPair()
//	shared, ct, _ := crypto.Encapsulate(kem.Public)
//	recovered, _ := kem.Decapsulate(ct) // recovered == shared
//
// # Sealing
//
// Seal and Open wrap NaCl secretbox with a random nonce prefix. They protect
// key material held in memory by the keystore under a process-local key.
//
// # Memory Hygiene
//
// SecureWipe, ZeroBytes, WipeKeyPair and KEMKeyPair.Wipe erase secrets once
// they are no longer needed, most importantly one-time keys after consumption.
package crypto
