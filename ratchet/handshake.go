package ratchet

import (
	"crypto/rand"

	"github.com/flynn/noise"

	"github.com/opd-ai/toxcall/crypto"
)

// OneTimeKeySource hands out one-time private keys by id. OneTimeKey
// returns a copy without using the key up; each key can be consumed once.
type OneTimeKeySource interface {
	OneTimeKey(id uint32) (*crypto.KeyPair, error)
	ConsumeOneTimeKey(id uint32) (*crypto.KeyPair, error)
}

// LocalKeys is the local key material used to initialize a session.
type LocalKeys struct {
	Identity    *crypto.KeyPair
	KEM         *crypto.KEMKeyPair
	OneTimeKeys OneTimeKeySource
}

// RemoteKeys is the published key material of the peer.
type RemoteKeys struct {
	IdentityKey   [32]byte
	OneTimeKey    [32]byte
	OneTimeKeyID  uint32
	HasOneTimeKey bool
	KEMPublic     []byte
}

// generateRatchetKey creates a fresh X25519 key pair for ephemeral and
// ratchet use.
func generateRatchetKey() (*crypto.KeyPair, error) {
	k, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	kp := &crypto.KeyPair{}
	copy(kp.Public[:], k.Public)
	copy(kp.Private[:], k.Private)
	crypto.ZeroBytes(k.Private)
	return kp, nil
}

// initiate runs the initiator half of the hybrid handshake and returns the
// shared secret and the handshake section to attach to outgoing headers.
func initiate(sessionID string, salt []byte, local LocalKeys, remote RemoteKeys) ([32]byte, *Handshake, error) {
	var sk [32]byte
	if local.Identity == nil {
		return sk, nil, newError(KindInvalidKey, sessionID, "missing local identity key")
	}
	if len(remote.KEMPublic) == 0 {
		return sk, nil, newError(KindInvalidKey, sessionID, "missing remote KEM public key")
	}

	ek, err := generateRatchetKey()
	if err != nil {
		return sk, nil, newError(KindInvalidKey, sessionID, err.Error())
	}
	defer crypto.WipeKeyPair(ek)

	dh1Peer := remote.IdentityKey
	if remote.HasOneTimeKey {
		dh1Peer = remote.OneTimeKey
	}
	dhs := make([][32]byte, 0, 3)
	for _, pair := range []struct {
		priv, pub [32]byte
	}{
		{local.Identity.Private, dh1Peer},
		{ek.Private, remote.IdentityKey},
	} {
		out, err := crypto.DH(pair.priv, pair.pub)
		if err != nil {
			return sk, nil, newError(KindInvalidKey, sessionID, err.Error())
		}
		dhs = append(dhs, out)
	}
	if remote.HasOneTimeKey {
		out, err := crypto.DH(ek.Private, remote.OneTimeKey)
		if err != nil {
			return sk, nil, newError(KindInvalidKey, sessionID, err.Error())
		}
		dhs = append(dhs, out)
	}

	kemShared, kemCT, err := crypto.Encapsulate(remote.KEMPublic)
	if err != nil {
		return sk, nil, newError(KindInvalidKey, sessionID, err.Error())
	}
	sk = deriveSharedSecret(salt, dhs, kemShared)
	crypto.ZeroBytes(kemShared)
	for i := range dhs {
		crypto.ZeroKey(&dhs[i])
	}

	return sk, &Handshake{
		IdentityKey:   local.Identity.Public,
		EphemeralKey:  ek.Public,
		OneTimeKeyID:  remote.OneTimeKeyID,
		HasOneTimeKey: remote.HasOneTimeKey,
		KEMCiphertext: kemCT,
	}, nil
}

// respond runs the responder half of the handshake. The referenced one-time
// key is read, not consumed.
func respond(sessionID string, salt []byte, local LocalKeys, hs *Handshake) ([32]byte, error) {
	var sk [32]byte
	if local.Identity == nil || local.KEM == nil {
		return sk, newError(KindInvalidKey, sessionID, "missing local identity")
	}

	kemShared, err := local.KEM.Decapsulate(hs.KEMCiphertext)
	if err != nil {
		return sk, newError(KindInvalidHeader, sessionID, err.Error())
	}
	defer crypto.ZeroBytes(kemShared)

	var otk *crypto.KeyPair
	if hs.HasOneTimeKey {
		if local.OneTimeKeys == nil {
			return sk, newError(KindMissingOneTimeKey, sessionID, "no one-time key source")
		}
		otk, err = local.OneTimeKeys.OneTimeKey(hs.OneTimeKeyID)
		if err != nil || otk == nil {
			return sk, newError(KindMissingOneTimeKey, sessionID, "one-time key unavailable")
		}
		defer crypto.WipeKeyPair(otk)
	}

	dh1Priv := local.Identity.Private
	if otk != nil {
		dh1Priv = otk.Private
	}
	dhs := make([][32]byte, 0, 3)
	dh1, err := crypto.DH(dh1Priv, hs.IdentityKey)
	if err != nil {
		return sk, newError(KindInvalidHeader, sessionID, err.Error())
	}
	dhs = append(dhs, dh1)
	dh2, err := crypto.DH(local.Identity.Private, hs.EphemeralKey)
	if err != nil {
		return sk, newError(KindInvalidHeader, sessionID, err.Error())
	}
	dhs = append(dhs, dh2)
	if otk != nil {
		dh3, err := crypto.DH(otk.Private, hs.EphemeralKey)
		if err != nil {
			return sk, newError(KindInvalidHeader, sessionID, err.Error())
		}
		dhs = append(dhs, dh3)
	}

	sk = deriveSharedSecret(salt, dhs, kemShared)
	for i := range dhs {
		crypto.ZeroKey(&dhs[i])
	}
	return sk, nil
}
