package crypto

import (
	"errors"
	"runtime"
)

// ErrNilSecret is returned when asked to wipe a nil buffer or key pair.
var ErrNilSecret = errors.New("nothing to wipe")

// SecureWipe overwrites data with zeros in place.
func SecureWipe(data []byte) error {
	if data == nil {
		return ErrNilSecret
	}
	clear(data)
	runtime.KeepAlive(data)
	return nil
}

// ZeroBytes is SecureWipe for callers with nothing to do on a nil buffer.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair zeroes the private half of kp. The public key stays usable
// for logging and lookups.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return ErrNilSecret
	}
	return SecureWipe(kp.Private[:])
}

// ZeroKey zeroes a ratchet or chain key. Nil is ignored.
func ZeroKey(key *[32]byte) {
	if key != nil {
		ZeroBytes(key[:])
	}
}
