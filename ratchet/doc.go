// Package ratchet implements the hybrid key agreement and Double Ratchet
// used to protect signaling payloads and media frame keys.
//
// A session is created on the initiating side with SenderInit from the
// peer's published identity, one-time and ML-KEM keys. Every message the
// initiator sends carries a Handshake section until it has decrypted the
// first reply, so the responder can build its side with RecipientInit from
// whichever message arrives first:
//
//	engine := ratchet.NewEngine("signaling", salt)
//	if err := engine.SenderInit(connID+"/out", local, remote); err != nil {
//	    return err
//	}
//	msg, err := engine.Encrypt(connID+"/out", payload)
//
// Sessions are keyed by opaque ids. Failed decryption never advances a
// session. Errors are *Error values whose Unwrap maps onto the callerr
// taxonomy: a consumed one-time key reports callerr.ErrMissingIdentity and
// state mismatches report callerr.ErrRatchet.
package ratchet
