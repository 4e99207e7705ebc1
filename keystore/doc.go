// Package keystore owns the identity bundles of a call session.
//
// The local bundle (long-term X25519 key, a pool of one-time keys and an
// ML-KEM-768 key) is created once per session; remote bundles are created
// lazily per connection from the props the peer published. Public props are
// held sealed under a process-local key and opened at time of use.
//
// One-time keys are consumed exactly once, by the ratchet handshake of the
// first message that references them. Envelopes that could not be processed
// because a remote identity was missing can be parked and are handed back
// by CreateRecipientIdentity.
package keystore
