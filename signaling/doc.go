// Package signaling defines the envelope exchanged with the transport and
// the payloads sealed inside it.
//
// An Envelope carries the routing id, the connection id, the ratchet header
// and the ciphertext, CBOR encoded. The plaintext is a Payload whose Flag
// must agree with the envelope's, so a relay cannot reinterpret a message
// by rewriting the clear flag.
package signaling
