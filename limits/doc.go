// Package limits provides centralized size constants and validation functions
// for the toxcall signaling pipeline. This package ensures consistent size
// enforcement across the envelope codec, the ratchet engine and the job queue.
//
// # Size Hierarchy
//
//   - MaxPayload (256 KiB): the largest plaintext signaling payload. Large SDP
//     blobs with many media sections fit comfortably.
//
//   - MaxCiphertext: MaxPayload plus the 16-byte Poly1305 tag added by
//     ChaCha20-Poly1305 sealing.
//
//   - MaxEnvelope: the absolute maximum for encoded bytes handed to the SDK by
//     a transport. All relay-received data should be validated against this
//     limit before decoding.
//
//   - MaxSDP and MaxCandidate bound the media-engine values carried inside
//     payloads.
//
// # Validation Functions
//
//	if err := limits.ValidateEnvelope(data); err != nil {
//	    // Handle validation error (ErrMessageEmpty or ErrMessageTooLarge)
//	}
//
// ValidatePayload accepts empty input because a control payload may have no
// body; every other validator rejects empty input with ErrMessageEmpty.
package limits
