// Package limits provides centralized size limits for the toxcall signaling pipeline.
// This ensures consistent validation across the codec, ratchet and queue layers.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxPayload is the largest plaintext signaling payload (SDP blobs, candidates,
	// frame keys, control messages) accepted for encryption.
	MaxPayload = 256 * 1024

	// AEADOverhead is the Poly1305 tag appended by ChaCha20-Poly1305 sealing.
	AEADOverhead = 16 // golang.org/x/crypto/chacha20poly1305.Overhead

	// MaxCiphertext is the maximum size of a sealed payload.
	MaxCiphertext = MaxPayload + AEADOverhead

	// MaxHeader bounds an encoded ratchet header, including the first-message
	// handshake section (identity key, ephemeral key, ML-KEM-768 ciphertext).
	MaxHeader = 4096

	// MaxEnvelope is the absolute maximum for an encoded envelope received
	// from the transport. This prevents memory exhaustion from untrusted relays.
	MaxEnvelope = MaxCiphertext + MaxHeader + 1024

	// MaxSDP is the maximum size of a session description.
	MaxSDP = 128 * 1024

	// MaxCandidate is the maximum size of a single ICE candidate line.
	MaxCandidate = 4096

	// MaxParkedPerConnection bounds the ciphertext parked for a connection whose
	// remote identity does not exist yet.
	MaxParkedPerConnection = 64
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePayload validates a plaintext payload against MaxPayload.
// Empty payloads are valid: a control message may carry no body.
func ValidatePayload(payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxPayload)
	}
	return nil
}

// ValidateCiphertext validates a sealed payload against MaxCiphertext.
// A valid ciphertext always carries at least the authentication tag.
func ValidateCiphertext(ciphertext []byte) error {
	if len(ciphertext) < AEADOverhead {
		return fmt.Errorf("%w: ciphertext size %d below tag size %d", ErrMessageEmpty, len(ciphertext), AEADOverhead)
	}
	if len(ciphertext) > MaxCiphertext {
		return fmt.Errorf("%w: ciphertext size %d exceeds limit %d", ErrMessageTooLarge, len(ciphertext), MaxCiphertext)
	}
	return nil
}

// ValidateEnvelope validates encoded envelope bytes received from a transport.
func ValidateEnvelope(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxEnvelope {
		return fmt.Errorf("%w: envelope size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxEnvelope)
	}
	return nil
}

// ValidateSDP validates a session description string.
func ValidateSDP(sdp string) error {
	return ValidateMessageSize([]byte(sdp), MaxSDP)
}

// ValidateCandidate validates a single ICE candidate line.
func ValidateCandidate(candidate string) error {
	return ValidateMessageSize([]byte(candidate), MaxCandidate)
}
