package signaling

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/opd-ai/toxcall/limits"
	"github.com/opd-ai/toxcall/ratchet"
)

// Flag identifies what an envelope carries.
type Flag uint8

const (
	// FlagOffer carries an SDP offer
	FlagOffer Flag = iota + 1
	// FlagAnswer carries an SDP answer
	FlagAnswer
	// FlagCandidate carries one ICE candidate
	FlagCandidate
	// FlagSenderKey carries a media frame key
	FlagSenderKey
	// FlagCiphertext carries a control message
	FlagCiphertext
)

// String returns a human-readable representation of the flag.
func (f Flag) String() string {
	switch f {
	case FlagOffer:
		return "offer"
	case FlagAnswer:
		return "answer"
	case FlagCandidate:
		return "candidate"
	case FlagSenderKey:
		return "senderKey"
	case FlagCiphertext:
		return "ciphertext"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// Valid reports whether f is a known flag.
func (f Flag) Valid() bool {
	return f >= FlagOffer && f <= FlagCiphertext
}

var (
	// ErrInvalidEnvelope indicates envelope bytes that cannot be decoded.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrFlagMismatch indicates the decrypted payload disagrees with the envelope flag.
	ErrFlagMismatch = errors.New("payload does not match envelope flag")
)

// Envelope is the unit handed to and received from the transport. Only the
// ratchet header and routing fields are in the clear.
type Envelope struct {
	RoutingID    string         `cbor:"1,keyasint"`
	SenderID     string         `cbor:"2,keyasint"`
	ConnectionID string         `cbor:"3,keyasint"`
	Header       ratchet.Header `cbor:"4,keyasint"`
	Ciphertext   []byte         `cbor:"5,keyasint"`
	Flag         Flag           `cbor:"6,keyasint"`
}

// Message returns the ratchet message carried by the envelope.
func (e *Envelope) Message() *ratchet.Message {
	return &ratchet.Message{Header: e.Header, Ciphertext: e.Ciphertext}
}

// Validate checks the routing fields and sizes.
func (e *Envelope) Validate() error {
	if !e.Flag.Valid() {
		return fmt.Errorf("%w: flag %d", ErrInvalidEnvelope, e.Flag)
	}
	if e.ConnectionID == "" {
		return fmt.Errorf("%w: missing connection id", ErrInvalidEnvelope)
	}
	if err := limits.ValidateCiphertext(e.Ciphertext); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if hs := e.Header.Handshake; hs != nil && len(hs.KEMCiphertext) > limits.MaxHeader {
		return fmt.Errorf("%w: oversized handshake", ErrInvalidEnvelope)
	}
	return nil
}

// Marshal encodes the envelope with CBOR.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return cbor.Marshal(e)
}

// UnmarshalEnvelope decodes and validates envelope bytes.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	if err := limits.ValidateEnvelope(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	var e Envelope
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
