package connection

import "fmt"

// NegotiationPhase tracks SDP progress on a connection.
type NegotiationPhase uint8

const (
	// NegotiationNone: no remote description applied yet
	NegotiationNone NegotiationPhase = iota
	// RemoteDescriptionSet: remote candidates may now be applied
	RemoteDescriptionSet
)

// String returns a human-readable representation of the phase.
func (p NegotiationPhase) String() string {
	if p == RemoteDescriptionSet {
		return "remoteDescriptionSet"
	}
	return "none"
}

// CipherPhase tracks which ratchet directions of a connection exist.
type CipherPhase uint8

const (
	// CipherWaiting: neither direction is initialized
	CipherWaiting CipherPhase = iota
	// CipherSenderKeySet: only the outbound direction is initialized
	CipherSenderKeySet
	// CipherRecipientKeySet: only the inbound direction is initialized
	CipherRecipientKeySet
	// CipherComplete: both directions are initialized
	CipherComplete
)

// String returns a human-readable representation of the phase.
func (p CipherPhase) String() string {
	switch p {
	case CipherWaiting:
		return "waiting"
	case CipherSenderKeySet:
		return "senderKeySet"
	case CipherRecipientKeySet:
		return "recipientKeySet"
	case CipherComplete:
		return "complete"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// cipherFlags holds the two monotonic halves behind a CipherPhase.
type cipherFlags struct {
	sender    bool
	recipient bool
}

func (f cipherFlags) phase() CipherPhase {
	switch {
	case f.sender && f.recipient:
		return CipherComplete
	case f.sender:
		return CipherSenderKeySet
	case f.recipient:
		return CipherRecipientKeySet
	default:
		return CipherWaiting
	}
}
