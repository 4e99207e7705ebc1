package signaling

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pion/webrtc/v4"

	"github.com/opd-ai/toxcall/connection"
	"github.com/opd-ai/toxcall/limits"
)

// SDPPayload carries a session description.
type SDPPayload struct {
	Type webrtc.SDPType `cbor:"1,keyasint"`
	SDP  string         `cbor:"2,keyasint"`
}

// Description converts the payload to a pion session description.
func (p *SDPPayload) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: p.Type, SDP: p.SDP}
}

// CandidatePayload carries one ICE candidate.
type CandidatePayload struct {
	ID               int     `cbor:"1,keyasint"`
	Candidate        string  `cbor:"2,keyasint"`
	SDPMid           *string `cbor:"3,keyasint,omitempty"`
	SDPMLineIndex    *uint16 `cbor:"4,keyasint,omitempty"`
	UsernameFragment *string `cbor:"5,keyasint,omitempty"`
}

// NewCandidatePayload builds a payload from a sequenced candidate.
func NewCandidatePayload(c connection.Candidate) *CandidatePayload {
	return &CandidatePayload{
		ID:               c.ID,
		Candidate:        c.Init.Candidate,
		SDPMid:           c.Init.SDPMid,
		SDPMLineIndex:    c.Init.SDPMLineIndex,
		UsernameFragment: c.Init.UsernameFragment,
	}
}

// ToCandidate converts the payload back to a sequenced candidate.
func (p *CandidatePayload) ToCandidate() connection.Candidate {
	return connection.Candidate{ID: p.ID, Init: webrtc.ICECandidateInit{
		Candidate:        p.Candidate,
		SDPMid:           p.SDPMid,
		SDPMLineIndex:    p.SDPMLineIndex,
		UsernameFragment: p.UsernameFragment,
	}}
}

// SenderKeyPayload carries a media frame key of one sending participant.
type SenderKeyPayload struct {
	Participant string `cbor:"1,keyasint"`
	Index       uint32 `cbor:"2,keyasint"`
	Key         []byte `cbor:"3,keyasint"`
}

// ControlKind enumerates in-call control messages.
type ControlKind uint8

const (
	// ControlEnd ends the call with a reason
	ControlEnd ControlKind = iota + 1
	// ControlHold puts the call on hold
	ControlHold
	// ControlResume resumes a held call
	ControlResume
	// ControlVideoUpgrade announces that video was added
	ControlVideoUpgrade
	// ControlVideoDowngrade announces that video was removed
	ControlVideoDowngrade
	// ControlAnsweredElsewhere tells other devices the call was taken
	ControlAnsweredElsewhere
)

// String returns a human-readable representation of the control kind.
func (k ControlKind) String() string {
	switch k {
	case ControlEnd:
		return "end"
	case ControlHold:
		return "hold"
	case ControlResume:
		return "resume"
	case ControlVideoUpgrade:
		return "videoUpgrade"
	case ControlVideoDowngrade:
		return "videoDowngrade"
	case ControlAnsweredElsewhere:
		return "answeredElsewhere"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ControlMessage is an in-call control message. Reason is a
// callstate.EndReason value for ControlEnd.
type ControlMessage struct {
	Kind   ControlKind `cbor:"1,keyasint"`
	Reason uint8       `cbor:"2,keyasint,omitempty"`
}

// Payload is the plaintext inside an envelope. Exactly the field matching
// Flag is set.
type Payload struct {
	Flag      Flag              `cbor:"1,keyasint"`
	SDP       *SDPPayload       `cbor:"2,keyasint,omitempty"`
	Candidate *CandidatePayload `cbor:"3,keyasint,omitempty"`
	SenderKey *SenderKeyPayload `cbor:"4,keyasint,omitempty"`
	Control   *ControlMessage   `cbor:"5,keyasint,omitempty"`
}

// Validate checks that the body matching Flag is present and well formed.
func (p *Payload) Validate() error {
	set := 0
	for _, present := range []bool{p.SDP != nil, p.Candidate != nil, p.SenderKey != nil, p.Control != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d bodies set", ErrFlagMismatch, set)
	}

	switch p.Flag {
	case FlagOffer, FlagAnswer:
		if p.SDP == nil {
			return ErrFlagMismatch
		}
		return limits.ValidateSDP(p.SDP.SDP)
	case FlagCandidate:
		if p.Candidate == nil {
			return ErrFlagMismatch
		}
		return limits.ValidateCandidate(p.Candidate.Candidate)
	case FlagSenderKey:
		if p.SenderKey == nil {
			return ErrFlagMismatch
		}
		if len(p.SenderKey.Key) != 32 {
			return fmt.Errorf("%w: frame key must be 32 bytes", ErrFlagMismatch)
		}
		return nil
	case FlagCiphertext:
		if p.Control == nil {
			return ErrFlagMismatch
		}
		return nil
	default:
		return fmt.Errorf("%w: flag %d", ErrInvalidEnvelope, p.Flag)
	}
}

// EncodePayload validates and encodes a payload.
func EncodePayload(p *Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return cbor.Marshal(p)
}

// DecodePayload decodes a decrypted payload and checks it against the
// envelope flag.
func DecodePayload(data []byte, flag Flag) (*Payload, error) {
	var p Payload
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if p.Flag != flag {
		return nil, fmt.Errorf("%w: envelope %s, payload %s", ErrFlagMismatch, flag, p.Flag)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Offer builds an offer payload.
func Offer(sdp string) *Payload {
	return &Payload{Flag: FlagOffer, SDP: &SDPPayload{Type: webrtc.SDPTypeOffer, SDP: sdp}}
}

// Answer builds an answer payload.
func Answer(sdp string) *Payload {
	return &Payload{Flag: FlagAnswer, SDP: &SDPPayload{Type: webrtc.SDPTypeAnswer, SDP: sdp}}
}

// CandidateMessage builds a candidate payload.
func CandidateMessage(c connection.Candidate) *Payload {
	return &Payload{Flag: FlagCandidate, Candidate: NewCandidatePayload(c)}
}

// SenderKey builds a frame key payload.
func SenderKey(participant string, index uint32, key []byte) *Payload {
	return &Payload{Flag: FlagSenderKey, SenderKey: &SenderKeyPayload{
		Participant: participant,
		Index:       index,
		Key:         append([]byte(nil), key...),
	}}
}

// Control builds a control payload.
func Control(kind ControlKind, reason uint8) *Payload {
	return &Payload{Flag: FlagCiphertext, Control: &ControlMessage{Kind: kind, Reason: reason}}
}
