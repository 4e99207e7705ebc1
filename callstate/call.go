package callstate

import (
	"bytes"
	"slices"
)

// CallKind distinguishes voice from video calls.
type CallKind uint8

const (
	// KindVoice is an audio-only call
	KindVoice CallKind = iota
	// KindVideo is an audio and video call
	KindVideo
)

// String returns a human-readable representation of the call kind.
func (k CallKind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "voice"
}

// Direction records who initiated a call and what kind it is.
type Direction struct {
	Inbound bool
	Kind    CallKind
}

// Inbound returns the direction of a call placed by the peer.
func Inbound(kind CallKind) *Direction {
	return &Direction{Inbound: true, Kind: kind}
}

// Outbound returns the direction of a call placed locally.
func Outbound(kind CallKind) *Direction {
	return &Direction{Kind: kind}
}

// String returns a human-readable representation of the direction.
func (d *Direction) String() string {
	if d == nil {
		return "none"
	}
	if d.Inbound {
		return "inbound(" + d.Kind.String() + ")"
	}
	return "outbound(" + d.Kind.String() + ")"
}

func directionEqual(a, b *Direction) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Call identifies one call session. Values are snapshots: mutate a Clone
// and transition to a new state rather than editing a Call in place.
type Call struct {
	// SharedCommunicationID is the routing key, stable across renegotiation.
	SharedCommunicationID string
	Sender                string
	Recipients            []string
	SupportsVideo         bool
	// Metadata is an opaque slot used to piggyback encrypted payloads.
	Metadata []byte
	// SignalingIdentityProps holds the peer's encoded identity props once known.
	SignalingIdentityProps []byte
}

// Kind returns the call kind implied by SupportsVideo.
func (c *Call) Kind() CallKind {
	if c.SupportsVideo {
		return KindVideo
	}
	return KindVoice
}

// Clone returns a deep copy.
func (c *Call) Clone() *Call {
	if c == nil {
		return nil
	}
	out := *c
	out.Recipients = slices.Clone(c.Recipients)
	out.Metadata = bytes.Clone(c.Metadata)
	out.SignalingIdentityProps = bytes.Clone(c.SignalingIdentityProps)
	return &out
}

// Equal reports whether two calls carry the same values.
func (c *Call) Equal(o *Call) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.SharedCommunicationID == o.SharedCommunicationID &&
		c.Sender == o.Sender &&
		slices.Equal(c.Recipients, o.Recipients) &&
		c.SupportsVideo == o.SupportsVideo &&
		bytes.Equal(c.Metadata, o.Metadata) &&
		bytes.Equal(c.SignalingIdentityProps, o.SignalingIdentityProps)
}

// Participants returns the sender followed by every recipient.
func (c *Call) Participants() []string {
	out := make([]string, 0, 1+len(c.Recipients))
	if c.Sender != "" {
		out = append(out, c.Sender)
	}
	return append(out, c.Recipients...)
}
