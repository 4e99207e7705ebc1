package media

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// EventKind enumerates engine notifications.
type EventKind uint8

const (
	// EventICEGatheringChanged: local candidate gathering progressed
	EventICEGatheringChanged EventKind = iota + 1
	// EventSignalingStateChanged: the SDP signaling state changed
	EventSignalingStateChanged
	// EventConnectionStateChanged: the peer connection state changed
	EventConnectionStateChanged
	// EventICECandidateGenerated: a local candidate is ready to send
	EventICECandidateGenerated
	// EventTrackAdded: a remote track arrived
	EventTrackAdded
	// EventDataChannelMessage: a data channel message arrived
	EventDataChannelMessage
)

// String returns a human-readable representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventICEGatheringChanged:
		return "iceGatheringChanged"
	case EventSignalingStateChanged:
		return "signalingStateChanged"
	case EventConnectionStateChanged:
		return "connectionStateChanged"
	case EventICECandidateGenerated:
		return "iceCandidateGenerated"
	case EventTrackAdded:
		return "trackAdded"
	case EventDataChannelMessage:
		return "dataChannelMessage"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Track describes a remote track.
type Track struct {
	ID       string
	StreamID string
	Kind     string
	// Participant is the application-level participant id, filled in by
	// the orchestrator's resolver.
	Participant string
}

// Event is one engine notification. Only the fields of its Kind are set.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Handle       string

	GatheringComplete bool
	SignalingState    webrtc.SignalingState
	ConnectionState   webrtc.PeerConnectionState
	Candidate         *webrtc.ICECandidateInit
	Track             *Track
	Label             string
	Data              []byte
}
