package callstate

import "fmt"

// Kind is the discriminant of State.
type Kind uint8

const (
	// StateWaiting: no call is active
	StateWaiting Kind = iota
	// StateReady: a call exists but negotiation has not started
	StateReady
	// StateConnecting: SDP/ICE negotiation is in progress
	StateConnecting
	// StateConnected: media is flowing
	StateConnected
	// StateHeld: the call is on hold
	StateHeld
	// StateEnded: the call ended (terminal)
	StateEnded
	// StateFailed: the call failed (terminal)
	StateFailed
	// StateAnsweredOnAuxiliaryDevice: another device took the call (terminal)
	StateAnsweredOnAuxiliaryDevice
)

// String returns a human-readable representation of the state kind.
func (k Kind) String() string {
	switch k {
	case StateWaiting:
		return "waiting"
	case StateReady:
		return "ready"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHeld:
		return "held"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	case StateAnsweredOnAuxiliaryDevice:
		return "answeredOnAuxiliaryDevice"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// EndReason is the externally reported reason a call ended.
type EndReason uint8

const (
	// EndReasonUserEnded: the local user hung up
	EndReasonUserEnded EndReason = iota + 1
	// EndReasonPartnerEnded: the peer hung up
	EndReasonPartnerEnded
	// EndReasonDeclined: the callee declined
	EndReasonDeclined
	// EndReasonUserInitiatedUnanswered: an outbound call never connected
	EndReasonUserInitiatedUnanswered
	// EndReasonPartnerInitiatedUnanswered: an inbound call never connected
	EndReasonPartnerInitiatedUnanswered
	// EndReasonAnsweredElsewhere: another device answered
	EndReasonAnsweredElsewhere
	// EndReasonFailed: any other failure
	EndReasonFailed
)

// String returns a human-readable representation of the end reason.
func (r EndReason) String() string {
	switch r {
	case EndReasonUserEnded:
		return "userEnded"
	case EndReasonPartnerEnded:
		return "partnerEnded"
	case EndReasonDeclined:
		return "declined"
	case EndReasonUserInitiatedUnanswered:
		return "userInitiatedUnanswered"
	case EndReasonPartnerInitiatedUnanswered:
		return "partnerInitiatedUnanswered"
	case EndReasonAnsweredElsewhere:
		return "answeredElsewhere"
	case EndReasonFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// FailureCause is the structured origin of a failed state.
type FailureCause uint8

const (
	// CauseUnknown: only the reason string is known
	CauseUnknown FailureCause = iota
	// CausePeerConnectionFailed: the media engine reported the peer connection failed
	CausePeerConnectionFailed
	// CauseMedia: the media engine rejected an operation
	CauseMedia
	// CauseNetwork: the transport could not deliver
	CauseNetwork
	// CauseRatchet: a signaling job exhausted its retry budget
	CauseRatchet
)

// PeerConnectionFailedReason is the reason string of a failed peer connection.
const PeerConnectionFailedReason = "PeerConnection Failed"

// State is the tagged union of call states. Use the constructors.
type State struct {
	Kind      Kind
	Direction *Direction
	Call      *Call
	EndReason EndReason
	Reason    string
	Cause     FailureCause
}

// Waiting returns the idle state.
func Waiting() State { return State{Kind: StateWaiting} }

// Ready returns ready(call).
func Ready(call *Call) State { return State{Kind: StateReady, Call: call} }

// Connecting returns connecting(direction, call).
func Connecting(d *Direction, call *Call) State {
	return State{Kind: StateConnecting, Direction: d, Call: call}
}

// Connected returns connected(direction, call).
func Connected(d *Direction, call *Call) State {
	return State{Kind: StateConnected, Direction: d, Call: call}
}

// Held returns held(direction?, call).
func Held(d *Direction, call *Call) State {
	return State{Kind: StateHeld, Direction: d, Call: call}
}

// Ended returns ended(reason, call).
func Ended(reason EndReason, call *Call) State {
	return State{Kind: StateEnded, EndReason: reason, Call: call}
}

// Failed returns failed(direction?, call, reason). A reason equal to
// PeerConnectionFailedReason carries CausePeerConnectionFailed.
func Failed(d *Direction, call *Call, reason string) State {
	cause := CauseUnknown
	if reason == PeerConnectionFailedReason {
		cause = CausePeerConnectionFailed
	}
	return FailedWithCause(d, call, cause, reason)
}

// FailedWithCause returns a failed state with an explicit cause.
func FailedWithCause(d *Direction, call *Call, cause FailureCause, reason string) State {
	return State{Kind: StateFailed, Direction: d, Call: call, Cause: cause, Reason: reason}
}

// AnsweredOnAuxiliaryDevice returns answeredOnAuxiliaryDevice(call).
func AnsweredOnAuxiliaryDevice(call *Call) State {
	return State{Kind: StateAnsweredOnAuxiliaryDevice, Call: call}
}

// Equal compares discriminant and payload.
func (s State) Equal(o State) bool {
	return s.Kind == o.Kind &&
		directionEqual(s.Direction, o.Direction) &&
		s.Call.Equal(o.Call) &&
		s.EndReason == o.EndReason &&
		s.Reason == o.Reason &&
		s.Cause == o.Cause
}

// IsTerminal reports whether the state ends the call.
func (s State) IsTerminal() bool {
	switch s.Kind {
	case StateEnded, StateFailed, StateAnsweredOnAuxiliaryDevice:
		return true
	}
	return false
}

// ReportedEndReason returns the reason reported to the application for a
// terminal state, or false for a live state.
func (s State) ReportedEndReason() (EndReason, bool) {
	switch s.Kind {
	case StateEnded:
		return s.EndReason, true
	case StateFailed:
		return ClassifyFailure(s.Direction, s.Cause, s.Reason), true
	case StateAnsweredOnAuxiliaryDevice:
		return EndReasonAnsweredElsewhere, true
	}
	return 0, false
}

// ClassifyFailure maps a failed state onto an EndReason. A failed peer
// connection is an unanswered call from whoever placed it; everything
// else is a plain failure.
func ClassifyFailure(d *Direction, cause FailureCause, reason string) EndReason {
	peerConnection := cause == CausePeerConnectionFailed ||
		(cause == CauseUnknown && reason == PeerConnectionFailedReason)
	if !peerConnection || d == nil {
		return EndReasonFailed
	}
	if d.Inbound {
		return EndReasonPartnerInitiatedUnanswered
	}
	return EndReasonUserInitiatedUnanswered
}

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s.Kind {
	case StateConnecting, StateConnected, StateHeld:
		return fmt.Sprintf("%s(%s)", s.Kind, s.Direction)
	case StateEnded:
		return fmt.Sprintf("%s(%s)", s.Kind, s.EndReason)
	case StateFailed:
		return fmt.Sprintf("%s(%s, %q)", s.Kind, s.Direction, s.Reason)
	default:
		return s.Kind.String()
	}
}
