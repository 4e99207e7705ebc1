package transport

import (
	"context"
	"fmt"

	"github.com/opd-ai/toxcall/callerr"
	"github.com/opd-ai/toxcall/callstate"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = fmt.Errorf("%w: transport closed", callerr.ErrNetwork)

// ErrUnknownPeer is returned when no route exists for the destination.
var ErrUnknownPeer = fmt.Errorf("%w: unknown peer", callerr.ErrNetwork)

// ErrNoTransport is returned when a client is built without a transport.
var ErrNoTransport = fmt.Errorf("%w: missing transport", callerr.ErrConfiguration)

// EnvelopeHandler processes an inbound encrypted envelope.
type EnvelopeHandler func(from, connectionID string, data []byte)

// EndedHandler processes a peer's call-ended notice.
type EndedHandler func(from, callID string, reason callstate.EndReason)

// Transport carries opaque encrypted envelopes between participants. The
// orchestrator never opens sockets itself.
type Transport interface {
	// SendEnvelope delivers data to a participant or relay.
	SendEnvelope(ctx context.Context, to, connectionID string, data []byte, call *callstate.Call) error
	// NotifyCallEnded tells the transport a call is over.
	NotifyCallEnded(call *callstate.Call, reason callstate.EndReason)
	// OnEnvelope installs the receive handler.
	OnEnvelope(handler EnvelopeHandler)
	// OnCallEnded installs the handler for peers' call-ended notices.
	OnCallEnded(handler EndedHandler)
	Close() error
}

// peers returns the participants of call other than self.
func peers(call *callstate.Call, self string) []string {
	if call == nil {
		return nil
	}
	var out []string
	for _, p := range call.Participants() {
		if p != self && p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapNetwork(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", callerr.ErrNetwork, op, err)
}
