package session

import (
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/callstate"
	"github.com/opd-ai/toxcall/connection"
	"github.com/opd-ai/toxcall/media"
	"github.com/opd-ai/toxcall/signaling"
)

// eventLoop consumes media engine notifications until the engine closes
// its channel or the orchestrator stops.
func (o *Orchestrator) eventLoop(events <-chan media.Event) {
	defer o.wg.Done()
	ctx := o.context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.handleEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) handleEvent(ev media.Event) {
	snap, ok := o.conns.Find(ev.ConnectionID)
	if !ok && ev.Handle != "" {
		snap, ok = o.conns.FindByMediaHandle(ev.Handle)
	}
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":      "handleEvent",
			"kind":          ev.Kind.String(),
			"connection_id": ev.ConnectionID,
		}).Debug("Event for unknown connection")
		return
	}

	switch ev.Kind {
	case media.EventICECandidateGenerated:
		if ev.Candidate != nil {
			o.onLocalCandidate(snap, *ev.Candidate)
		}
	case media.EventConnectionStateChanged:
		o.onConnectionState(snap, ev.ConnectionState)
	case media.EventTrackAdded:
		if ev.Track != nil {
			o.onTrack(snap, *ev.Track)
		}
	case media.EventDataChannelMessage:
		if o.opts.OnData != nil {
			o.opts.OnData(snap.ID, ev.Label, ev.Data)
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function":           "handleEvent",
			"kind":               ev.Kind.String(),
			"connection_id":      snap.ID,
			"signaling_state":    ev.SignalingState.String(),
			"gathering_complete": ev.GatheringComplete,
		}).Debug("Media event")
	}
}

// onLocalCandidate sends a gathered candidate, or buffers it until the
// peer can apply it.
func (o *Orchestrator) onLocalCandidate(snap connection.Snapshot, init webrtc.ICECandidateInit) {
	cand := connection.Candidate{ID: int(o.candidateSeq.Add(1)), Init: init}
	send, err := o.conns.QueueOutbound(snap.ID, cand)
	if err != nil || !send {
		return
	}
	call, _ := o.current()
	if _, err := o.submit(snap.ID, signaling.CandidateMessage(cand), call); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "onLocalCandidate",
			"connection_id": snap.ID,
			"error":         err.Error(),
		}).Warn("Failed to queue candidate")
	}
}

func (o *Orchestrator) onConnectionState(snap connection.Snapshot, st webrtc.PeerConnectionState) {
	call, dir := o.current()
	if call == nil || call.SharedCommunicationID != snap.CallID {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":      "onConnectionState",
		"connection_id": snap.ID,
		"state":         st.String(),
	}).Debug("Peer connection state changed")

	switch st {
	case webrtc.PeerConnectionStateConnected:
		if o.machine.State().Kind == callstate.StateConnecting {
			o.machine.Transition(callstate.Connected(dir, call))
		}
	case webrtc.PeerConnectionStateFailed:
		// in a group call only the failed leg is dropped
		if len(o.conns.FindByCall(snap.CallID)) > 1 {
			o.releaseConnection(snap)
			return
		}
		if err := o.fail(o.context(), call, dir, callstate.CausePeerConnectionFailed, callstate.PeerConnectionFailedReason); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "onConnectionState",
				"call_id":  call.SharedCommunicationID,
				"error":    err.Error(),
			}).Warn("Teardown did not finish")
		}
	}
}

func (o *Orchestrator) onTrack(snap connection.Snapshot, track media.Track) {
	if o.opts.ParticipantResolver != nil {
		if p := o.opts.ParticipantResolver(track.StreamID); p != "" {
			track.Participant = p
		}
	}
	if track.Participant == "" {
		track.Participant = snap.Participant
	}
	if o.opts.OnTrack != nil {
		o.opts.OnTrack(snap.ID, track)
	}
}
