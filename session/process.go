package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/callstate"
	"github.com/opd-ai/toxcall/connection"
	"github.com/opd-ai/toxcall/keystore"
	"github.com/opd-ai/toxcall/media"
	"github.com/opd-ai/toxcall/queue"
	"github.com/opd-ai/toxcall/signaling"
)

// Process executes one queued job. It is called by the queue's single
// drain goroutine, so jobs never interleave.
func (o *Orchestrator) Process(ctx context.Context, job *queue.Job) error {
	switch {
	case job.Write != nil:
		return o.processWrite(ctx, job.Write)
	case job.Stream != nil:
		return o.processStream(ctx, job.Stream)
	default:
		return queue.ErrInvalidTask
	}
}

// processWrite encrypts one outbound payload and hands it to the transport.
func (o *Orchestrator) processWrite(ctx context.Context, t *queue.WriteTask) error {
	connID, err := keystore.NormalizeConnectionID(t.ConnectionID)
	if err != nil {
		return err
	}
	snap, ok := o.conns.Find(connID)
	if !ok {
		return fmt.Errorf("%w: %s", connection.ErrConnectionNotFound, connID)
	}

	eng, sid := o.signaling, outSession(connID)
	frameKey := t.Flag == signaling.FlagSenderKey
	if frameKey {
		eng, sid = o.frames, frameOutSession(connID, o.self)
	}

	if !eng.HasSession(sid) {
		props, err := o.keys.RemoteProps(connID)
		if err != nil {
			return err
		}
		local, err := o.keys.LocalKeys()
		if err != nil {
			return err
		}
		remote := props.RemoteKeys()
		if frameKey {
			// the signaling session already spent the published one-time key
			remote.HasOneTimeKey = false
		}
		if err := eng.SenderInit(sid, local, remote); err != nil {
			return err
		}
	}
	if !frameKey {
		if _, _, err := o.conns.MarkSenderKeySet(connID); err != nil {
			return err
		}
	}

	msg, err := eng.Encrypt(sid, t.Payload)
	if err != nil {
		return err
	}

	routing := snap.CallID
	if t.Call != nil {
		routing = t.Call.SharedCommunicationID
	}
	env := &signaling.Envelope{
		RoutingID:    routing,
		SenderID:     o.self,
		ConnectionID: connID,
		Header:       msg.Header,
		Ciphertext:   msg.Ciphertext,
		Flag:         t.Flag,
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := o.transport.SendEnvelope(ctx, snap.Participant, connID, data, t.Call); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":      "processWrite",
		"connection_id": connID,
		"flag":          t.Flag.String(),
		"to":            snap.Participant,
	}).Debug("Sent envelope")
	return nil
}

// processStream authenticates, decrypts and applies one inbound envelope.
func (o *Orchestrator) processStream(ctx context.Context, t *queue.StreamTask) error {
	env, err := signaling.UnmarshalEnvelope(t.Packet)
	if err != nil {
		return err
	}
	if t.SenderIdentity != "" && env.SenderID != t.SenderIdentity {
		return fmt.Errorf("%w: %s claims to be %s", ErrSenderMismatch, t.SenderIdentity, env.SenderID)
	}
	connID, err := keystore.NormalizeConnectionID(env.ConnectionID)
	if err != nil {
		return err
	}

	props, err := o.keys.RemoteProps(connID)
	if err != nil {
		return err
	}
	if hs := env.Header.Handshake; hs != nil && hs.IdentityKey != props.LongTermPublic {
		return fmt.Errorf("%w: connection %s", ErrIdentityMismatch, connID)
	}

	eng, sid := o.signaling, inSession(connID)
	if env.Flag == signaling.FlagSenderKey {
		eng, sid = o.frames, frameInSession(connID, env.SenderID)
	}
	if eng.NeedsRecipientInit(sid, &env.Header) {
		local, err := o.keys.LocalKeys()
		if err != nil {
			return err
		}
		if err := eng.RecipientInit(sid, local, &env.Header); err != nil {
			return err
		}
	}

	plaintext, err := eng.Decrypt(sid, env.Message())
	if err != nil {
		return err
	}
	payload, err := signaling.DecodePayload(plaintext, env.Flag)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":      "processStream",
		"connection_id": connID,
		"flag":          env.Flag.String(),
		"from":          env.SenderID,
	}).Debug("Received envelope")
	return o.apply(ctx, env, connID, props, payload)
}

// apply dispatches a decrypted payload.
func (o *Orchestrator) apply(ctx context.Context, env *signaling.Envelope, connID string, props keystore.IdentityProps, p *signaling.Payload) error {
	if p.Flag == signaling.FlagOffer {
		return o.handleOffer(ctx, env, connID, props, p.SDP)
	}
	if p.Flag == signaling.FlagSenderKey {
		return o.handleSenderKey(env, p.SenderKey)
	}
	if p.Flag == signaling.FlagCiphertext {
		return o.handleControl(ctx, env, p.Control)
	}

	if _, _, err := o.conns.MarkRecipientKeySet(connID); err != nil {
		return err
	}
	switch p.Flag {
	case signaling.FlagAnswer:
		return o.handleAnswer(ctx, connID, p.SDP)
	case signaling.FlagCandidate:
		return o.handleCandidate(ctx, connID, p.Candidate.ToCandidate())
	}
	return nil
}

// handleOffer sets up an inbound call, or renegotiates the current one.
func (o *Orchestrator) handleOffer(ctx context.Context, env *signaling.Envelope, connID string, props keystore.IdentityProps, sdp *signaling.SDPPayload) error {
	summary, err := signaling.InspectSDP(sdp.SDP)
	if err != nil {
		return err
	}

	if call, dir := o.current(); call != nil {
		if call.SharedCommunicationID == env.RoutingID {
			return o.renegotiate(ctx, env, connID, call, dir, sdp, summary)
		}
		return fmt.Errorf("%w: offer for %s while in %s", ErrBusy, env.RoutingID, call.SharedCommunicationID)
	}

	encoded, err := props.Encode()
	if err != nil {
		return err
	}
	call := &callstate.Call{
		SharedCommunicationID:  env.RoutingID,
		Sender:                 env.SenderID,
		Recipients:             []string{o.self},
		SupportsVideo:          summary.Video,
		SignalingIdentityProps: encoded,
	}
	dir := callstate.Inbound(call.Kind())
	if err := o.setCall(call, dir); err != nil {
		return err
	}

	if _, _, err := o.conns.Ensure(connID, func() *connection.Connection {
		return connection.New(connID, call.SharedCommunicationID, env.SenderID)
	}); err != nil {
		return err
	}
	if err := o.conns.Update(connID, func(c *connection.Connection) error {
		c.CallID = call.SharedCommunicationID
		c.Participant = env.SenderID
		c.Initiator = false
		return nil
	}); err != nil {
		return err
	}
	if _, _, err := o.conns.MarkRecipientKeySet(connID); err != nil {
		return err
	}
	if err := o.openMedia(connID); err != nil {
		return err
	}
	if err := o.setRemoteDescription(ctx, connID, sdp); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":      "handleOffer",
		"call_id":       call.SharedCommunicationID,
		"connection_id": connID,
		"from":          env.SenderID,
		"video":         summary.Video,
	}).Info("Incoming call")
	o.machine.Transition(callstate.Ready(call))
	return nil
}

// renegotiate applies an offer for the current call: a renegotiation of
// an existing connection or another participant joining. Once the call
// was answered the offer is answered right away.
func (o *Orchestrator) renegotiate(ctx context.Context, env *signaling.Envelope, connID string, call *callstate.Call, dir *callstate.Direction, sdp *signaling.SDPPayload, summary signaling.MediaSummary) error {
	_, joined, err := o.conns.Ensure(connID, func() *connection.Connection {
		return connection.New(connID, call.SharedCommunicationID, env.SenderID)
	})
	if err != nil {
		return err
	}
	if joined {
		if err := o.openMedia(connID); err != nil {
			return err
		}
	}
	if _, _, err := o.conns.MarkRecipientKeySet(connID); err != nil {
		return err
	}
	if err := o.setRemoteDescription(ctx, connID, sdp); err != nil {
		return err
	}
	if o.machine.State().Kind == callstate.StateReady {
		return nil
	}

	desc, err := o.engine.CreateAnswer(ctx, connID, true, summary.Video)
	if err != nil {
		return media.Wrap("create answer", err)
	}
	if err := o.engine.SetLocalDescription(ctx, connID, desc); err != nil {
		return media.Wrap("set local description", err)
	}
	if _, err := o.submit(connID, signaling.Answer(desc.SDP), call); err != nil {
		return err
	}
	if err := o.flushOutbound(connID, call); err != nil {
		return err
	}
	if !joined {
		o.updateVideo(call, dir, summary.Video)
	}
	return nil
}

func (o *Orchestrator) handleAnswer(ctx context.Context, connID string, sdp *signaling.SDPPayload) error {
	if err := o.setRemoteDescription(ctx, connID, sdp); err != nil {
		return err
	}
	call, _ := o.current()
	return o.flushOutbound(connID, call)
}

func (o *Orchestrator) handleCandidate(ctx context.Context, connID string, cand connection.Candidate) error {
	ready, err := o.conns.FeedCandidate(connID, cand)
	if err != nil {
		return err
	}
	return o.addCandidates(ctx, connID, ready)
}

// handleSenderKey installs a peer's media frame key. A participant can
// only distribute its own key.
func (o *Orchestrator) handleSenderKey(env *signaling.Envelope, k *signaling.SenderKeyPayload) error {
	if k.Participant != env.SenderID {
		return fmt.Errorf("%w: %s sent a key for %s", ErrSenderMismatch, env.SenderID, k.Participant)
	}
	if err := o.engine.SetFrameEncryptionKey(o.frameKeyID(k.Participant), k.Index, k.Key); err != nil {
		return media.Wrap("set frame key", err)
	}
	logrus.WithFields(logrus.Fields{
		"function":    "handleSenderKey",
		"participant": k.Participant,
		"index":       k.Index,
	}).Debug("Installed frame key")
	return nil
}

func (o *Orchestrator) handleControl(ctx context.Context, env *signaling.Envelope, c *signaling.ControlMessage) error {
	call, dir := o.current()
	if call == nil || call.SharedCommunicationID != env.RoutingID {
		switch c.Kind {
		case signaling.ControlEnd, signaling.ControlAnsweredElsewhere:
			// releases anything left from a call that is no longer current
			stale := o.callFor(env.RoutingID, env.SenderID)
			return o.endCall(ctx, stale, callstate.Ended(callstate.EndReasonPartnerEnded, stale))
		}
		return fmt.Errorf("%w: %s for %s", ErrNoActiveCall, c.Kind, env.RoutingID)
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleControl",
		"call_id":  call.SharedCommunicationID,
		"kind":     c.Kind.String(),
		"from":     env.SenderID,
	}).Info("Control message")

	switch c.Kind {
	case signaling.ControlEnd:
		reason := peerEndReason(callstate.EndReason(c.Reason))
		return o.endCall(ctx, call, callstate.Ended(reason, call))
	case signaling.ControlHold:
		o.machine.Transition(callstate.Held(dir, call))
	case signaling.ControlResume:
		o.machine.Transition(callstate.Connected(dir, call))
	case signaling.ControlVideoUpgrade:
		o.updateVideo(call, dir, true)
	case signaling.ControlVideoDowngrade:
		o.updateVideo(call, dir, false)
	case signaling.ControlAnsweredElsewhere:
		return o.endCall(ctx, call, callstate.AnsweredOnAuxiliaryDevice(call))
	}
	return nil
}

// peerEndReason translates the reason a peer sent into the local view.
func peerEndReason(r callstate.EndReason) callstate.EndReason {
	switch r {
	case callstate.EndReasonDeclined, callstate.EndReasonAnsweredElsewhere, callstate.EndReasonFailed:
		return r
	case callstate.EndReasonUserInitiatedUnanswered:
		return callstate.EndReasonPartnerInitiatedUnanswered
	case callstate.EndReasonPartnerInitiatedUnanswered:
		return callstate.EndReasonUserInitiatedUnanswered
	default:
		return callstate.EndReasonPartnerEnded
	}
}

// updateVideo replaces the current call with one whose video support is
// video and re-emits the current state for it.
func (o *Orchestrator) updateVideo(call *callstate.Call, dir *callstate.Direction, video bool) {
	if call.SupportsVideo == video {
		return
	}
	next := call.Clone()
	next.SupportsVideo = video
	var nd *callstate.Direction
	if dir != nil {
		nd = &callstate.Direction{Inbound: dir.Inbound, Kind: next.Kind()}
	}
	o.mu.Lock()
	if o.call == nil || o.call.SharedCommunicationID != call.SharedCommunicationID {
		o.mu.Unlock()
		return
	}
	o.call, o.direction = next, nd
	o.mu.Unlock()

	switch o.machine.State().Kind {
	case callstate.StateReady:
		o.machine.Transition(callstate.Ready(next))
	case callstate.StateConnecting:
		o.machine.Transition(callstate.Connecting(nd, next))
	case callstate.StateConnected:
		o.machine.Transition(callstate.Connected(nd, next))
	case callstate.StateHeld:
		o.machine.Transition(callstate.Held(nd, next))
	}
}

// setRemoteDescription applies a remote SDP and then every inbound
// candidate that arrived before it, in order.
func (o *Orchestrator) setRemoteDescription(ctx context.Context, connID string, sdp *signaling.SDPPayload) error {
	if err := o.engine.SetRemoteDescription(ctx, connID, sdp.Description()); err != nil {
		return media.Wrap("set remote description", err)
	}
	flushed, err := o.conns.SetRemoteDescriptionSet(connID)
	if err != nil {
		return err
	}
	return o.addCandidates(ctx, connID, flushed)
}

func (o *Orchestrator) addCandidates(ctx context.Context, connID string, cands []connection.Candidate) error {
	for _, c := range cands {
		if err := o.engine.AddICECandidate(ctx, connID, c.Init); err != nil {
			return media.Wrap("add ice candidate", err)
		}
	}
	return nil
}

// flushOutbound marks connID ready for outbound candidates and queues
// the ones gathered so far.
func (o *Orchestrator) flushOutbound(connID string, call *callstate.Call) error {
	flushed, err := o.conns.MarkReadyForCandidates(connID)
	if err != nil {
		return err
	}
	for _, c := range flushed {
		if _, err := o.submit(connID, signaling.CandidateMessage(c), call); err != nil {
			return err
		}
	}
	return nil
}

// submit encodes p and queues it for connID.
func (o *Orchestrator) submit(connID string, p *signaling.Payload, call *callstate.Call) (*queue.Job, error) {
	data, err := signaling.EncodePayload(p)
	if err != nil {
		return nil, err
	}
	return o.queue.SubmitWrite(queue.WriteTask{
		Payload:      data,
		ConnectionID: connID,
		Flag:         p.Flag,
		Call:         call,
	})
}

// submitWatched is submit plus a channel closed once the job settles
// without pausing.
func (o *Orchestrator) submitWatched(connID string, p *signaling.Payload, call *callstate.Call) (string, <-chan struct{}, error) {
	data, err := signaling.EncodePayload(p)
	if err != nil {
		return "", nil, err
	}
	job, err := o.queue.Prepare(&queue.WriteTask{
		Payload:      data,
		ConnectionID: connID,
		Flag:         p.Flag,
		Call:         call,
	}, nil)
	if err != nil {
		return "", nil, err
	}
	done := make(chan struct{})
	o.waitMu.Lock()
	o.waiters[job.ID] = done
	o.waitMu.Unlock()
	if err := o.queue.Enqueue(job); err != nil {
		o.release(job.ID)
		return "", nil, err
	}
	return job.ID, done, nil
}

func (o *Orchestrator) release(jobID string) {
	o.waitMu.Lock()
	defer o.waitMu.Unlock()
	if done, ok := o.waiters[jobID]; ok {
		delete(o.waiters, jobID)
		close(done)
	}
}

// onJobOutcome releases waiters of settled jobs.
func (o *Orchestrator) onJobOutcome(job *queue.Job, outcome queue.Outcome, _ error) {
	if outcome != queue.OutcomePaused {
		o.release(job.ID)
	}
}

// ratchetSessions reports how many sessions each engine holds.
func (o *Orchestrator) ratchetSessions() (signalingCount, frameCount int) {
	return o.signaling.SessionCount(), o.frames.SessionCount()
}

var _ queue.Processor = (*Orchestrator)(nil)
