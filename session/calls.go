package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/callerr"
	"github.com/opd-ai/toxcall/callstate"
	"github.com/opd-ai/toxcall/connection"
	"github.com/opd-ai/toxcall/keystore"
	"github.com/opd-ai/toxcall/media"
	"github.com/opd-ai/toxcall/queue"
	"github.com/opd-ai/toxcall/signaling"
)

// FrameKeySize is the size of a media frame key.
const FrameKeySize = 32

// ErrInvalidCall indicates a call without a routing id.
var ErrInvalidCall = fmt.Errorf("%w: call needs a shared communication id", callerr.ErrConfiguration)

// StartCall places an outbound call to peer over connectionID. When
// call.SignalingIdentityProps is set the peer identity is installed
// first; otherwise the offer waits until CreateRecipientIdentity.
func (o *Orchestrator) StartCall(ctx context.Context, call *callstate.Call, connectionID, peer string) error {
	if call == nil || call.SharedCommunicationID == "" {
		return ErrInvalidCall
	}
	if _, err := keystore.NormalizeConnectionID(connectionID); err != nil {
		return err
	}
	if !o.running() {
		return ErrNotStarted
	}

	call = call.Clone()
	if call.Sender == "" {
		call.Sender = o.self
	}
	if peer == "" && len(call.Recipients) > 0 {
		peer = call.Recipients[0]
	}
	if peer == "" {
		return fmt.Errorf("%w: no peer for %s", ErrNoParticipant, call.SharedCommunicationID)
	}

	dir := callstate.Outbound(call.Kind())
	o.mu.Lock()
	if o.call != nil {
		active := o.call.SharedCommunicationID
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCallActive, active)
	}
	o.call, o.direction = call, dir
	o.installLocked(call.SharedCommunicationID)
	o.mu.Unlock()

	if len(call.SignalingIdentityProps) > 0 && !o.keys.HasRemoteIdentity(connectionID) {
		props, err := keystore.DecodeIdentityProps(call.SignalingIdentityProps)
		if err != nil {
			o.clearCall(call.SharedCommunicationID)
			return err
		}
		if err := o.CreateRecipientIdentity(connectionID, props); err != nil {
			o.clearCall(call.SharedCommunicationID)
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":      "StartCall",
		"call_id":       call.SharedCommunicationID,
		"connection_id": connectionID,
		"peer":          peer,
		"video":         call.SupportsVideo,
	}).Info("Starting call")
	o.machine.Transition(callstate.Ready(call))
	// before queueing: a failed offer job must land after connecting
	o.machine.Transition(callstate.Connecting(dir, call))

	if err := o.offer(ctx, call, connectionID, peer); err != nil {
		return o.failWith(ctx, call, dir, err)
	}
	return nil
}

// AddConnection offers the current call to one more participant, as in
// a group call fanned out over several connections.
func (o *Orchestrator) AddConnection(ctx context.Context, connectionID, peer string) error {
	call, _ := o.current()
	if call == nil {
		return ErrNoActiveCall
	}
	if peer == "" {
		return fmt.Errorf("%w: no peer for %s", ErrNoParticipant, connectionID)
	}
	return o.offer(ctx, call, connectionID, peer)
}

// offer creates the connection, opens media and queues the SDP offer.
func (o *Orchestrator) offer(ctx context.Context, call *callstate.Call, connectionID, peer string) error {
	connID, err := keystore.NormalizeConnectionID(connectionID)
	if err != nil {
		return err
	}
	if _, _, err := o.conns.Ensure(connID, func() *connection.Connection {
		c := connection.New(connID, call.SharedCommunicationID, peer)
		c.Initiator = true
		return c
	}); err != nil {
		return err
	}
	if err := o.openMedia(connID); err != nil {
		return err
	}
	desc, err := o.engine.CreateOffer(ctx, connID, true, call.SupportsVideo)
	if err != nil {
		return media.Wrap("create offer", err)
	}
	if err := o.engine.SetLocalDescription(ctx, connID, desc); err != nil {
		return media.Wrap("set local description", err)
	}
	_, err = o.submit(connID, signaling.Offer(desc.SDP), call)
	return err
}

func (o *Orchestrator) openMedia(connID string) error {
	handle, err := o.engine.Open(connID)
	if err != nil {
		return media.Wrap("open", err)
	}
	return o.conns.Update(connID, func(c *connection.Connection) error {
		c.MediaHandle = handle
		return nil
	})
}

// Answer accepts the current inbound call. It waits, bounded, for the
// remote description of every inbound connection before answering.
func (o *Orchestrator) Answer(ctx context.Context) error {
	call, dir := o.current()
	if call == nil {
		return ErrNoActiveCall
	}

	var inbound []string
	for _, snap := range o.conns.FindByCall(call.SharedCommunicationID) {
		if !snap.Initiator {
			inbound = append(inbound, snap.ID)
		}
	}
	if len(inbound) == 0 {
		return fmt.Errorf("%w: nothing to answer in %s", callerr.ErrConnectionNotFound, call.SharedCommunicationID)
	}

	o.machine.Transition(callstate.Connecting(dir, call))
	for _, connID := range inbound {
		if err := o.answerConnection(ctx, call, connID); err != nil {
			return o.failWith(ctx, call, dir, err)
		}
	}
	logrus.WithFields(logrus.Fields{
		"function":    "Answer",
		"call_id":     call.SharedCommunicationID,
		"connections": len(inbound),
	}).Info("Answered call")
	return nil
}

func (o *Orchestrator) answerConnection(ctx context.Context, call *callstate.Call, connID string) error {
	if err := o.conns.WaitForRemoteDescription(ctx, connID, o.opts.RemoteDescriptionAttempts, o.opts.RemoteDescriptionInterval); err != nil {
		return err
	}
	desc, err := o.engine.CreateAnswer(ctx, connID, true, call.SupportsVideo)
	if err != nil {
		return media.Wrap("create answer", err)
	}
	if err := o.engine.SetLocalDescription(ctx, connID, desc); err != nil {
		return media.Wrap("set local description", err)
	}
	if _, err := o.submit(connID, signaling.Answer(desc.SDP), call); err != nil {
		return err
	}
	return o.flushOutbound(connID, call)
}

// Decline rejects the current inbound call.
func (o *Orchestrator) Decline(ctx context.Context) error {
	call, _ := o.current()
	if call == nil {
		return ErrNoActiveCall
	}
	return o.hangup(ctx, call, callstate.EndReasonDeclined)
}

// Hangup ends the current call. A call that never connected is reported
// as unanswered (outbound) or declined (inbound).
func (o *Orchestrator) Hangup(ctx context.Context) error {
	call, dir := o.current()
	if call == nil {
		return ErrNoActiveCall
	}
	reason := callstate.EndReasonUserEnded
	switch st := o.machine.State().Kind; {
	case dir != nil && !dir.Inbound && (st == callstate.StateReady || st == callstate.StateConnecting):
		reason = callstate.EndReasonUserInitiatedUnanswered
	case dir != nil && dir.Inbound && st == callstate.StateReady:
		reason = callstate.EndReasonDeclined
	}
	return o.hangup(ctx, call, reason)
}

// hangup tells every peer why the call ends, waits briefly for those
// messages to leave, and tears the call down.
func (o *Orchestrator) hangup(ctx context.Context, call *callstate.Call, reason callstate.EndReason) error {
	watched := make(map[string]<-chan struct{})
	for _, snap := range o.conns.FindByCall(call.SharedCommunicationID) {
		id, done, err := o.submitWatched(snap.ID, signaling.Control(signaling.ControlEnd, uint8(reason)), call)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "hangup",
				"connection_id": snap.ID,
				"error":         err.Error(),
			}).Warn("Failed to queue end message")
			continue
		}
		watched[id] = done
	}
	o.awaitJobs(ctx, watched)
	return o.endCall(ctx, call, callstate.Ended(reason, call))
}

// awaitJobs waits for watched jobs to settle, bounded by the negotiation
// polling budget.
func (o *Orchestrator) awaitJobs(ctx context.Context, watched map[string]<-chan struct{}) {
	if len(watched) == 0 {
		return
	}
	budget := time.Duration(o.opts.RemoteDescriptionAttempts) * o.opts.RemoteDescriptionInterval
	if budget <= 0 {
		budget = time.Second
	}
	timer := time.NewTimer(budget)
	defer timer.Stop()

	for id, done := range watched {
		select {
		case <-done:
		case <-timer.C:
			for id := range watched {
				o.release(id)
			}
			return
		case <-ctx.Done():
			for id := range watched {
				o.release(id)
			}
			return
		}
		delete(watched, id)
	}
}

// Hold puts the current call on hold and tells the peers.
func (o *Orchestrator) Hold(ctx context.Context) error {
	return o.control(ctx, signaling.ControlHold, func(dir *callstate.Direction, call *callstate.Call) callstate.State {
		return callstate.Held(dir, call)
	})
}

// Resume resumes a held call.
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.control(ctx, signaling.ControlResume, func(dir *callstate.Direction, call *callstate.Call) callstate.State {
		return callstate.Connected(dir, call)
	})
}

func (o *Orchestrator) control(_ context.Context, kind signaling.ControlKind, next func(*callstate.Direction, *callstate.Call) callstate.State) error {
	call, dir := o.current()
	if call == nil {
		return ErrNoActiveCall
	}
	o.machine.Transition(next(dir, call))
	for _, snap := range o.conns.FindByCall(call.SharedCommunicationID) {
		if _, err := o.submit(snap.ID, signaling.Control(kind, 0), call); err != nil {
			return err
		}
	}
	return nil
}

// SetVideo adds or removes video. Every connection is renegotiated with a
// new offer and the peers are told about the change.
func (o *Orchestrator) SetVideo(ctx context.Context, enabled bool) error {
	call, dir := o.current()
	if call == nil {
		return ErrNoActiveCall
	}
	if call.SupportsVideo == enabled {
		return nil
	}
	kind := signaling.ControlVideoDowngrade
	if enabled {
		kind = signaling.ControlVideoUpgrade
	}

	for _, snap := range o.conns.FindByCall(call.SharedCommunicationID) {
		if err := o.conns.WaitForRemoteDescription(ctx, snap.ID, o.opts.RemoteDescriptionAttempts, o.opts.RemoteDescriptionInterval); err != nil {
			return err
		}
		desc, err := o.engine.CreateOffer(ctx, snap.ID, true, enabled)
		if err != nil {
			return media.Wrap("create offer", err)
		}
		if err := o.engine.SetLocalDescription(ctx, snap.ID, desc); err != nil {
			return media.Wrap("set local description", err)
		}
		if _, err := o.submit(snap.ID, signaling.Offer(desc.SDP), call); err != nil {
			return err
		}
		if _, err := o.submit(snap.ID, signaling.Control(kind, 0), call); err != nil {
			return err
		}
	}
	o.updateVideo(call, dir, enabled)
	return nil
}

// DistributeFrameKey generates a media frame key, installs it for the
// local sender and sends it to every participant of the current call.
func (o *Orchestrator) DistributeFrameKey(_ context.Context, index uint32) error {
	call, _ := o.current()
	if call == nil {
		return ErrNoActiveCall
	}
	key := make([]byte, FrameKeySize)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	defer clear(key)

	if err := o.engine.SetFrameEncryptionKey(o.frameKeyID(o.self), index, key); err != nil {
		return media.Wrap("set frame key", err)
	}
	for _, snap := range o.conns.FindByCall(call.SharedCommunicationID) {
		if _, err := o.submit(snap.ID, signaling.SenderKey(o.self, index, key), call); err != nil {
			return err
		}
	}
	logrus.WithFields(logrus.Fields{
		"function": "DistributeFrameKey",
		"call_id":  call.SharedCommunicationID,
		"index":    index,
	}).Info("Distributed frame key")
	return nil
}

// failWith fails call with the cause implied by err and returns err.
func (o *Orchestrator) failWith(ctx context.Context, call *callstate.Call, dir *callstate.Direction, err error) error {
	cause := callstate.CauseUnknown
	switch callerr.Classify(err) {
	case callerr.ClassMedia:
		cause = callstate.CauseMedia
	case callerr.ClassNetwork:
		cause = callstate.CauseNetwork
	case callerr.ClassRatchet:
		cause = callstate.CauseRatchet
	}
	if ferr := o.fail(ctx, call, dir, cause, err.Error()); ferr != nil {
		logrus.WithFields(logrus.Fields{
			"function": "failWith",
			"call_id":  call.SharedCommunicationID,
			"error":    ferr.Error(),
		}).Warn("Teardown did not finish")
	}
	return err
}

func (o *Orchestrator) fail(ctx context.Context, call *callstate.Call, dir *callstate.Direction, cause callstate.FailureCause, reason string) error {
	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"call_id":  call.SharedCommunicationID,
		"reason":   reason,
	}).Error("Call failed")
	return o.endCall(ctx, call, callstate.FailedWithCause(dir, call, cause, reason))
}

// endCall is the single teardown routine every end path converges on.
// Only the caller that claims the call key releases resources; the
// others wait until it commits.
func (o *Orchestrator) endCall(ctx context.Context, call *callstate.Call, final callstate.State) error {
	callID := call.SharedCommunicationID
	key := o.teardownKey(callID)
	if !o.ending.BeginEnding(SpaceCall, key) {
		return o.ending.Wait(ctx, SpaceCall, key)
	}
	defer o.ending.EndEnding(SpaceCall, key)
	if key != callID {
		// late notices for this id once a later call took over
		defer o.ending.EndEnding(SpaceCall, callID)
	}
	o.teardowns.Add(1)

	if o.isCurrent(callID) {
		o.machine.Transition(final)
	}
	purged := o.queue.Purge(func(j *queue.Job) bool {
		c := j.Call()
		return c != nil && c.SharedCommunicationID == callID
	})
	released := 0
	for _, snap := range o.conns.FindByCall(callID) {
		if o.releaseConnection(snap) {
			released++
		}
	}

	reason, _ := final.ReportedEndReason()
	o.transport.NotifyCallEnded(call, reason)
	o.clearCall(callID)

	logrus.WithFields(logrus.Fields{
		"function":    "endCall",
		"call_id":     callID,
		"state":       final.Kind.String(),
		"reason":      reason.String(),
		"purged_jobs": purged,
		"connections": released,
	}).Info("Call torn down")
	return nil
}

// releaseConnection frees one connection's media, negotiation, ratchet
// and identity state. It reports whether this caller did the release.
func (o *Orchestrator) releaseConnection(snap connection.Snapshot) bool {
	key := connectionKey(snap)
	if !o.ending.BeginEnding(SpaceConnection, key) {
		return false
	}
	defer o.ending.EndEnding(SpaceConnection, key)

	if err := o.engine.Release(snap.ID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "releaseConnection",
			"connection_id": snap.ID,
			"error":         err.Error(),
		}).Warn("Media engine release failed")
	}
	o.conns.Remove(snap.ID)
	o.signaling.RemovePrefix(snap.ID + "/")
	o.frames.RemovePrefix(snap.ID + "/")
	// props carry a one-time key and cannot bootstrap another session
	o.keys.RemoveRemoteIdentity(snap.ID)
	return true
}

// connectionKey identifies one incarnation of a connection id.
func connectionKey(snap connection.Snapshot) string {
	return snap.ID + "@" + strconv.FormatInt(snap.CreatedAt.UnixNano(), 36)
}

func (o *Orchestrator) running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started && !o.stopped
}
