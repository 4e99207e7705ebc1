package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxcall/callerr"
	"github.com/opd-ai/toxcall/callstate"
	"github.com/opd-ai/toxcall/config"
	"github.com/opd-ai/toxcall/media"
	"github.com/opd-ai/toxcall/queue"
	"github.com/opd-ai/toxcall/ratchet"
	"github.com/opd-ai/toxcall/signaling"
	"github.com/opd-ai/toxcall/transport"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// ringing places a call from alice to bob over "ab" and waits until bob
// sees it. Both sides know each other's identity up front.
func ringing(t *testing.T, video bool, aliceOpts, bobOpts []Option) (alice, bob *party) {
	t.Helper()
	net := transport.NewNetwork()
	alice = newParty(t, net, "alice", aliceOpts...)
	bob = newParty(t, net, "bob", bobOpts...)
	require.NoError(t, bob.orch.CreateRecipientIdentity("ab", alice.props(t)))

	call := &callstate.Call{
		SharedCommunicationID:  "call-1",
		Recipients:             []string{"bob"},
		SupportsVideo:          video,
		SignalingIdentityProps: bob.encodedProps(t),
	}
	require.NoError(t, alice.orch.StartCall(context.Background(), call, "ab", "bob"))
	alice.await(t, callstate.StateConnecting)
	bob.await(t, callstate.StateReady)
	return alice, bob
}

// answered extends ringing until alice applied bob's answer.
func answered(t *testing.T, video bool, aliceOpts, bobOpts []Option) (alice, bob *party) {
	t.Helper()
	alice, bob = ringing(t, video, aliceOpts, bobOpts)
	require.NoError(t, bob.orch.Answer(context.Background()))
	bob.await(t, callstate.StateConnecting)
	require.Eventually(t, func() bool { return alice.engine.remote("ab") != nil }, waitFor, tick)
	return alice, bob
}

// connected extends answered with both peer connections reporting
// connected.
func connected(t *testing.T, video bool) (alice, bob *party) {
	t.Helper()
	alice, bob = answered(t, video, nil, nil)
	for _, p := range []*party{alice, bob} {
		p.engine.emit(media.Event{
			Kind:            media.EventConnectionStateChanged,
			ConnectionID:    "ab",
			ConnectionState: webrtc.PeerConnectionStateConnected,
		})
		p.await(t, callstate.StateConnected)
	}
	return alice, bob
}

func candidateEvent(connID, line string) media.Event {
	return media.Event{
		Kind:         media.EventICECandidateGenerated,
		ConnectionID: connID,
		Candidate:    &webrtc.ICECandidateInit{Candidate: line},
	}
}

func TestNewValidation(t *testing.T) {
	net := transport.NewNetwork()
	tests := []struct {
		name   string
		self   string
		engine media.Engine
		tr     transport.Transport
		want   error
	}{
		{"empty participant", "", newFakeEngine(), net.Endpoint("x"), ErrNoParticipant},
		{"no engine", "alice", nil, net.Endpoint("y"), ErrNoMediaEngine},
		{"no transport", "alice", newFakeEngine(), nil, ErrNoTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.self, tt.engine, tt.tr)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, callerr.ClassConfiguration, callerr.Classify(err))
		})
	}
}

func TestZeroOptionsSelectDefaults(t *testing.T) {
	net := transport.NewNetwork()
	zero := config.Default()
	zero.Negotiation.RemoteDescriptionAttempts = 0
	zero.Negotiation.RemoteDescriptionInterval = 0
	zero.Queue.MaxAttempts = 0
	zero.Teardown.HistoryCapacity = -1

	orch, err := New("alice", newFakeEngine(), net.Endpoint("alice"), WithConfig(zero))
	require.NoError(t, err)
	def := config.Default()
	assert.Equal(t, def.Negotiation.RemoteDescriptionAttempts, orch.opts.RemoteDescriptionAttempts)
	assert.Equal(t, def.Negotiation.RemoteDescriptionInterval, orch.opts.RemoteDescriptionInterval)
	assert.Equal(t, def.Queue.MaxAttempts, orch.opts.MaxAttempts)
	assert.Equal(t, def.Teardown.HistoryCapacity, orch.opts.HistoryCapacity)
	assert.Equal(t, config.FrameKeyPerParticipant, orch.opts.FrameKeyMode)

	_, bob := ringing(t, false, nil, []Option{WithNegotiationBounds(0, 0)})
	assert.NotPanics(t, func() {
		require.NoError(t, bob.orch.Answer(context.Background()))
	})
	bob.await(t, callstate.StateConnecting)
}

func TestStartCallRequiresStart(t *testing.T) {
	net := transport.NewNetwork()
	orch, err := New("alice", newFakeEngine(), net.Endpoint("alice"))
	require.NoError(t, err)
	err = orch.StartCall(context.Background(), &callstate.Call{SharedCommunicationID: "c"}, "ab", "bob")
	assert.ErrorIs(t, err, ErrNotStarted)

	err = orch.StartCall(context.Background(), &callstate.Call{}, "ab", "bob")
	assert.ErrorIs(t, err, ErrInvalidCall)
}

func TestCallLifecycle(t *testing.T) {
	alice, bob := ringing(t, true, nil, nil)

	incoming := bob.orch.Call()
	require.NotNil(t, incoming)
	assert.Equal(t, "alice", incoming.Sender)
	assert.True(t, incoming.SupportsVideo)
	assert.NotEmpty(t, incoming.SignalingIdentityProps)

	// gathered before the answer: held back until the peer can apply it
	alice.engine.emit(candidateEvent("ab", "candidate:1 1 udp 2122260223 10.0.0.1 50001 typ host"))
	require.Eventually(t, func() bool {
		snap, ok := alice.orch.Connection("ab")
		return ok && snap.PendingOutbound == 1
	}, waitFor, tick)

	require.NoError(t, bob.orch.Answer(context.Background()))
	st := bob.await(t, callstate.StateConnecting)
	assert.Equal(t, callstate.Inbound(callstate.KindVideo), st.Direction)

	require.Eventually(t, func() bool {
		return len(bob.engine.candidates("ab")) == 1
	}, waitFor, tick, "buffered candidate flushed after the answer")

	// bob is ready for candidates once he answered
	bob.engine.emit(candidateEvent("ab", "candidate:2 1 udp 2122260223 10.0.0.2 50002 typ host"))
	require.Eventually(t, func() bool {
		return len(alice.engine.candidates("ab")) == 1
	}, waitFor, tick)

	alice.engine.emit(media.Event{
		Kind:            media.EventConnectionStateChanged,
		ConnectionID:    "ab",
		ConnectionState: webrtc.PeerConnectionStateConnected,
	})
	st = alice.await(t, callstate.StateConnected)
	assert.Equal(t, callstate.Outbound(callstate.KindVideo), st.Direction)

	snap, ok := alice.orch.Connection("ab")
	require.True(t, ok)
	assert.Equal(t, "bob", snap.Participant)
	assert.True(t, snap.Initiator)

	require.NoError(t, alice.orch.Hangup(context.Background()))
	st = alice.await(t, callstate.StateEnded)
	assert.Equal(t, callstate.EndReasonUserEnded, st.EndReason)
	st = bob.await(t, callstate.StateEnded)
	assert.Equal(t, callstate.EndReasonPartnerEnded, st.EndReason)

	for _, p := range []*party{alice, bob} {
		require.Eventually(t, func() bool {
			_, ok := p.orch.Connection("ab")
			return !ok && p.orch.Call() == nil
		}, waitFor, tick)
		assert.Equal(t, int64(1), p.orch.Teardowns())
		assert.Equal(t, []string{"ab"}, p.engine.releasedIDs())
		signalingCount, frameCount := p.orch.ratchetSessions()
		assert.Zero(t, signalingCount)
		assert.Zero(t, frameCount)
	}
	assert.Equal(t, []callstate.EndReason{callstate.EndReasonUserEnded}, alice.tr.Ended())
}

func TestHangupReasons(t *testing.T) {
	t.Run("caller cancels", func(t *testing.T) {
		alice, bob := ringing(t, false, nil, nil)
		require.NoError(t, alice.orch.Hangup(context.Background()))
		assert.Equal(t, callstate.EndReasonUserInitiatedUnanswered, alice.await(t, callstate.StateEnded).EndReason)
		assert.Equal(t, callstate.EndReasonPartnerInitiatedUnanswered, bob.await(t, callstate.StateEnded).EndReason)
	})

	t.Run("callee declines", func(t *testing.T) {
		alice, bob := ringing(t, false, nil, nil)
		require.NoError(t, bob.orch.Decline(context.Background()))
		assert.Equal(t, callstate.EndReasonDeclined, bob.await(t, callstate.StateEnded).EndReason)
		assert.Equal(t, callstate.EndReasonDeclined, alice.await(t, callstate.StateEnded).EndReason)
	})

	t.Run("no call", func(t *testing.T) {
		alice, _ := ringing(t, false, nil, nil)
		require.NoError(t, alice.orch.Hangup(context.Background()))
		alice.await(t, callstate.StateEnded)
		assert.ErrorIs(t, alice.orch.Hangup(context.Background()), ErrNoActiveCall)
	})
}

func TestOfferWaitsForIdentities(t *testing.T) {
	net := transport.NewNetwork()
	alice := newParty(t, net, "alice")
	bob := newParty(t, net, "bob")

	call := &callstate.Call{SharedCommunicationID: "call-1", Recipients: []string{"bob"}}
	require.NoError(t, alice.orch.StartCall(context.Background(), call, "ab", "bob"))
	alice.await(t, callstate.StateConnecting)

	// the offer stays queued until alice knows bob
	require.Eventually(t, func() bool { return alice.orch.PendingJobs() == 1 }, waitFor, tick)
	assert.Empty(t, alice.tr.Sent())

	require.NoError(t, alice.orch.CreateRecipientIdentity("ab", bob.props(t)))
	require.Eventually(t, func() bool { return alice.orch.PendingJobs() == 0 }, waitFor, tick)

	// and bob cannot open it until he knows alice
	require.Eventually(t, func() bool { return bob.orch.PendingJobs() == 1 }, waitFor, tick)
	assert.Equal(t, callstate.StateWaiting, bob.orch.State().Kind)

	require.NoError(t, bob.orch.CreateRecipientIdentity("ab", alice.props(t)))
	bob.await(t, callstate.StateReady)
	assert.Zero(t, bob.orch.PendingJobs())
}

func TestParkedEnvelopesReplay(t *testing.T) {
	net := transport.NewNetwork()
	alice := newParty(t, net, "alice")
	bob := newParty(t, net, "bob", WithMaxAttempts(1))

	call := &callstate.Call{
		SharedCommunicationID:  "call-1",
		Recipients:             []string{"bob"},
		SignalingIdentityProps: bob.encodedProps(t),
	}
	require.NoError(t, alice.orch.StartCall(context.Background(), call, "ab", "bob"))

	require.Eventually(t, func() bool {
		return bob.orch.ParkedCount("ab") == 1 && bob.orch.PendingJobs() == 0
	}, waitFor, tick)
	assert.Equal(t, callstate.StateWaiting, bob.orch.State().Kind)

	require.NoError(t, bob.orch.CreateRecipientIdentity("ab", alice.props(t)))
	st := bob.await(t, callstate.StateReady)
	assert.Equal(t, "call-1", st.Call.SharedCommunicationID)
	assert.Zero(t, bob.orch.ParkedCount("ab"))
}

func TestConcurrentTeardownRunsOnce(t *testing.T) {
	alice, _ := answered(t, false, nil, nil)
	call := alice.orch.Call()
	require.NotNil(t, call)
	_, dir := alice.orch.current()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				errs <- alice.orch.endCall(context.Background(), call, callstate.Ended(callstate.EndReasonUserEnded, call))
				return
			}
			errs <- alice.orch.fail(context.Background(), call, dir, callstate.CausePeerConnectionFailed, callstate.PeerConnectionFailedReason)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, int64(1), alice.orch.Teardowns())
	assert.Equal(t, []string{"ab"}, alice.engine.releasedIDs())
	assert.True(t, alice.orch.State().IsTerminal())
	assert.Nil(t, alice.orch.Call())
	assert.True(t, alice.orch.ending.Finalized(SpaceCall, "call-1"))
}

func TestRedialSameCallID(t *testing.T) {
	net := transport.NewNetwork()
	alice := newParty(t, net, "alice")
	bob := newParty(t, net, "bob")
	ctx := context.Background()

	for round := 0; round < 2; round++ {
		require.NoError(t, bob.orch.CreateRecipientIdentity("ab", alice.props(t)))
		require.NoError(t, alice.orch.StartCall(ctx, &callstate.Call{
			SharedCommunicationID:  "call-1",
			Recipients:             []string{"bob"},
			SignalingIdentityProps: bob.encodedProps(t),
		}, "ab", "bob"), "round %d", round)
		alice.await(t, callstate.StateConnecting)
		bob.await(t, callstate.StateReady)

		require.NoError(t, alice.orch.Hangup(ctx))
		assert.Equal(t, callstate.EndReasonUserInitiatedUnanswered, alice.await(t, callstate.StateEnded).EndReason)
		assert.Equal(t, callstate.EndReasonPartnerInitiatedUnanswered, bob.await(t, callstate.StateEnded).EndReason)
		require.Eventually(t, func() bool {
			_, aliceConn := alice.orch.Connection("ab")
			_, bobConn := bob.orch.Connection("ab")
			return alice.orch.Call() == nil && bob.orch.Call() == nil && !aliceConn && !bobConn
		}, waitFor, tick, "round %d", round)
	}
	assert.Equal(t, int64(2), alice.orch.Teardowns())
	assert.Equal(t, int64(2), bob.orch.Teardowns())

	require.NoError(t, bob.orch.CreateRecipientIdentity("ab", alice.props(t)))
	require.NoError(t, alice.orch.StartCall(ctx, &callstate.Call{
		SharedCommunicationID:  "call-2",
		Recipients:             []string{"bob"},
		SignalingIdentityProps: bob.encodedProps(t),
	}, "ab", "bob"))
	assert.Equal(t, "call-2", bob.await(t, callstate.StateReady).Call.SharedCommunicationID)
}

func TestPeerConnectionFailure(t *testing.T) {
	alice, bob := connected(t, true)

	alice.engine.emit(media.Event{
		Kind:            media.EventConnectionStateChanged,
		ConnectionID:    "ab",
		ConnectionState: webrtc.PeerConnectionStateFailed,
	})
	st := alice.await(t, callstate.StateFailed)
	assert.Equal(t, callstate.Outbound(callstate.KindVideo), st.Direction)
	assert.Equal(t, callstate.PeerConnectionFailedReason, st.Reason)
	reason, ok := st.ReportedEndReason()
	require.True(t, ok)
	assert.Equal(t, callstate.EndReasonUserInitiatedUnanswered, reason)

	st = bob.await(t, callstate.StateEnded)
	assert.Equal(t, callstate.EndReasonPartnerInitiatedUnanswered, st.EndReason)
}

func TestGroupLegFailure(t *testing.T) {
	net := transport.NewNetwork()
	alice := newParty(t, net, "alice")
	bob := newParty(t, net, "bob")
	carol := newParty(t, net, "carol")

	call := &callstate.Call{
		SharedCommunicationID:  "room-1",
		Recipients:             []string{"bob", "carol"},
		SignalingIdentityProps: bob.encodedProps(t),
	}
	require.NoError(t, alice.orch.StartCall(context.Background(), call, "ab", "bob"))
	require.NoError(t, alice.orch.CreateRecipientIdentity("ac", carol.props(t)))
	require.NoError(t, alice.orch.AddConnection(context.Background(), "ac", "carol"))
	alice.await(t, callstate.StateConnecting)

	failed := func(connID string) {
		alice.engine.emit(media.Event{
			Kind:            media.EventConnectionStateChanged,
			ConnectionID:    connID,
			ConnectionState: webrtc.PeerConnectionStateFailed,
		})
	}

	failed("ab")
	require.Eventually(t, func() bool {
		_, ok := alice.orch.Connection("ab")
		return !ok
	}, waitFor, tick)
	_, ok := alice.orch.Connection("ac")
	assert.True(t, ok, "the other leg survives")
	assert.Equal(t, callstate.StateConnecting, alice.orch.State().Kind)
	assert.Zero(t, alice.orch.Teardowns())

	failed("ac")
	st := alice.await(t, callstate.StateFailed)
	assert.Equal(t, callstate.CausePeerConnectionFailed, st.Cause)
	assert.Equal(t, int64(1), alice.orch.Teardowns())
	assert.ElementsMatch(t, []string{"ab", "ac"}, alice.engine.releasedIDs())
}

func TestNetworkFailureFailsCall(t *testing.T) {
	net := transport.NewNetwork()
	alice := newParty(t, net, "alice")
	bob := newParty(t, net, "bob")

	// dave has no endpoint on the network
	call := &callstate.Call{
		SharedCommunicationID:  "call-9",
		Recipients:             []string{"dave"},
		SignalingIdentityProps: bob.encodedProps(t),
	}
	require.NoError(t, alice.orch.StartCall(context.Background(), call, "ad", "dave"))
	st := alice.await(t, callstate.StateFailed)
	assert.Equal(t, callstate.CauseNetwork, st.Cause)
	reason, _ := st.ReportedEndReason()
	assert.Equal(t, callstate.EndReasonFailed, reason)
}

func TestMediaFailureFailsCall(t *testing.T) {
	net := transport.NewNetwork()
	alice := newParty(t, net, "alice")
	alice.engine.failCreateOffer = fmt.Errorf("no codecs")

	call := &callstate.Call{SharedCommunicationID: "call-2", Recipients: []string{"bob"}}
	err := alice.orch.StartCall(context.Background(), call, "ab", "bob")
	require.Error(t, err)
	assert.Equal(t, callerr.ClassMedia, callerr.Classify(err))

	st := alice.await(t, callstate.StateFailed)
	assert.Equal(t, callstate.CauseMedia, st.Cause)
	assert.Equal(t, []string{"ab"}, alice.engine.releasedIDs())
}

func TestRatchetBudgetFailsCall(t *testing.T) {
	alice, _ := answered(t, false, nil, nil)
	call := alice.orch.Call()

	job := &queue.Job{ID: "j1", Write: &queue.WriteTask{ConnectionID: "ab", Flag: signaling.FlagCandidate, Call: call}}
	alice.orch.onJobFailure(job, fmt.Errorf("%w after 8 attempts: %w", callerr.ErrRetryBudgetExhausted, callerr.ErrRatchet))

	st := alice.await(t, callstate.StateFailed)
	assert.Equal(t, callstate.CauseRatchet, st.Cause)
	assert.Equal(t, RatchetExhaustedReason, st.Reason)
	assert.Equal(t, callstate.Outbound(callstate.KindVoice), st.Direction)
	reason, _ := st.ReportedEndReason()
	assert.Equal(t, callstate.EndReasonFailed, reason)
}

func TestCorruptedEnvelopeIsDropped(t *testing.T) {
	alice, bob := connected(t, false)
	ctx := context.Background()

	bob.tr.Pause()
	require.NoError(t, alice.orch.Hold(ctx))
	require.Eventually(t, func() bool { return bob.tr.Pending() == 1 }, waitFor, tick)

	sent := alice.tr.Sent()
	env, err := signaling.UnmarshalEnvelope(sent[len(sent)-1].Data)
	require.NoError(t, err)
	env.Ciphertext = append([]byte(nil), env.Ciphertext...)
	env.Ciphertext[0] ^= 0xff
	corrupted, err := env.Marshal()
	require.NoError(t, err)

	// the corrupted copy overtakes the genuine one
	bob.orch.receive("alice", "ab", corrupted)
	bob.tr.Resume()

	st := bob.await(t, callstate.StateHeld)
	assert.Equal(t, "call-1", st.Call.SharedCommunicationID)
	require.Eventually(t, func() bool { return bob.orch.PendingJobs() == 0 }, waitFor, tick)

	require.NoError(t, alice.orch.Resume(ctx))
	bob.await(t, callstate.StateConnected)
	assert.Equal(t, int64(0), bob.orch.Teardowns())
}

func TestHoldResumeAndVideoUpgrade(t *testing.T) {
	alice, bob := connected(t, false)
	ctx := context.Background()

	require.NoError(t, alice.orch.Hold(ctx))
	alice.await(t, callstate.StateHeld)
	bob.await(t, callstate.StateHeld)

	require.NoError(t, alice.orch.Resume(ctx))
	alice.await(t, callstate.StateConnected)
	bob.await(t, callstate.StateConnected)

	require.NoError(t, alice.orch.SetVideo(ctx, true))
	st := alice.await(t, callstate.StateConnected)
	assert.True(t, st.Call.SupportsVideo)
	assert.Equal(t, callstate.Outbound(callstate.KindVideo), st.Direction)

	st = bob.await(t, callstate.StateConnected)
	assert.True(t, st.Call.SupportsVideo)
	assert.Equal(t, callstate.Inbound(callstate.KindVideo), st.Direction)

	// bob answered the renegotiation
	require.Eventually(t, func() bool {
		remote := alice.engine.remote("ab")
		if remote == nil {
			return false
		}
		summary, err := signaling.InspectSDP(remote.SDP)
		return err == nil && summary.Video
	}, waitFor, tick)

	require.NoError(t, alice.orch.SetVideo(ctx, false))
	require.Eventually(t, func() bool {
		st := bob.orch.State()
		return st.Kind == callstate.StateConnected && !st.Call.SupportsVideo
	}, waitFor, tick)
}

func TestDistributeFrameKey(t *testing.T) {
	tests := []struct {
		name  string
		mode  config.FrameKeyMode
		slot  string
		local string
	}{
		{"per participant", config.FrameKeyPerParticipant, "alice", "alice"},
		{"shared", config.FrameKeyShared, config.SharedFrameKeyID, config.SharedFrameKeyID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := []Option{WithFrameKeyMode(tt.mode)}
			alice, bob := answered(t, false, opts, opts)

			require.NoError(t, alice.orch.DistributeFrameKey(context.Background(), 7))
			sent := alice.engine.frameKey(tt.local, 7)
			require.Len(t, sent, FrameKeySize)

			require.Eventually(t, func() bool {
				return len(bob.engine.frameKey(tt.slot, 7)) == FrameKeySize
			}, waitFor, tick)
			assert.Equal(t, sent, bob.engine.frameKey(tt.slot, 7))

			_, frameCount := bob.orch.ratchetSessions()
			assert.Equal(t, 1, frameCount)
		})
	}
}

func TestBusyRejectsSecondCall(t *testing.T) {
	net := transport.NewNetwork()
	alice := newParty(t, net, "alice")
	bob := newParty(t, net, "bob")
	carol := newParty(t, net, "carol")

	require.NoError(t, bob.orch.CreateRecipientIdentity("ab", alice.props(t)))
	require.NoError(t, alice.orch.StartCall(context.Background(), &callstate.Call{
		SharedCommunicationID:  "call-1",
		Recipients:             []string{"bob"},
		SignalingIdentityProps: bob.encodedProps(t),
	}, "ab", "bob"))
	bob.await(t, callstate.StateReady)

	require.NoError(t, bob.orch.CreateRecipientIdentity("cb", carol.props(t)))
	require.NoError(t, carol.orch.StartCall(context.Background(), &callstate.Call{
		SharedCommunicationID:  "call-2",
		Recipients:             []string{"bob"},
		SignalingIdentityProps: bob.encodedProps(t),
	}, "cb", "bob"))

	require.Eventually(t, func() bool {
		signalingCount, _ := bob.orch.ratchetSessions()
		return signalingCount == 2 && bob.orch.PendingJobs() == 0
	}, waitFor, tick)
	_, ok := bob.orch.Connection("cb")
	assert.False(t, ok)
	assert.Equal(t, "call-1", bob.orch.Call().SharedCommunicationID)
}

func TestProcessStreamRejectsForgedEnvelopes(t *testing.T) {
	net := transport.NewNetwork()
	alice := newParty(t, net, "alice")
	bob := newParty(t, net, "bob")
	require.NoError(t, bob.orch.CreateRecipientIdentity("ab", alice.props(t)))

	packet := func(connID string, hs *ratchet.Handshake) []byte {
		env := &signaling.Envelope{
			RoutingID:    "call-x",
			SenderID:     "alice",
			ConnectionID: connID,
			Header:       ratchet.Header{Handshake: hs},
			Ciphertext:   make([]byte, 32),
			Flag:         signaling.FlagOffer,
		}
		data, err := env.Marshal()
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name   string
		task   *queue.StreamTask
		target error
		class  callerr.Class
	}{
		{
			name:   "sender spoofed",
			task:   &queue.StreamTask{SenderIdentity: "mallory", Packet: packet("ab", nil)},
			target: ErrSenderMismatch,
			class:  callerr.ClassOther,
		},
		{
			name:   "foreign handshake identity",
			task:   &queue.StreamTask{SenderIdentity: "alice", Packet: packet("ab", &ratchet.Handshake{IdentityKey: [32]byte{1}})},
			target: ErrIdentityMismatch,
			class:  callerr.ClassIdentity,
		},
		{
			name:   "unknown connection",
			task:   &queue.StreamTask{SenderIdentity: "alice", Packet: packet("zz", nil)},
			target: callerr.ErrMissingIdentity,
			class:  callerr.ClassIdentity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bob.orch.processStream(context.Background(), tt.task)
			require.ErrorIs(t, err, tt.target)
			assert.Equal(t, tt.class, callerr.Classify(err))
		})
	}
}

func TestTrackAndDataEvents(t *testing.T) {
	var mu sync.Mutex
	var tracks []media.Track
	var data []string
	opts := []Option{
		WithParticipantResolver(func(streamID string) string {
			if streamID == "stream-carol" {
				return "carol"
			}
			return ""
		}),
		WithTrackHandler(func(_ string, tr media.Track) {
			mu.Lock()
			tracks = append(tracks, tr)
			mu.Unlock()
		}),
		WithDataHandler(func(_, label string, payload []byte) {
			mu.Lock()
			data = append(data, label+":"+string(payload))
			mu.Unlock()
		}),
	}
	alice, _ := ringing(t, false, opts, nil)

	alice.engine.emit(media.Event{Kind: media.EventTrackAdded, Handle: "pc-1", Track: &media.Track{ID: "t1", StreamID: "stream-carol", Kind: "audio"}})
	alice.engine.emit(media.Event{Kind: media.EventTrackAdded, ConnectionID: "ab", Track: &media.Track{ID: "t2", StreamID: "raw", Kind: "video"}})
	alice.engine.emit(media.Event{Kind: media.EventDataChannelMessage, ConnectionID: "ab", Label: "chat", Data: []byte("hi")})
	alice.engine.emit(media.Event{Kind: media.EventTrackAdded, ConnectionID: "unknown", Track: &media.Track{ID: "t3"}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tracks) == 2 && len(data) == 1
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "carol", tracks[0].Participant, "resolved through the stream id")
	assert.Equal(t, "bob", tracks[1].Participant, "falls back to the connection peer")
	assert.Equal(t, []string{"chat:hi"}, data)
}

func TestShutdownWipesState(t *testing.T) {
	alice, bob := answered(t, false, nil, nil)
	require.NoError(t, alice.orch.Shutdown())

	assert.Equal(t, callstate.StateWaiting, alice.orch.State().Kind)
	_, ok := alice.orch.Connection("ab")
	assert.False(t, ok)
	signalingCount, frameCount := alice.orch.ratchetSessions()
	assert.Zero(t, signalingCount)
	assert.Zero(t, frameCount)
	_, err := alice.orch.LocalProps()
	assert.ErrorIs(t, err, callerr.ErrMissingIdentity)

	assert.Equal(t, callstate.EndReasonPartnerEnded, bob.await(t, callstate.StateEnded).EndReason)
	assert.NoError(t, alice.orch.Shutdown(), "second shutdown is a no-op")
	assert.ErrorIs(t, alice.orch.Start(context.Background()), ErrNotStarted)
}
