// Package session ties the toxcall layers together into one call
// orchestrator per local participant.
//
// An Orchestrator owns the key store, the signaling and frame-key ratchet
// engines, the connection registry, the call state machine and the job
// queue. Application intents (StartCall, Answer, Hangup, SetVideo,
// DistributeFrameKey) become WriteTasks; envelopes from the transport
// become StreamTasks. Both run through the queue, so every ratchet
// operation happens on one goroutine in submission order.
//
// # Sessions
//
// Signaling ratchet sessions are directed. "<connection>/out" is the
// session the local side initiated and "<connection>/in" the one the peer
// initiated, so both sides can send first. Frame key sessions live under
// "<connection>/media/<participant>/out|in".
//
// # Identities
//
// Peers exchange keystore.IdentityProps out of band. A job that needs a
// peer identity which does not exist yet is paused. Inbound envelopes that
// exhaust the retry budget this way are parked in the key store and
// replayed by CreateRecipientIdentity. Props are single use: teardown
// removes the remote identity of every released connection.
//
// # Teardown
//
// Hangups, inbound end messages, transport notices and media failures all
// converge on one teardown routine guarded by a Tracker. The first caller
// claims the call key and releases resources; concurrent callers wait
// until it commits.
//
// Example:
//
//	orch, err := session.New("alice", engine, tr, session.WithConfig(cfg))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := orch.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer orch.Shutdown()
//
//	sub := orch.Subscribe()
//	defer sub.Cancel()
//	err = orch.StartCall(ctx, &callstate.Call{
//	    SharedCommunicationID: "call-1",
//	    Recipients:            []string{"bob"},
//	    SignalingIdentityProps: bobProps,
//	}, "alice-bob", "bob")
package session
