package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/callstate"
	"github.com/opd-ai/toxcall/config"
	"github.com/opd-ai/toxcall/connection"
	"github.com/opd-ai/toxcall/keystore"
	"github.com/opd-ai/toxcall/media"
	"github.com/opd-ai/toxcall/queue"
	"github.com/opd-ai/toxcall/ratchet"
	"github.com/opd-ai/toxcall/signaling"
	"github.com/opd-ai/toxcall/transport"
)

// Orchestrator owns one participant's calls. It serializes every
// encrypted signaling operation through a job queue, drives the media
// engine, and publishes call state transitions.
type Orchestrator struct {
	self      string
	opts      Options
	keys      *keystore.Store
	signaling *ratchet.Engine
	frames    *ratchet.Engine
	conns     *connection.Registry
	machine   *callstate.Machine
	queue     *queue.Queue
	engine    media.Engine
	transport transport.Transport
	ending    *Tracker

	candidateSeq atomic.Int64
	teardowns    atomic.Int64

	mu        sync.Mutex
	call      *callstate.Call
	direction *callstate.Direction
	// incarnation of the most recently installed call; outlives clearCall
	installedID  string
	installedGen uint64
	started   bool
	stopped   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	waitMu  sync.Mutex
	waiters map[string]chan struct{}
}

// New creates an orchestrator for the local participant self.
func New(self string, engine media.Engine, tr transport.Transport, opts ...Option) (*Orchestrator, error) {
	if self == "" {
		return nil, ErrNoParticipant
	}
	if engine == nil {
		return nil, ErrNoMediaEngine
	}
	if tr == nil {
		return nil, ErrNoTransport
	}

	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	options.normalize()

	keys, err := keystore.New(
		keystore.WithOneTimeKeyCount(options.OneTimeKeyCount),
		keystore.WithParkedTTL(options.ParkedTTL),
	)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		self:      self,
		opts:      options,
		keys:      keys,
		signaling: ratchet.NewEngine("signaling", options.RatchetSalt),
		frames:    ratchet.NewEngine("frames", options.RatchetSalt),
		conns:     connection.NewRegistry(),
		machine:   callstate.NewMachine(),
		engine:    engine,
		transport: tr,
		ending:    NewTracker(options.HistoryCapacity),
		waiters:   make(map[string]chan struct{}),
	}
	o.queue = queue.New(o, queue.Options{
		MaxAttempts: options.MaxAttempts,
		Cache:       options.Cache,
		OnFailure:   o.onJobFailure,
		OnOutcome:   o.onJobOutcome,
	})
	return o, nil
}

// Start creates the local identity, starts the media engine, subscribes
// to the transport and begins draining the job queue.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return ErrNotStarted
	}
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	if _, err := o.keys.CreateLocalIdentity(); err != nil {
		return err
	}
	if err := o.engine.Start(o.ctx); err != nil {
		return err
	}
	o.transport.OnEnvelope(o.receive)
	o.transport.OnCallEnded(o.peerEnded)

	o.wg.Add(1)
	go o.eventLoop(o.engine.Events())

	if err := o.queue.Start(); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Start",
		"participant": o.self,
	}).Info("Orchestrator started")
	return nil
}

// Shutdown ends the current call, stops the queue and the media engine,
// and wipes every session and identity. It is safe to call more than once.
func (o *Orchestrator) Shutdown() error {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.stopped = true
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	call := o.call
	o.mu.Unlock()

	if call != nil {
		if err := o.endCall(context.Background(), call, callstate.Ended(callstate.EndReasonUserEnded, call)); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Shutdown",
				"call_id":  call.SharedCommunicationID,
				"error":    err.Error(),
			}).Warn("Failed to end call during shutdown")
		}
	}

	o.transport.OnEnvelope(nil)
	o.transport.OnCallEnded(nil)
	o.cancel()
	qerr := o.queue.Stop()
	merr := o.engine.Shutdown()
	o.wg.Wait()

	o.conns.RemoveAll()
	o.signaling.Reset()
	o.frames.Reset()
	o.keys.Clear()
	o.machine.ResetState()

	logrus.WithFields(logrus.Fields{
		"function":    "Shutdown",
		"participant": o.self,
	}).Info("Orchestrator stopped")

	if qerr != nil {
		return qerr
	}
	return merr
}

// context returns the orchestrator lifetime context.
func (o *Orchestrator) context() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx == nil {
		return context.Background()
	}
	return o.ctx
}

// Participant returns the local participant id.
func (o *Orchestrator) Participant() string { return o.self }

// LocalProps returns the public identity props peers need to call us.
func (o *Orchestrator) LocalProps() (keystore.IdentityProps, error) {
	return o.keys.LocalProps()
}

// EncodedLocalProps returns LocalProps in wire form, suitable for
// Call.SignalingIdentityProps.
func (o *Orchestrator) EncodedLocalProps() ([]byte, error) {
	props, err := o.keys.LocalProps()
	if err != nil {
		return nil, err
	}
	return props.Encode()
}

// CreateRecipientIdentity stores the peer identity for connectionID and
// replays the envelopes parked while it was missing. Paused jobs are
// retried right away.
func (o *Orchestrator) CreateRecipientIdentity(connectionID string, props keystore.IdentityProps) error {
	parked, err := o.keys.CreateRecipientIdentity(connectionID, props)
	if err != nil {
		return err
	}
	for _, data := range parked {
		env, err := signaling.UnmarshalEnvelope(data)
		if err != nil {
			continue
		}
		if _, err := o.queue.SubmitStream(queue.StreamTask{
			SenderIdentity: env.SenderID,
			Packet:         data,
			Call:           o.callFor(env.RoutingID, env.SenderID),
		}); err != nil {
			return err
		}
	}
	if len(parked) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":      "CreateRecipientIdentity",
			"connection_id": connectionID,
			"replayed":      len(parked),
		}).Info("Replayed parked envelopes")
	}
	o.queue.Trigger()
	return nil
}

// ParkedCount returns how many envelopes wait for the identity of
// connectionID.
func (o *Orchestrator) ParkedCount(connectionID string) int {
	return o.keys.ParkedCount(connectionID)
}

// Subscribe returns a live stream of call states.
func (o *Orchestrator) Subscribe() *callstate.Subscription { return o.machine.Subscribe() }

// State returns the current call state.
func (o *Orchestrator) State() callstate.State { return o.machine.State() }

// Reset returns the state machine to waiting. Open subscriptions are
// closed after their buffered states are delivered.
func (o *Orchestrator) Reset() { o.machine.ResetState() }

// Call returns a copy of the current call, if any.
func (o *Orchestrator) Call() *callstate.Call {
	call, _ := o.current()
	return call.Clone()
}

// Connection returns a snapshot of one connection.
func (o *Orchestrator) Connection(connectionID string) (connection.Snapshot, bool) {
	return o.conns.Find(connectionID)
}

// PendingJobs returns the number of queued jobs.
func (o *Orchestrator) PendingJobs() int { return o.queue.Len() }

// Teardowns returns how many call teardowns actually ran.
func (o *Orchestrator) Teardowns() int64 { return o.teardowns.Load() }

// SubmitWrite queues an opaque payload for encryption and delivery on
// connectionID. The payload is expected to be an encoded signaling payload.
func (o *Orchestrator) SubmitWrite(connectionID string, payload []byte, flag signaling.Flag) (*queue.Job, error) {
	call, _ := o.current()
	return o.queue.SubmitWrite(queue.WriteTask{
		Payload:      payload,
		ConnectionID: connectionID,
		Flag:         flag,
		Call:         call,
	})
}

// receive is the transport's envelope handler.
func (o *Orchestrator) receive(from, connectionID string, data []byte) {
	env, err := signaling.UnmarshalEnvelope(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":      "receive",
			"from":          from,
			"connection_id": connectionID,
			"error":         err.Error(),
		}).Warn("Dropping undecodable envelope")
		return
	}
	if _, err := o.queue.SubmitStream(queue.StreamTask{
		SenderIdentity: from,
		Packet:         data,
		Call:           o.callFor(env.RoutingID, from),
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "receive",
			"from":     from,
			"error":    err.Error(),
		}).Warn("Failed to queue inbound envelope")
	}
}

// peerEnded is the transport's call-ended notice handler.
func (o *Orchestrator) peerEnded(from, callID string, reason callstate.EndReason) {
	call, _ := o.current()
	if call == nil || call.SharedCommunicationID != callID {
		return
	}
	peer := peerEndReason(reason)
	logrus.WithFields(logrus.Fields{
		"function": "peerEnded",
		"from":     from,
		"call_id":  callID,
		"reason":   peer.String(),
	}).Info("Peer reported call ended")
	if err := o.endCall(o.context(), call, callstate.Ended(peer, call)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "peerEnded",
			"call_id":  callID,
			"error":    err.Error(),
		}).Warn("Teardown did not finish")
	}
}

// callFor returns the call an inbound envelope routed by routingID
// belongs to.
func (o *Orchestrator) callFor(routingID, from string) *callstate.Call {
	if call, _ := o.current(); call != nil && call.SharedCommunicationID == routingID {
		return call
	}
	return &callstate.Call{
		SharedCommunicationID: routingID,
		Sender:                from,
		Recipients:            []string{o.self},
	}
}

func (o *Orchestrator) current() (*callstate.Call, *callstate.Direction) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.call, o.direction
}

func (o *Orchestrator) isCurrent(callID string) bool {
	call, _ := o.current()
	return call != nil && call.SharedCommunicationID == callID
}

// setCall replaces the current call. It fails when a different call is
// live.
func (o *Orchestrator) setCall(call *callstate.Call, dir *callstate.Direction) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call != nil && o.call.SharedCommunicationID != call.SharedCommunicationID {
		return fmt.Errorf("%w: %s", ErrCallActive, o.call.SharedCommunicationID)
	}
	if o.call == nil {
		o.installLocked(call.SharedCommunicationID)
	}
	o.call = call
	o.direction = dir
	return nil
}

// installLocked starts a new incarnation of callID. Caller holds o.mu.
func (o *Orchestrator) installLocked(callID string) {
	o.installedID = callID
	o.installedGen++
}

// teardownKey names the call incarnation a teardown of callID targets.
// Ids of earlier incarnations fall back to the bare id.
func (o *Orchestrator) teardownKey(callID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if callID != "" && callID == o.installedID {
		return callID + "@" + strconv.FormatUint(o.installedGen, 36)
	}
	return callID
}

func (o *Orchestrator) clearCall(callID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.call != nil && o.call.SharedCommunicationID == callID {
		o.call = nil
		o.direction = nil
	}
}

// frameKeyID is the key slot frames of participant are decrypted with.
func (o *Orchestrator) frameKeyID(participant string) string {
	if o.opts.FrameKeyMode == config.FrameKeyShared {
		return config.SharedFrameKeyID
	}
	return participant
}

// Session ids. Signaling sessions are directed so both peers can
// initiate at once; frame key sessions are namespaced under the
// connection so one prefix removal clears both engines.
func outSession(connID string) string { return connID + "/out" }

func inSession(connID string) string { return connID + "/in" }

func frameOutSession(connID, self string) string { return connID + "/media/" + self + "/out" }

func frameInSession(connID, sender string) string { return connID + "/media/" + sender + "/in" }
