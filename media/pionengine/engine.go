package pionengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/media"
)

const eventBuffer = 256

type frameKeyID struct {
	participant string
	index       uint32
}

type peer struct {
	handle string
	pc     *webrtc.PeerConnection
}

// Engine implements media.Engine with one pion PeerConnection per
// connection id.
//
// pion has no frame cryptor, so frame keys are kept in a keyring that an
// application frame transformer reads through FrameKey.
type Engine struct {
	config webrtc.Configuration

	mu      sync.Mutex
	peers   map[string]*peer
	keys    map[frameKeyID][]byte
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	// sendMu guards events against a close racing a late pion callback.
	sendMu sync.RWMutex
	closed bool
	events chan media.Event
}

var _ media.Engine = (*Engine)(nil)

// New creates an engine using the given ICE servers.
func New(iceServers []webrtc.ICEServer) *Engine {
	return &Engine{
		config: webrtc.Configuration{ICEServers: iceServers},
		peers:  make(map[string]*peer),
		keys:   make(map[frameKeyID][]byte),
		events: make(chan media.Event, eventBuffer),
	}
}

// Start enables the engine. Connections can only be opened once started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true

	logrus.WithFields(logrus.Fields{
		"function":    "Start",
		"ice_servers": len(e.config.ICEServers),
	}).Info("Media engine started")
	return nil
}

// Shutdown closes every peer connection and the event channel.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.cancel()
	peers := e.peers
	e.peers = make(map[string]*peer)
	for k := range e.keys {
		delete(e.keys, k)
	}
	e.mu.Unlock()

	var firstErr error
	for id, p := range peers {
		if err := p.pc.Close(); err != nil && firstErr == nil {
			firstErr = media.Wrap("close "+id, err)
		}
	}
	e.sendMu.Lock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	e.sendMu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "Shutdown",
		"closed":   len(peers),
	}).Info("Media engine shut down")
	return firstErr
}

// Events returns the notification channel.
func (e *Engine) Events() <-chan media.Event {
	return e.events
}

func (e *Engine) emit(ev media.Event) {
	e.mu.Lock()
	ctx := e.ctx
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

// Open creates the peer connection for connectionID.
func (e *Engine) Open(connectionID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return "", media.ErrNotStarted
	}
	if p, ok := e.peers[connectionID]; ok {
		return p.handle, nil
	}

	pc, err := webrtc.NewPeerConnection(e.config)
	if err != nil {
		return "", media.Wrap("new peer connection", err)
	}
	p := &peer{handle: uuid.NewString(), pc: pc}
	e.peers[connectionID] = p
	e.wire(connectionID, p)

	logrus.WithFields(logrus.Fields{
		"function":      "Open",
		"connection_id": connectionID,
		"handle":        p.handle,
	}).Debug("Opened peer connection")
	return p.handle, nil
}

func (e *Engine) wire(connectionID string, p *peer) {
	base := media.Event{ConnectionID: connectionID, Handle: p.handle}

	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			ev := base
			ev.Kind = media.EventICEGatheringChanged
			ev.GatheringComplete = true
			e.emit(ev)
			return
		}
		init := c.ToJSON()
		ev := base
		ev.Kind = media.EventICECandidateGenerated
		ev.Candidate = &init
		e.emit(ev)
	})
	p.pc.OnSignalingStateChange(func(s webrtc.SignalingState) {
		ev := base
		ev.Kind = media.EventSignalingStateChanged
		ev.SignalingState = s
		e.emit(ev)
	})
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		ev := base
		ev.Kind = media.EventConnectionStateChanged
		ev.ConnectionState = s
		e.emit(ev)
	})
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		ev := base
		ev.Kind = media.EventTrackAdded
		ev.Track = &media.Track{ID: t.ID(), StreamID: t.StreamID(), Kind: t.Kind().String()}
		e.emit(ev)
	})
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		label := dc.Label()
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			ev := base
			ev.Kind = media.EventDataChannelMessage
			ev.Label = label
			ev.Data = append([]byte(nil), msg.Data...)
			e.emit(ev)
		})
	})
}

func (e *Engine) peer(connectionID string) (*webrtc.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, media.ErrNotStarted
	}
	p, ok := e.peers[connectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", media.ErrUnknownConnection, connectionID)
	}
	return p.pc, nil
}

// Release closes the peer connection of connectionID.
func (e *Engine) Release(connectionID string) error {
	e.mu.Lock()
	p, ok := e.peers[connectionID]
	delete(e.peers, connectionID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if err := p.pc.Close(); err != nil {
		return media.Wrap("close", err)
	}
	return nil
}

// ensureTransceivers adds a sendrecv transceiver for each requested kind
// that has none yet.
func ensureTransceivers(pc *webrtc.PeerConnection, hasAudio, hasVideo bool) error {
	have := map[webrtc.RTPCodecType]bool{}
	for _, tr := range pc.GetTransceivers() {
		have[tr.Kind()] = true
	}
	want := []struct {
		kind webrtc.RTPCodecType
		on   bool
	}{
		{webrtc.RTPCodecTypeAudio, hasAudio},
		{webrtc.RTPCodecTypeVideo, hasVideo},
	}
	for _, w := range want {
		if !w.on || have[w.kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(w.kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			return err
		}
	}
	return nil
}

// CreateOffer creates an offer covering the requested media kinds.
func (e *Engine) CreateOffer(_ context.Context, connectionID string, hasAudio, hasVideo bool) (webrtc.SessionDescription, error) {
	pc, err := e.peer(connectionID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := ensureTransceivers(pc, hasAudio, hasVideo); err != nil {
		return webrtc.SessionDescription{}, media.Wrap("add transceiver", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, media.Wrap("create offer", err)
	}
	return offer, nil
}

// CreateAnswer answers the applied remote offer.
func (e *Engine) CreateAnswer(_ context.Context, connectionID string, hasAudio, hasVideo bool) (webrtc.SessionDescription, error) {
	pc, err := e.peer(connectionID)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := ensureTransceivers(pc, hasAudio, hasVideo); err != nil {
		return webrtc.SessionDescription{}, media.Wrap("add transceiver", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, media.Wrap("create answer", err)
	}
	return answer, nil
}

// SetLocalDescription applies a local description and starts gathering.
func (e *Engine) SetLocalDescription(_ context.Context, connectionID string, desc webrtc.SessionDescription) error {
	pc, err := e.peer(connectionID)
	if err != nil {
		return err
	}
	return media.Wrap("set local description", pc.SetLocalDescription(desc))
}

// SetRemoteDescription applies the peer's description.
func (e *Engine) SetRemoteDescription(_ context.Context, connectionID string, desc webrtc.SessionDescription) error {
	pc, err := e.peer(connectionID)
	if err != nil {
		return err
	}
	return media.Wrap("set remote description", pc.SetRemoteDescription(desc))
}

// AddICECandidate applies a remote candidate.
func (e *Engine) AddICECandidate(_ context.Context, connectionID string, candidate webrtc.ICECandidateInit) error {
	pc, err := e.peer(connectionID)
	if err != nil {
		return err
	}
	return media.Wrap("add ice candidate", pc.AddICECandidate(candidate))
}

// SetFrameEncryptionKey stores a frame key in the keyring.
func (e *Engine) SetFrameEncryptionKey(participantID string, index uint32, key []byte) error {
	if len(key) == 0 {
		return media.Wrap("set frame key", fmt.Errorf("empty key for %s", participantID))
	}
	e.mu.Lock()
	e.keys[frameKeyID{participant: participantID, index: index}] = append([]byte(nil), key...)
	e.mu.Unlock()
	return nil
}

// FrameKey returns a copy of the frame key of a participant.
func (e *Engine) FrameKey(participantID string, index uint32) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	k, ok := e.keys[frameKeyID{participant: participantID, index: index}]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), k...), true
}
