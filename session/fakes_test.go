package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxcall/callstate"
	"github.com/opd-ai/toxcall/keystore"
	"github.com/opd-ai/toxcall/media"
	"github.com/opd-ai/toxcall/transport"
)

func fakeSDP(hasAudio, hasVideo bool) string {
	var b strings.Builder
	b.WriteString("v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n")
	if hasAudio {
		b.WriteString("m=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:111 opus/48000/2\r\na=sendrecv\r\n")
	}
	if hasVideo {
		b.WriteString("m=video 9 UDP/TLS/RTP/SAVPF 96\r\nc=IN IP4 0.0.0.0\r\na=rtpmap:96 VP8/90000\r\na=sendrecv\r\n")
	}
	return b.String()
}

type fakePeer struct {
	handle     string
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
}

// fakeEngine records every media operation and lets tests inject events.
type fakeEngine struct {
	mu       sync.Mutex
	started  bool
	closed   bool
	events   chan media.Event
	peers    map[string]*fakePeer
	keys     map[string][]byte
	released []string
	opened   int

	failCreateOffer error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		events: make(chan media.Event, 64),
		peers:  make(map[string]*fakePeer),
		keys:   make(map[string][]byte),
	}
}

func (e *fakeEngine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = true
	return nil
}

func (e *fakeEngine) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	return nil
}

func (e *fakeEngine) Open(id string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return "", media.ErrNotStarted
	}
	if p, ok := e.peers[id]; ok {
		return p.handle, nil
	}
	e.opened++
	p := &fakePeer{handle: fmt.Sprintf("pc-%d", e.opened)}
	e.peers[id] = p
	return p.handle, nil
}

func (e *fakeEngine) Release(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.peers, id)
	e.released = append(e.released, id)
	return nil
}

func (e *fakeEngine) peer(id string) (*fakePeer, error) {
	p, ok := e.peers[id]
	if !ok {
		return nil, media.ErrUnknownConnection
	}
	return p, nil
}

func (e *fakeEngine) CreateOffer(_ context.Context, id string, hasAudio, hasVideo bool) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failCreateOffer != nil {
		return webrtc.SessionDescription{}, e.failCreateOffer
	}
	if _, err := e.peer(id); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fakeSDP(hasAudio, hasVideo)}, nil
}

func (e *fakeEngine) CreateAnswer(_ context.Context, id string, hasAudio, hasVideo bool) (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.peer(id)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if p.remote == nil {
		return webrtc.SessionDescription{}, media.Wrap("create answer", fmt.Errorf("no remote description"))
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fakeSDP(hasAudio, hasVideo)}, nil
}

func (e *fakeEngine) SetLocalDescription(_ context.Context, id string, desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.peer(id)
	if err != nil {
		return err
	}
	p.local = &desc
	return nil
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, id string, desc webrtc.SessionDescription) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.peer(id)
	if err != nil {
		return err
	}
	p.remote = &desc
	return nil
}

func (e *fakeEngine) AddICECandidate(_ context.Context, id string, c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.peer(id)
	if err != nil {
		return err
	}
	if p.remote == nil {
		return media.Wrap("add ice candidate", fmt.Errorf("remote description not set"))
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (e *fakeEngine) SetFrameEncryptionKey(participant string, index uint32, key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keys[fmt.Sprintf("%s/%d", participant, index)] = append([]byte(nil), key...)
	return nil
}

func (e *fakeEngine) Events() <-chan media.Event { return e.events }

func (e *fakeEngine) emit(ev media.Event) { e.events <- ev }

func (e *fakeEngine) remote(id string) *webrtc.SessionDescription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.peers[id]; ok {
		return p.remote
	}
	return nil
}

func (e *fakeEngine) candidates(id string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(p.candidates))
	for _, c := range p.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (e *fakeEngine) frameKey(participant string, index uint32) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keys[fmt.Sprintf("%s/%d", participant, index)]
}

func (e *fakeEngine) releasedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.released...)
}

// party is one started orchestrator with its fakes.
type party struct {
	orch   *Orchestrator
	engine *fakeEngine
	tr     *transport.Memory
	sub    *callstate.Subscription
}

func newParty(t *testing.T, net *transport.Network, name string, opts ...Option) *party {
	t.Helper()
	engine := newFakeEngine()
	tr := net.Endpoint(name)
	opts = append([]Option{WithNegotiationBounds(50, 10*time.Millisecond)}, opts...)
	orch, err := New(name, engine, tr, opts...)
	require.NoError(t, err)
	require.NoError(t, orch.Start(context.Background()))
	p := &party{orch: orch, engine: engine, tr: tr, sub: orch.Subscribe()}
	t.Cleanup(func() {
		p.sub.Cancel()
		_ = orch.Shutdown()
		_ = tr.Close()
	})
	return p
}

func (p *party) props(t *testing.T) keystore.IdentityProps {
	t.Helper()
	props, err := p.orch.LocalProps()
	require.NoError(t, err)
	return props
}

func (p *party) encodedProps(t *testing.T) []byte {
	t.Helper()
	data, err := p.orch.EncodedLocalProps()
	require.NoError(t, err)
	return data
}

// await reads states until one of kind arrives.
func (p *party) await(t *testing.T, kind callstate.Kind) callstate.State {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case st, ok := <-p.sub.C():
			require.True(t, ok, "state stream closed while waiting for %s", kind)
			if st.Kind == kind {
				return st
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for state", "want %s, current %s", kind, p.orch.State())
		}
	}
}
