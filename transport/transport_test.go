package transport

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxcall/callerr"
	"github.com/opd-ai/toxcall/callstate"
)

type received struct {
	from, connectionID string
	data               []byte
}

type collector struct {
	mu     sync.Mutex
	frames []received
	ended  []callstate.EndReason
	got    chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 64)}
}

func (c *collector) envelope(from, connectionID string, data []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, received{from, connectionID, data})
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) callEnded(_, _ string, reason callstate.EndReason) {
	c.mu.Lock()
	c.ended = append(c.ended, reason)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d of %d deliveries", i, n)
		}
	}
}

func testCall() *callstate.Call {
	return &callstate.Call{SharedCommunicationID: "call-1", Sender: "alice", Recipients: []string{"bob"}}
}

func TestFrameValidation(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		ok    bool
	}{
		{"envelope", Frame{Kind: FrameEnvelope, From: "a", To: "b", Data: []byte{1}}, true},
		{"ended", Frame{Kind: FrameEnded, From: "a", To: "b", Reason: callstate.EndReasonUserEnded}, true},
		{"empty envelope", Frame{Kind: FrameEnvelope, From: "a", To: "b"}, false},
		{"no route", Frame{Kind: FrameEnvelope, From: "a", Data: []byte{1}}, false},
		{"unknown kind", Frame{Kind: 9, From: "a", To: "b"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.frame.Marshal()
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidFrame)
				return
			}
			require.NoError(t, err)
			got, err := UnmarshalFrame(data)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Kind, got.Kind)
			assert.Equal(t, tt.frame.Reason, got.Reason)
		})
	}

	_, err := UnmarshalFrame([]byte{0xff})
	assert.ErrorIs(t, err, ErrInvalidFrame)
	assert.Equal(t, callerr.ClassNetwork, callerr.Classify(err))
}

func TestMemoryDeliversInOrder(t *testing.T) {
	network := NewNetwork()
	alice := network.Endpoint("alice")
	bob := network.Endpoint("bob")
	defer alice.Close()
	defer bob.Close()

	c := newCollector()
	bob.OnEnvelope(c.envelope)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, alice.SendEnvelope(ctx, "bob", "c1", []byte{byte(i)}, testCall()))
	}
	c.wait(t, 20)

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.frames {
		assert.Equal(t, "alice", f.from)
		assert.Equal(t, "c1", f.connectionID)
		assert.Equal(t, []byte{byte(i)}, f.data)
	}
	assert.Len(t, alice.Sent(), 20)
}

func TestMemoryPauseResume(t *testing.T) {
	network := NewNetwork()
	alice := network.Endpoint("alice")
	bob := network.Endpoint("bob")
	c := newCollector()
	bob.OnEnvelope(c.envelope)

	bob.Pause()
	require.NoError(t, alice.SendEnvelope(context.Background(), "bob", "c1", []byte("x"), nil))
	assert.Eventually(t, func() bool { return bob.Pending() == 1 }, time.Second, 5*time.Millisecond)

	bob.Resume()
	c.wait(t, 1)
	assert.Equal(t, 0, bob.Pending())
}

func TestMemoryErrors(t *testing.T) {
	network := NewNetwork()
	alice := network.Endpoint("alice")

	err := alice.SendEnvelope(context.Background(), "nobody", "c1", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.Equal(t, callerr.ClassNetwork, callerr.Classify(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = alice.SendEnvelope(ctx, "alice", "c1", []byte("x"), nil)
	assert.True(t, errors.Is(err, callerr.ErrNetwork))

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())
	assert.ErrorIs(t, alice.SendEnvelope(context.Background(), "alice", "c1", []byte("x"), nil), ErrClosed)
}

func TestMemoryNotifyCallEnded(t *testing.T) {
	network := NewNetwork()
	alice := network.Endpoint("alice")
	bob := network.Endpoint("bob")
	c := newCollector()
	bob.OnCallEnded(c.callEnded)

	alice.NotifyCallEnded(testCall(), callstate.EndReasonUserEnded)
	c.wait(t, 1)

	assert.Equal(t, []callstate.EndReason{callstate.EndReasonUserEnded}, alice.Ended())
	c.mu.Lock()
	assert.Equal(t, []callstate.EndReason{callstate.EndReasonUserEnded}, c.ended)
	c.mu.Unlock()
}

func TestNATSSubjects(t *testing.T) {
	assert.Equal(t, "toxcall.peer.bob", subjectFor(DefaultSubjectPrefix, "bob"))
	assert.Equal(t, "calls.alice", subjectFor("calls", "alice"))
}

func TestWebSocketRelay(t *testing.T) {
	hub := NewRelayHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx := context.Background()

	alice, err := DialWebSocket(ctx, url, "alice")
	require.NoError(t, err)
	defer alice.Close()
	bob, err := DialWebSocket(ctx, url, "bob")
	require.NoError(t, err)
	defer bob.Close()

	require.Eventually(t, func() bool {
		return hub.Connected("alice") && hub.Connected("bob")
	}, 2*time.Second, 10*time.Millisecond)

	c := newCollector()
	bob.OnEnvelope(c.envelope)
	bob.OnCallEnded(c.callEnded)

	require.NoError(t, alice.SendEnvelope(ctx, "bob", "c1", []byte("sealed"), testCall()))
	alice.NotifyCallEnded(testCall(), callstate.EndReasonDeclined)
	c.wait(t, 2)

	c.mu.Lock()
	require.Len(t, c.frames, 1)
	assert.Equal(t, "alice", c.frames[0].from)
	assert.Equal(t, []byte("sealed"), c.frames[0].data)
	assert.Equal(t, []callstate.EndReason{callstate.EndReasonDeclined}, c.ended)
	c.mu.Unlock()

	require.NoError(t, alice.Close())
	assert.ErrorIs(t, alice.SendEnvelope(ctx, "bob", "c1", []byte("x"), nil), ErrClosed)
}

func TestWebSocketRejectsAnonymous(t *testing.T) {
	_, err := DialWebSocket(context.Background(), "ws://127.0.0.1:1", "")
	assert.ErrorIs(t, err, callerr.ErrConfiguration)
}
