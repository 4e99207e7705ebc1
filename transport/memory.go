package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/callstate"
)

// Network is an in-process switch connecting Memory endpoints. It is used
// by tests and the loopback example.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Memory
}

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Memory)}
}

// Endpoint returns the endpoint of participant, creating it on first use.
func (n *Network) Endpoint(participant string) *Memory {
	n.mu.Lock()
	defer n.mu.Unlock()
	if m, ok := n.endpoints[participant]; ok {
		return m
	}
	m := &Memory{
		network: n,
		self:    participant,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	n.endpoints[participant] = m
	go m.pump()
	return m
}

func (n *Network) lookup(participant string) (*Memory, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	m, ok := n.endpoints[participant]
	return m, ok
}

func (n *Network) remove(participant string) {
	n.mu.Lock()
	delete(n.endpoints, participant)
	n.mu.Unlock()
}

// Memory is a Transport endpoint on a Network. Frames are delivered to the
// receiving endpoint's handlers in send order on a dedicated goroutine.
type Memory struct {
	network *Network
	self    string

	mu         sync.Mutex
	onEnvelope EnvelopeHandler
	onEnded    EndedHandler
	pending    []Frame
	paused     bool
	closed     bool
	sent       []Frame
	ended      []callstate.EndReason

	wake chan struct{}
	done chan struct{}
}

var _ Transport = (*Memory)(nil)

// Participant returns the endpoint's participant id.
func (m *Memory) Participant() string {
	return m.self
}

// SendEnvelope queues data for delivery to the endpoint named to.
func (m *Memory) SendEnvelope(ctx context.Context, to, connectionID string, data []byte, call *callstate.Call) error {
	if err := ctx.Err(); err != nil {
		return wrapNetwork("send", err)
	}
	f := Frame{
		Kind:         FrameEnvelope,
		From:         m.self,
		To:           to,
		ConnectionID: connectionID,
		Data:         append([]byte(nil), data...),
	}
	if call != nil {
		f.CallID = call.SharedCommunicationID
	}
	if err := f.validate(); err != nil {
		return err
	}
	if err := m.route(f); err != nil {
		return err
	}

	m.mu.Lock()
	m.sent = append(m.sent, f)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "SendEnvelope",
		"from":          m.self,
		"to":            to,
		"connection_id": connectionID,
		"size":          len(data),
	}).Debug("Routed envelope over memory network")
	return nil
}

// NotifyCallEnded records the end reason and notifies every other participant.
func (m *Memory) NotifyCallEnded(call *callstate.Call, reason callstate.EndReason) {
	m.mu.Lock()
	m.ended = append(m.ended, reason)
	m.mu.Unlock()

	if call == nil {
		return
	}
	for _, p := range peers(call, m.self) {
		f := Frame{Kind: FrameEnded, From: m.self, To: p, CallID: call.SharedCommunicationID, Reason: reason}
		if err := m.route(f); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "NotifyCallEnded",
				"to":       p,
				"error":    err.Error(),
			}).Debug("Call-ended notice not delivered")
		}
	}
}

func (m *Memory) route(f Frame) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	dst, ok := m.network.lookup(f.To)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, f.To)
	}
	return dst.enqueue(f)
}

func (m *Memory) enqueue(f Frame) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosed, m.self)
	}
	m.pending = append(m.pending, f)
	m.mu.Unlock()
	m.signal()
	return nil
}

func (m *Memory) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Memory) pump() {
	for {
		select {
		case <-m.wake:
		case <-m.done:
			return
		}
		for {
			m.mu.Lock()
			if m.closed || m.paused || len(m.pending) == 0 {
				m.mu.Unlock()
				break
			}
			f := m.pending[0]
			m.pending = m.pending[1:]
			onEnvelope, onEnded := m.onEnvelope, m.onEnded
			m.mu.Unlock()
			dispatch(&f, onEnvelope, onEnded)
		}
	}
}

// OnEnvelope installs the receive handler.
func (m *Memory) OnEnvelope(handler EnvelopeHandler) {
	m.mu.Lock()
	m.onEnvelope = handler
	m.mu.Unlock()
	m.signal()
}

// OnCallEnded installs the handler for call-ended notices.
func (m *Memory) OnCallEnded(handler EndedHandler) {
	m.mu.Lock()
	m.onEnded = handler
	m.mu.Unlock()
}

// Pause holds inbound frames until Resume.
func (m *Memory) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
}

// Resume delivers held frames in arrival order.
func (m *Memory) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.signal()
}

// Pending returns the number of undelivered inbound frames.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Sent returns a copy of the envelope frames sent from this endpoint.
func (m *Memory) Sent() []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Frame(nil), m.sent...)
}

// Ended returns the reasons passed to NotifyCallEnded.
func (m *Memory) Ended() []callstate.EndReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]callstate.EndReason(nil), m.ended...)
}

// Close detaches the endpoint from its network and drops undelivered frames.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.pending = nil
	m.mu.Unlock()
	close(m.done)
	m.network.remove(m.self)
	return nil
}
