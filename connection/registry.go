package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/callerr"
)

// ErrConnectionNotFound indicates no connection is registered under the id.
var ErrConnectionNotFound = callerr.ErrConnectionNotFound

// ErrInvalidConnectionID indicates an empty connection id.
var ErrInvalidConnectionID = fmt.Errorf("%w: empty connection id", callerr.ErrConfiguration)

// ErrRemoteDescriptionTimeout indicates the remote description was not set
// within the polling budget.
var ErrRemoteDescriptionTimeout = fmt.Errorf("%w: remote description not set in time", callerr.ErrMedia)

// Connection is the negotiation state of one media connection.
type Connection struct {
	ID string
	// CallID is the routing id of the call the connection belongs to.
	CallID string
	// Participant is the remote participant id.
	Participant string
	// MediaHandle is the media engine's native handle for reverse lookup.
	MediaHandle string
	// Initiator is true when the local side sent the offer.
	Initiator bool
	CreatedAt time.Time

	negotiation NegotiationPhase
	cipher      cipherFlags

	inbound       *CandidateSequencer
	outbound      []Candidate
	readyOutbound bool
}

// New creates a connection in the initial phases.
func New(id, callID, participant string) *Connection {
	return &Connection{
		ID:          NormalizeID(id),
		CallID:      callID,
		Participant: participant,
		CreatedAt:   time.Now(),
		inbound:     NewCandidateSequencer(),
	}
}

// NormalizeID returns the canonical form of a connection id.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Snapshot is a read-only copy of a Connection.
type Snapshot struct {
	ID                 string
	CallID             string
	Participant        string
	MediaHandle        string
	Initiator          bool
	CreatedAt          time.Time
	Negotiation        NegotiationPhase
	Cipher             CipherPhase
	ReadyForCandidates bool
	PendingInbound     int
	PendingOutbound    int
}

func (c *Connection) snapshot() Snapshot {
	return Snapshot{
		ID:                 c.ID,
		CallID:             c.CallID,
		Participant:        c.Participant,
		MediaHandle:        c.MediaHandle,
		Initiator:          c.Initiator,
		CreatedAt:          c.CreatedAt,
		Negotiation:        c.negotiation,
		Cipher:             c.cipher.phase(),
		ReadyForCandidates: c.readyOutbound,
		PendingInbound:     c.inbound.Len(),
		PendingOutbound:    len(c.outbound),
	}
}

// Registry is the keyed store of connections. Every mutation goes through
// one mutex so concurrent negotiation callbacks never interleave.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// Upsert stores c, replacing any connection with the same id. The registry
// owns c afterwards.
func (r *Registry) Upsert(c *Connection) error {
	c.ID = NormalizeID(c.ID)
	if c.ID == "" {
		return ErrInvalidConnectionID
	}
	if c.inbound == nil {
		c.inbound = NewCandidateSequencer()
	}
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
	return nil
}

// Ensure returns the connection for id, creating it with init when absent.
func (r *Registry) Ensure(id string, init func() *Connection) (Snapshot, bool, error) {
	key := NormalizeID(id)
	if key == "" {
		return Snapshot{}, false, ErrInvalidConnectionID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[key]; ok {
		return c.snapshot(), false, nil
	}
	c := init()
	c.ID = key
	if c.inbound == nil {
		c.inbound = NewCandidateSequencer()
	}
	r.conns[key] = c
	return c.snapshot(), true, nil
}

// Find returns a snapshot of the connection.
func (r *Registry) Find(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[NormalizeID(id)]
	if !ok {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

// FindByMediaHandle looks a connection up by its media engine handle.
func (r *Registry) FindByMediaHandle(handle string) (Snapshot, bool) {
	if handle == "" {
		return Snapshot{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.MediaHandle == handle {
			return c.snapshot(), true
		}
	}
	return Snapshot{}, false
}

// FindByCall returns every connection of a call.
func (r *Registry) FindByCall(callID string) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Snapshot
	for _, c := range r.conns {
		if c.CallID == callID {
			out = append(out, c.snapshot())
		}
	}
	return out
}

// Update runs fn on the connection under the registry lock.
func (r *Registry) Update(id string, fn func(*Connection) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[NormalizeID(id)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
	}
	return fn(c)
}

// Remove deletes the connection and returns its final snapshot.
func (r *Registry) Remove(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := NormalizeID(id)
	c, ok := r.conns[key]
	if !ok {
		return Snapshot{}, false
	}
	delete(r.conns, key)
	return c.snapshot(), true
}

// RemoveAll deletes every connection and returns their final snapshots.
func (r *Registry) RemoveAll() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.snapshot())
	}
	r.conns = make(map[string]*Connection)
	return out
}

// Len returns the number of connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// MarkSenderKeySet records that the outbound ratchet direction exists.
// It returns the resulting phase and whether it changed.
func (r *Registry) MarkSenderKeySet(id string) (CipherPhase, bool, error) {
	return r.markCipher(id, true)
}

// MarkRecipientKeySet records that the inbound ratchet direction exists.
func (r *Registry) MarkRecipientKeySet(id string) (CipherPhase, bool, error) {
	return r.markCipher(id, false)
}

func (r *Registry) markCipher(id string, sender bool) (CipherPhase, bool, error) {
	var (
		phase   CipherPhase
		changed bool
	)
	err := r.Update(id, func(c *Connection) error {
		before := c.cipher.phase()
		if sender {
			c.cipher.sender = true
		} else {
			c.cipher.recipient = true
		}
		phase = c.cipher.phase()
		changed = phase != before
		return nil
	})
	if err == nil && changed {
		logrus.WithFields(logrus.Fields{
			"function":      "markCipher",
			"connection_id": id,
			"cipher_phase":  phase.String(),
		}).Debug("Cipher phase advanced")
	}
	return phase, changed, err
}

// SetRemoteDescriptionSet moves the connection to RemoteDescriptionSet and
// returns the buffered inbound candidates, oldest first, for the caller to
// apply.
func (r *Registry) SetRemoteDescriptionSet(id string) ([]Candidate, error) {
	var flushed []Candidate
	err := r.Update(id, func(c *Connection) error {
		c.negotiation = RemoteDescriptionSet
		flushed = c.inbound.Drain()
		return nil
	})
	return flushed, err
}

// FeedCandidate buffers an inbound candidate. Once the remote description
// is set the candidate is returned for immediate application instead.
// Duplicates are dropped.
func (r *Registry) FeedCandidate(id string, cand Candidate) ([]Candidate, error) {
	var apply []Candidate
	err := r.Update(id, func(c *Connection) error {
		if !c.inbound.Feed(cand) {
			logrus.WithFields(logrus.Fields{
				"function":      "FeedCandidate",
				"connection_id": id,
				"candidate_id":  cand.ID,
			}).Warn("Ignoring duplicate candidate")
			return nil
		}
		if c.negotiation == RemoteDescriptionSet {
			apply = c.inbound.Drain()
		}
		return nil
	})
	return apply, err
}

// QueueOutbound holds a locally generated candidate until the connection is
// ready for candidates. It returns true when the candidate should be sent
// right away.
func (r *Registry) QueueOutbound(id string, cand Candidate) (bool, error) {
	send := false
	err := r.Update(id, func(c *Connection) error {
		if c.readyOutbound {
			send = true
			return nil
		}
		c.outbound = append(c.outbound, cand)
		return nil
	})
	return send, err
}

// MarkReadyForCandidates flushes the outbound buffer in arrival order and
// clears it. Later candidates are sent immediately.
func (r *Registry) MarkReadyForCandidates(id string) ([]Candidate, error) {
	var flushed []Candidate
	err := r.Update(id, func(c *Connection) error {
		if c.readyOutbound {
			return nil
		}
		c.readyOutbound = true
		flushed = c.outbound
		c.outbound = nil
		return nil
	})
	return flushed, err
}

// DefaultPollInterval spaces remote description polls when no positive
// interval is given.
const DefaultPollInterval = 100 * time.Millisecond

// WaitForRemoteDescription polls until the remote description is set,
// giving up after attempts polls spaced interval apart.
func (r *Registry) WaitForRemoteDescription(ctx context.Context, id string, attempts int, interval time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		snap, ok := r.Find(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrConnectionNotFound, id)
		}
		if snap.Negotiation == RemoteDescriptionSet {
			return nil
		}
		if i+1 >= attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrRemoteDescriptionTimeout, id, attempts)
}
