package session

import (
	"context"
	"sync"
)

// KeySpace separates teardown keys derived from call routing ids from
// keys derived from connection ids. The two layers are not always 1:1.
type KeySpace uint8

const (
	// SpaceCall holds keys derived from a call's routing id.
	SpaceCall KeySpace = iota
	// SpaceConnection holds keys derived from a connection id.
	SpaceConnection
)

// String returns a human-readable representation of the key space.
func (s KeySpace) String() string {
	if s == SpaceConnection {
		return "connection"
	}
	return "call"
}

// endingSet is one key space: keys currently claimed, plus a fixed-size
// ring of finalized keys with a set for lookup.
type endingSet struct {
	claimed   map[string]chan struct{}
	finalized map[string]struct{}
	ring      []string
	next      int
}

func newEndingSet(capacity int) *endingSet {
	return &endingSet{
		claimed:   make(map[string]chan struct{}),
		finalized: make(map[string]struct{}),
		ring:      make([]string, capacity),
	}
}

func (s *endingSet) finalize(key string) {
	if old := s.ring[s.next]; old != "" {
		delete(s.finalized, old)
	}
	s.ring[s.next] = key
	s.next = (s.next + 1) % len(s.ring)
	s.finalized[key] = struct{}{}
}

// Tracker makes teardown idempotent with a claim-then-commit protocol.
type Tracker struct {
	mu     sync.Mutex
	spaces [2]*endingSet
}

// NewTracker creates a tracker remembering up to capacity finalized keys
// per key space.
func NewTracker(capacity int) *Tracker {
	if capacity < 1 {
		capacity = 1
	}
	return &Tracker{spaces: [2]*endingSet{newEndingSet(capacity), newEndingSet(capacity)}}
}

// BeginEnding claims key. It returns false when the key is already
// claimed or already finalized.
func (t *Tracker) BeginEnding(space KeySpace, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.spaces[space]
	if _, ok := s.claimed[key]; ok {
		return false
	}
	if _, ok := s.finalized[key]; ok {
		return false
	}
	s.claimed[key] = make(chan struct{})
	return true
}

// EndEnding moves a claimed key to the finalized history and releases
// its waiters. Ending an unclaimed key only records it.
func (t *Tracker) EndEnding(space KeySpace, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.spaces[space]
	if done, ok := s.claimed[key]; ok {
		delete(s.claimed, key)
		close(done)
	}
	if _, ok := s.finalized[key]; !ok {
		s.finalize(key)
	}
}

// Wait blocks until a claimed key is finalized. It returns at once for
// keys that are not claimed.
func (t *Tracker) Wait(ctx context.Context, space KeySpace, key string) error {
	t.mu.Lock()
	done, ok := t.spaces[space].claimed[key]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finalized reports whether key is in the finalized history.
func (t *Tracker) Finalized(space KeySpace, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.spaces[space].finalized[key]
	return ok
}

// Claimed reports whether key is currently claimed.
func (t *Tracker) Claimed(space KeySpace, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.spaces[space].claimed[key]
	return ok
}
