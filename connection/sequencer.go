package connection

import (
	"github.com/pion/webrtc/v4"
)

// Candidate is an ICE candidate tagged with a caller-assigned monotonic id.
// The id is for diagnostics and dedup only, never for reordering.
type Candidate struct {
	ID   int
	Init webrtc.ICECandidateInit
}

// CandidateSequencer is an ordered consumer of inbound candidates.
// It is not safe for concurrent use; the Registry serializes access.
type CandidateSequencer struct {
	pending []Candidate
	seen    map[int]struct{}
}

// NewCandidateSequencer creates an empty sequencer.
func NewCandidateSequencer() *CandidateSequencer {
	return &CandidateSequencer{seen: make(map[int]struct{})}
}

// Feed appends c to the pending buffer. A candidate whose id was already
// fed is dropped and Feed returns false.
func (s *CandidateSequencer) Feed(c Candidate) bool {
	if _, dup := s.seen[c.ID]; dup {
		return false
	}
	s.seen[c.ID] = struct{}{}
	s.pending = append(s.pending, c)
	return true
}

// Next pops the oldest buffered candidate. It returns false once the
// buffer is drained.
func (s *CandidateSequencer) Next() (Candidate, bool) {
	if len(s.pending) == 0 {
		return Candidate{}, false
	}
	c := s.pending[0]
	s.pending[0] = Candidate{}
	s.pending = s.pending[1:]
	return c, true
}

// Len returns the number of buffered candidates.
func (s *CandidateSequencer) Len() int {
	return len(s.pending)
}

// Drain pops every buffered candidate in arrival order.
func (s *CandidateSequencer) Drain() []Candidate {
	var out []Candidate
	for {
		c, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}
