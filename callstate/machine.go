package callstate

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Machine is the single source of truth for the lifecycle of one call
// session. Transitions are broadcast to every live Subscription in the
// order they happen.
type Machine struct {
	mu      sync.Mutex
	current State
	subs    map[uint64]*Subscription
	nextID  uint64
}

// NewMachine creates a machine in the waiting state.
func NewMachine() *Machine {
	return &Machine{
		current: Waiting(),
		subs:    make(map[uint64]*Subscription),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition moves to the given state and broadcasts it. Transitioning to
// the current state is a no-op and returns false.
func (m *Machine) Transition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Equal(to) {
		logrus.WithFields(logrus.Fields{
			"function": "Transition",
			"state":    to.String(),
		}).Warn("Ignoring transition to current state")
		return false
	}

	from := m.current
	m.current = to
	for _, sub := range m.subs {
		sub.push(to)
	}

	fields := logrus.Fields{
		"function": "Transition",
		"from":     from.String(),
		"to":       to.String(),
	}
	if reason, ok := to.ReportedEndReason(); ok {
		fields["end_reason"] = reason.String()
	}
	logrus.WithFields(fields).Info("Call state changed")
	return true
}

// Subscribe returns a subscription that receives every transition from
// now on. History is not replayed.
func (m *Machine) Subscribe() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	sub := newSubscription(m, m.nextID)
	m.subs[sub.id] = sub
	return sub
}

// ResetState returns to waiting and finishes every subscription so the
// machine can be reused for the next call. The reset itself is not
// broadcast.
func (m *Machine) ResetState() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[uint64]*Subscription)
	m.current = Waiting()
	m.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}
	logrus.WithFields(logrus.Fields{
		"function":    "ResetState",
		"subscribers": len(subs),
	}).Debug("Call state reset")
}

func (m *Machine) unsubscribe(id uint64) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// Subscription is one consumer's view of the state stream. Each
// subscription buffers without bound so a slow consumer never blocks
// Transition.
type Subscription struct {
	id   uint64
	m    *Machine
	ch   chan State
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []State
	finished bool
	canceled bool
}

func newSubscription(m *Machine, id uint64) *Subscription {
	s := &Subscription{id: id, m: m, ch: make(chan State), done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// C returns the stream channel. It is closed once the subscription is
// finished by ResetState or canceled; closure is terminal.
func (s *Subscription) C() <-chan State {
	return s.ch
}

// Cancel stops delivery and discards buffered states.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.m.unsubscribe(s.id)
		s.mu.Lock()
		s.canceled = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		s.cond.Broadcast()
	})
}

func (s *Subscription) push(st State) {
	s.mu.Lock()
	if !s.finished && !s.canceled {
		s.queue = append(s.queue, st)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

// finish delivers what is buffered, then closes the channel.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.finished && !s.canceled {
			s.cond.Wait()
		}
		if s.canceled || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- next:
		case <-s.done:
			return
		}
	}
}
