package ratchet

import (
	"github.com/opd-ai/toxcall/crypto"
)

type skippedKey struct {
	dh [32]byte
	n  uint32
}

// state is the Double Ratchet state of one session.
type state struct {
	rk [32]byte

	dhs    *crypto.KeyPair
	dhr    [32]byte
	hasDHr bool

	cks    [32]byte
	hasCKs bool
	ckr    [32]byte
	hasCKr bool

	ns, nr, pn uint32

	skipped map[skippedKey][32]byte
	order   []skippedKey
	maxSkip uint32

	// retired remote ratchet keys, newest last
	prevDHr [][32]byte
}

const maxRetiredRatchetKeys = 64

func (s *state) clone() *state {
	c := *s
	c.dhs = s.dhs.Clone()
	c.skipped = make(map[skippedKey][32]byte, len(s.skipped))
	for k, v := range s.skipped {
		c.skipped[k] = v
	}
	c.order = append([]skippedKey(nil), s.order...)
	c.prevDHr = append([][32]byte(nil), s.prevDHr...)
	return &c
}

func (s *state) wipe() {
	if s.dhs != nil {
		_ = crypto.WipeKeyPair(s.dhs)
	}
	crypto.ZeroKey(&s.rk)
	crypto.ZeroKey(&s.cks)
	crypto.ZeroKey(&s.ckr)
	for k, v := range s.skipped {
		crypto.ZeroKey(&v)
		delete(s.skipped, k)
	}
	s.order = nil
}

// storeSkipped records a message key, evicting the oldest entry once
// maxSkip keys are held.
func (s *state) storeSkipped(k skippedKey, mk [32]byte) {
	for uint32(len(s.order)) >= s.maxSkip && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if v, ok := s.skipped[oldest]; ok {
			crypto.ZeroKey(&v)
			delete(s.skipped, oldest)
		}
	}
	s.skipped[k] = mk
	s.order = append(s.order, k)
}

func (s *state) isRetired(dh [32]byte) bool {
	for _, k := range s.prevDHr {
		if k == dh {
			return true
		}
	}
	return false
}

func (s *state) takeSkipped(k skippedKey) ([32]byte, bool) {
	mk, ok := s.skipped[k]
	if !ok {
		return mk, false
	}
	delete(s.skipped, k)
	for i, o := range s.order {
		if o == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return mk, true
}

// skipUntil derives and stores receiving message keys up to (excluding) until.
func (s *state) skipUntil(sessionID string, until uint32) error {
	if !s.hasCKr {
		return nil
	}
	if until > s.nr && until-s.nr > s.maxSkip {
		return newError(KindSkipLimit, sessionID, "too many skipped messages")
	}
	for s.nr < until {
		var mk [32]byte
		s.ckr, mk = deriveChain(s.ckr)
		s.storeSkipped(skippedKey{dh: s.dhr, n: s.nr}, mk)
		s.nr++
	}
	return nil
}

// dhRatchet performs a DH ratchet step against the peer's new ratchet key.
func (s *state) dhRatchet(sessionID string, remote [32]byte) error {
	if s.hasDHr {
		s.prevDHr = append(s.prevDHr, s.dhr)
		if len(s.prevDHr) > maxRetiredRatchetKeys {
			s.prevDHr = s.prevDHr[1:]
		}
	}
	s.pn = s.ns
	s.ns = 0
	s.nr = 0
	s.dhr = remote
	s.hasDHr = true

	dh, err := crypto.DH(s.dhs.Private, s.dhr)
	if err != nil {
		return newError(KindDesync, sessionID, err.Error())
	}
	s.rk, s.ckr = deriveRoot(s.rk, dh)
	s.hasCKr = true

	next, err := generateRatchetKey()
	if err != nil {
		return newError(KindDesync, sessionID, err.Error())
	}
	_ = crypto.WipeKeyPair(s.dhs)
	s.dhs = next

	dh, err = crypto.DH(s.dhs.Private, s.dhr)
	if err != nil {
		return newError(KindDesync, sessionID, err.Error())
	}
	s.rk, s.cks = deriveRoot(s.rk, dh)
	s.hasCKs = true
	crypto.ZeroKey(&dh)
	return nil
}
