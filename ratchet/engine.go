package ratchet

import (
	"crypto/sha256"
	"strings"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/crypto"
	"github.com/opd-ai/toxcall/limits"
)

// DefaultMaxSkip bounds the number of message keys derived ahead of the
// receiving chain and kept for out-of-order delivery.
const DefaultMaxSkip = 2000

type session struct {
	st        *state
	ad        []byte
	initiator bool

	// handshake is attached to outgoing headers until the first reply is
	// decrypted. Initiator only.
	handshake *Handshake
	// ephemeral identifies the handshake that created the session.
	ephemeral [32]byte
	// fingerprint of the SenderInit inputs. Initiator only.
	fingerprint [32]byte

	// one-time key to consume when a pending responder session commits
	oneTimeKeys   OneTimeKeySource
	oneTimeKeyID  uint32
	hasOneTimeKey bool
}

// Engine holds Double Ratchet sessions keyed by an opaque session id.
// It is safe for concurrent use.
type Engine struct {
	name    string
	salt    []byte
	maxSkip uint32

	mu       sync.Mutex
	sessions map[string]*session
	// pending responder sessions, committed by their first authenticated
	// message
	pending map[string]*session
	retired map[string]map[[32]byte]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxSkip overrides DefaultMaxSkip.
func WithMaxSkip(n uint32) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSkip = n
		}
	}
}

// NewEngine creates an engine. name tags log output; salt is mixed into
// every handshake.
func NewEngine(name string, salt []byte, opts ...Option) *Engine {
	e := &Engine{
		name:     name,
		salt:     append([]byte(nil), salt...),
		maxSkip:  DefaultMaxSkip,
		sessions: make(map[string]*session),
		pending:  make(map[string]*session),
		retired:  make(map[string]map[[32]byte]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) logger(function, sessionID string) *crypto.LoggerHelper {
	return crypto.NewPackageLogger("ratchet", function).WithFields(logrus.Fields{
		"engine":     e.name,
		"session_id": sessionID,
	})
}

// SenderInit initializes sessionID as the initiator towards remote.
// Calling it again with the same keys is a no-op; different keys replace
// the session.
func (e *Engine) SenderInit(sessionID string, local LocalKeys, remote RemoteKeys) error {
	fp := senderFingerprint(local, remote)

	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[sessionID]; ok && s.initiator && s.fingerprint == fp {
		return nil
	}

	sk, hs, err := initiate(sessionID, e.salt, local, remote)
	if err != nil {
		e.logger("SenderInit", sessionID).WithError(err, "initiate").Warn("Handshake initiation failed")
		return err
	}
	defer crypto.ZeroKey(&sk)

	dhs, err := generateRatchetKey()
	if err != nil {
		return newError(KindInvalidKey, sessionID, err.Error())
	}
	st := &state{
		dhs:     dhs,
		dhr:     remote.IdentityKey,
		hasDHr:  true,
		skipped: make(map[skippedKey][32]byte),
		maxSkip: e.maxSkip,
	}
	dh, err := crypto.DH(dhs.Private, remote.IdentityKey)
	if err != nil {
		st.wipe()
		return newError(KindInvalidKey, sessionID, err.Error())
	}
	st.rk, st.cks = deriveRoot(sk, dh)
	st.hasCKs = true
	crypto.ZeroKey(&dh)

	e.replace(sessionID, &session{
		st:          st,
		ad:          associatedData(local.Identity.Public, remote.IdentityKey),
		initiator:   true,
		handshake:   hs,
		ephemeral:   hs.EphemeralKey,
		fingerprint: fp,
	})

	e.logger("SenderInit", sessionID).WithFields(crypto.SecureFieldHash(hs.EphemeralKey[:], "ephemeral")).
		Debug("Initiator session established")
	return nil
}

// NeedsRecipientInit reports whether header carries a handshake the session
// has not been initialized from.
func (e *Engine) NeedsRecipientInit(sessionID string, header *Header) bool {
	if header == nil || header.Handshake == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, seen := e.retired[sessionID][header.Handshake.EphemeralKey]; seen {
		return false
	}
	if p, ok := e.pending[sessionID]; ok && p.ephemeral == header.Handshake.EphemeralKey {
		return false
	}
	s, ok := e.sessions[sessionID]
	return !ok || s.initiator || s.ephemeral != header.Handshake.EphemeralKey
}

// RecipientInit prepares sessionID as the responder from the handshake in
// header. The prepared session replaces the live one, and the referenced
// one-time key is consumed, only once Decrypt authenticates a message under
// it. Repeating the same handshake is a no-op; a handshake that was already
// replaced is rejected as a replay.
func (e *Engine) RecipientInit(sessionID string, local LocalKeys, header *Header) error {
	if header == nil || header.Handshake == nil {
		return newError(KindNotInitialized, sessionID, "header carries no handshake")
	}
	hs := header.Handshake

	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[sessionID]; ok && !s.initiator && s.ephemeral == hs.EphemeralKey {
		return nil
	}
	if p, ok := e.pending[sessionID]; ok && p.ephemeral == hs.EphemeralKey {
		return nil
	}
	if _, seen := e.retired[sessionID][hs.EphemeralKey]; seen {
		return newError(KindReplay, sessionID, "stale handshake")
	}

	sk, err := respond(sessionID, e.salt, local, hs)
	if err != nil {
		e.logger("RecipientInit", sessionID).WithError(err, "respond").Warn("Handshake response failed")
		return err
	}
	defer crypto.ZeroKey(&sk)

	st := &state{
		rk:      sk,
		dhs:     local.Identity.Clone(),
		skipped: make(map[skippedKey][32]byte),
		maxSkip: e.maxSkip,
	}
	if old, ok := e.pending[sessionID]; ok {
		old.st.wipe()
	}
	e.pending[sessionID] = &session{
		st:            st,
		ad:            associatedData(hs.IdentityKey, local.Identity.Public),
		ephemeral:     hs.EphemeralKey,
		oneTimeKeys:   local.OneTimeKeys,
		oneTimeKeyID:  hs.OneTimeKeyID,
		hasOneTimeKey: hs.HasOneTimeKey,
	}

	e.logger("RecipientInit", sessionID).WithFields(crypto.SecureFieldHash(hs.EphemeralKey[:], "ephemeral")).
		Debug("Responder session prepared")
	return nil
}

// commit opens the first message of a pending responder session. On
// success the session replaces the live one and its one-time key is
// consumed. A message that fails authentication leaves both untouched.
// Caller holds e.mu.
func (e *Engine) commit(sessionID string, p *session, msg *Message) ([]byte, error) {
	st := p.st.clone()
	pt, err := e.open(sessionID, st, p.ad, msg)
	if err != nil {
		st.wipe()
		e.logger("Decrypt", sessionID).WithField("kind", KindOf(err).String()).Debug("Handshake message rejected")
		return nil, err
	}

	if p.hasOneTimeKey {
		otk, err := p.oneTimeKeys.ConsumeOneTimeKey(p.oneTimeKeyID)
		if err != nil || otk == nil {
			st.wipe()
			p.st.wipe()
			delete(e.pending, sessionID)
			return nil, newError(KindMissingOneTimeKey, sessionID, "one-time key unavailable")
		}
		_ = crypto.WipeKeyPair(otk)
	}

	delete(e.pending, sessionID)
	p.st.wipe()
	p.st = st
	p.oneTimeKeys = nil
	e.replace(sessionID, p)

	e.logger("Decrypt", sessionID).WithFields(crypto.SecureFieldHash(p.ephemeral[:], "ephemeral")).
		Debug("Responder session established")
	return pt, nil
}

// replace installs s, retiring the handshake of the session it replaces.
// Caller holds e.mu.
func (e *Engine) replace(sessionID string, s *session) {
	if old, ok := e.sessions[sessionID]; ok {
		if e.retired[sessionID] == nil {
			e.retired[sessionID] = make(map[[32]byte]struct{})
		}
		e.retired[sessionID][old.ephemeral] = struct{}{}
		old.st.wipe()
	}
	e.sessions[sessionID] = s
}

// Encrypt seals plaintext on the session's sending chain.
func (e *Engine) Encrypt(sessionID string, plaintext []byte) (*Message, error) {
	if err := limits.ValidatePayload(plaintext); err != nil {
		return nil, newError(KindInvalidHeader, sessionID, err.Error())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, newError(KindNotInitialized, sessionID, "no session")
	}
	if !s.st.hasCKs {
		return nil, newError(KindNotInitialized, sessionID, "no sending chain")
	}

	var mk [32]byte
	s.st.cks, mk = deriveChain(s.st.cks)
	defer crypto.ZeroKey(&mk)

	h := Header{DH: s.st.dhs.Public, PN: s.st.pn, N: s.st.ns}
	if s.handshake != nil {
		hs := *s.handshake
		hs.KEMCiphertext = append([]byte(nil), s.handshake.KEMCiphertext...)
		h.Handshake = &hs
	}
	s.st.ns++

	ad := append(append([]byte(nil), s.ad...), h.Bytes()...)
	ct := noise.CipherChaChaPoly.Cipher(mk).Encrypt(nil, uint64(h.N), ad, plaintext)
	return &Message{Header: h, Ciphertext: ct}, nil
}

// Decrypt opens msg on sessionID. The session state only advances when the
// message authenticates.
func (e *Engine) Decrypt(sessionID string, msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, newError(KindInvalidHeader, sessionID, "nil message")
	}
	if err := limits.ValidateCiphertext(msg.Ciphertext); err != nil {
		return nil, newError(KindInvalidHeader, sessionID, err.Error())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if hs := msg.Header.Handshake; hs != nil {
		if p, ok := e.pending[sessionID]; ok && p.ephemeral == hs.EphemeralKey {
			return e.commit(sessionID, p, msg)
		}
	}
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, newError(KindNotInitialized, sessionID, "no session")
	}
	if hs := msg.Header.Handshake; hs != nil && !s.initiator && hs.EphemeralKey != s.ephemeral {
		if _, seen := e.retired[sessionID][hs.EphemeralKey]; seen {
			return nil, newError(KindReplay, sessionID, "message from replaced handshake")
		}
		return nil, newError(KindDesync, sessionID, "handshake mismatch")
	}

	st := s.st.clone()
	pt, err := e.open(sessionID, st, s.ad, msg)
	if err != nil {
		st.wipe()
		e.logger("Decrypt", sessionID).WithField("kind", KindOf(err).String()).Debug("Decryption rejected")
		return nil, err
	}
	s.st.wipe()
	s.st = st
	if s.initiator {
		s.handshake = nil
	}
	return pt, nil
}

func (e *Engine) open(sessionID string, st *state, sessionAD []byte, msg *Message) ([]byte, error) {
	h := msg.Header
	ad := append(append([]byte(nil), sessionAD...), h.Bytes()...)

	if mk, ok := st.takeSkipped(skippedKey{dh: h.DH, n: h.N}); ok {
		defer crypto.ZeroKey(&mk)
		return openWith(sessionID, mk, h.N, ad, msg.Ciphertext)
	}

	switch {
	case !st.hasDHr || h.DH != st.dhr:
		if st.isRetired(h.DH) {
			return nil, newError(KindReplay, sessionID, "message from retired chain")
		}
		if err := st.skipUntil(sessionID, h.PN); err != nil {
			return nil, err
		}
		if err := st.dhRatchet(sessionID, h.DH); err != nil {
			return nil, err
		}
	case !st.hasCKr:
		return nil, newError(KindDesync, sessionID, "no receiving chain")
	case h.N < st.nr:
		return nil, newError(KindReplay, sessionID, "message key already used")
	}

	if err := st.skipUntil(sessionID, h.N); err != nil {
		return nil, err
	}
	var mk [32]byte
	st.ckr, mk = deriveChain(st.ckr)
	st.nr++
	defer crypto.ZeroKey(&mk)
	return openWith(sessionID, mk, h.N, ad, msg.Ciphertext)
}

func openWith(sessionID string, mk [32]byte, n uint32, ad, ciphertext []byte) ([]byte, error) {
	pt, err := noise.CipherChaChaPoly.Cipher(mk).Decrypt(nil, uint64(n), ad, ciphertext)
	if err != nil {
		return nil, newError(KindAuth, sessionID, err.Error())
	}
	if pt == nil {
		pt = []byte{}
	}
	return pt, nil
}

// HasSession reports whether sessionID is initialized.
func (e *Engine) HasSession(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[sessionID]
	return ok
}

// Remove wipes and forgets sessionID.
func (e *Engine) Remove(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeLocked(sessionID)
}

// RemovePrefix wipes every session whose id starts with prefix.
func (e *Engine) RemovePrefix(prefix string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for id := range e.sessions {
		if strings.HasPrefix(id, prefix) {
			e.removeLocked(id)
			n++
		}
	}
	for id := range e.pending {
		if strings.HasPrefix(id, prefix) {
			e.removeLocked(id)
		}
	}
	for id := range e.retired {
		if strings.HasPrefix(id, prefix) {
			delete(e.retired, id)
		}
	}
	return n
}

func (e *Engine) removeLocked(sessionID string) {
	if s, ok := e.sessions[sessionID]; ok {
		s.st.wipe()
		delete(e.sessions, sessionID)
	}
	if p, ok := e.pending[sessionID]; ok {
		p.st.wipe()
		delete(e.pending, sessionID)
	}
	delete(e.retired, sessionID)
}

// Reset wipes every session.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.sessions {
		e.removeLocked(id)
	}
	for id := range e.pending {
		e.removeLocked(id)
	}
	e.retired = make(map[string]map[[32]byte]struct{})
}

// SessionCount returns the number of live sessions.
func (e *Engine) SessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func associatedData(initiator, responder [32]byte) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, initiator[:]...)
	return append(ad, responder[:]...)
}

func senderFingerprint(local LocalKeys, remote RemoteKeys) [32]byte {
	h := sha256.New()
	if local.Identity != nil {
		h.Write(local.Identity.Public[:])
	}
	h.Write(remote.IdentityKey[:])
	if remote.HasOneTimeKey {
		h.Write(remote.OneTimeKey[:])
		h.Write([]byte{byte(remote.OneTimeKeyID >> 24), byte(remote.OneTimeKeyID >> 16),
			byte(remote.OneTimeKeyID >> 8), byte(remote.OneTimeKeyID)})
	}
	h.Write(remote.KEMPublic)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
