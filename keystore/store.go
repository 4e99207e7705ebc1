package keystore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxcall/connection"
	"github.com/opd-ai/toxcall/crypto"
	"github.com/opd-ai/toxcall/limits"
	"github.com/opd-ai/toxcall/ratchet"
)

const (
	// DefaultOneTimeKeyCount is the size of the local one-time key pool.
	DefaultOneTimeKeyCount = 16

	// DefaultParkedTTL bounds how long a parked envelope stays eligible for
	// resubmission.
	DefaultParkedTTL = 5 * time.Minute
)

// SessionIdentity is an identity's public props sealed under the store's
// process-local key.
type SessionIdentity struct {
	ID     string
	Sealed []byte
}

type localIdentity struct {
	longTerm *crypto.KeyPair
	kem      *crypto.KEMKeyPair
	oneTime  map[uint32]*crypto.KeyPair
	nextID   uint32
	session  SessionIdentity
}

type remoteIdentity struct {
	connectionID string
	session      SessionIdentity
	createdAt    time.Time
}

type parkedEnvelope struct {
	data     []byte
	parkedAt time.Time
}

// Store owns every identity bundle of a session. It is safe for concurrent
// use; all key material stays inside the store.
type Store struct {
	mu sync.Mutex

	sealKey      [32]byte
	oneTimeCount int
	parkedTTL    time.Duration
	timeProvider crypto.TimeProvider

	local   *localIdentity
	remotes map[string]*remoteIdentity
	parked  map[string][]parkedEnvelope
}

// Option configures a Store.
type Option func(*Store)

// WithOneTimeKeyCount sets the one-time key pool size.
func WithOneTimeKeyCount(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.oneTimeCount = n
		}
	}
}

// WithParkedTTL sets how long parked envelopes are kept.
func WithParkedTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.parkedTTL = d
		}
	}
}

// WithTimeProvider replaces the clock, for tests.
func WithTimeProvider(tp crypto.TimeProvider) Option {
	return func(s *Store) {
		if tp != nil {
			s.timeProvider = tp
		}
	}
}

// New creates an empty store with a fresh process-local sealing key.
func New(opts ...Option) (*Store, error) {
	key, err := crypto.GenerateSymmetricKey()
	if err != nil {
		return nil, err
	}
	s := &Store{
		sealKey:      key,
		oneTimeCount: DefaultOneTimeKeyCount,
		parkedTTL:    DefaultParkedTTL,
		timeProvider: crypto.DefaultTimeProvider{},
		remotes:      make(map[string]*remoteIdentity),
		parked:       make(map[string][]parkedEnvelope),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NormalizeConnectionID returns the canonical form of a connection id.
func NormalizeConnectionID(connectionID string) (string, error) {
	id := connection.NormalizeID(connectionID)
	if id == "" {
		return "", ErrInvalidConnectionID
	}
	return id, nil
}

func (s *Store) seal(props IdentityProps) (SessionIdentity, error) {
	raw, err := props.Encode()
	if err != nil {
		return SessionIdentity{}, err
	}
	sealed, err := crypto.Seal(raw, s.sealKey)
	crypto.ZeroBytes(raw)
	if err != nil {
		return SessionIdentity{}, err
	}
	return SessionIdentity{ID: uuid.NewString(), Sealed: sealed}, nil
}

func (s *Store) open(si SessionIdentity) (IdentityProps, error) {
	if len(si.Sealed) == 0 {
		return IdentityProps{}, ErrNoSessionIdentity
	}
	raw, err := crypto.Open(si.Sealed, s.sealKey)
	if err != nil {
		return IdentityProps{}, fmt.Errorf("%w: %v", ErrNoSessionIdentity, err)
	}
	defer crypto.ZeroBytes(raw)
	return DecodeIdentityProps(raw)
}

// CreateLocalIdentity generates the local bundle on first call and returns
// its current props. Later calls return the existing props.
func (s *Store) CreateLocalIdentity() (IdentityProps, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local != nil {
		return s.localPropsLocked()
	}

	longTerm, err := crypto.GenerateKeyPair()
	if err != nil {
		return IdentityProps{}, fmt.Errorf("generate long-term key: %w", err)
	}
	kem, err := crypto.GenerateKEMKeyPair()
	if err != nil {
		_ = crypto.WipeKeyPair(longTerm)
		return IdentityProps{}, err
	}
	s.local = &localIdentity{
		longTerm: longTerm,
		kem:      kem,
		oneTime:  make(map[uint32]*crypto.KeyPair),
		nextID:   1,
	}
	if err := s.replenishLocked(); err != nil {
		return IdentityProps{}, err
	}

	logrus.WithFields(logrus.Fields{
		"function":       "CreateLocalIdentity",
		"one_time_count": len(s.local.oneTime),
		"session_id":     s.local.session.ID,
	}).Info("Created local identity")

	return s.localPropsLocked()
}

// replenishLocked refills the one-time pool and reseals the local props.
func (s *Store) replenishLocked() error {
	l := s.local
	for len(l.oneTime) < s.oneTimeCount {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("generate one-time key: %w", err)
		}
		l.oneTime[l.nextID] = kp
		l.nextID++
	}
	return s.resealLocalLocked()
}

func (s *Store) resealLocalLocked() error {
	l := s.local
	props := IdentityProps{
		LongTermPublic: l.longTerm.Public,
		KEMPublic:      append([]byte(nil), l.kem.Public...),
	}
	if id, ok := lowestID(l.oneTime); ok {
		props.HasOneTime = true
		props.OneTimeID = id
		props.OneTimePublic = l.oneTime[id].Public
	}
	si, err := s.seal(props)
	if err != nil {
		return err
	}
	l.session = si
	return nil
}

func lowestID(keys map[uint32]*crypto.KeyPair) (uint32, bool) {
	ids := make([]uint32, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, false
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids[0], true
}

// LocalProps returns the props to advertise to peers. The advertised
// one-time key is the lowest unused id.
func (s *Store) LocalProps() (IdentityProps, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPropsLocked()
}

func (s *Store) localPropsLocked() (IdentityProps, error) {
	if s.local == nil {
		return IdentityProps{}, ErrNoLocalIdentity
	}
	return s.open(s.local.session)
}

// LocalSessionIdentity returns the sealed local session identity.
func (s *Store) LocalSessionIdentity() (SessionIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return SessionIdentity{}, ErrNoLocalIdentity
	}
	return s.local.session, nil
}

// LocalKeys resolves the local key material for one ratchet operation.
// The returned keys are copies and must not be retained.
func (s *Store) LocalKeys() (ratchet.LocalKeys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local == nil {
		return ratchet.LocalKeys{}, ErrNoLocalIdentity
	}
	kem, err := crypto.KEMKeyPairFromSeed(s.local.kem.Seed())
	if err != nil {
		return ratchet.LocalKeys{}, err
	}
	return ratchet.LocalKeys{
		Identity:    s.local.longTerm.Clone(),
		KEM:         kem,
		OneTimeKeys: s,
	}, nil
}

// OneTimeKey returns a copy of the one-time key with the given id and
// leaves it in the pool.
func (s *Store) OneTimeKey(id uint32) (*crypto.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local == nil {
		return nil, ErrNoLocalIdentity
	}
	kp, ok := s.local.oneTime[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrOneTimeKeyNotFound, id)
	}
	return kp.Clone(), nil
}

// ConsumeOneTimeKey removes the one-time key with the given id and returns
// a copy. The stored key is wiped; the pool is refilled once empty.
func (s *Store) ConsumeOneTimeKey(id uint32) (*crypto.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local == nil {
		return nil, ErrNoLocalIdentity
	}
	kp, ok := s.local.oneTime[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrOneTimeKeyNotFound, id)
	}
	out := kp.Clone()
	_ = crypto.WipeKeyPair(kp)
	delete(s.local.oneTime, id)

	var err error
	if len(s.local.oneTime) == 0 {
		err = s.replenishLocked()
	} else {
		err = s.resealLocalLocked()
	}
	if err != nil {
		return nil, err
	}

	crypto.NewPackageLogger("keystore", "ConsumeOneTimeKey").
		WithFields(logrus.Fields{"one_time_id": id, "remaining": len(s.local.oneTime)}).
		Debug("Consumed one-time key")
	return out, nil
}

// OneTimeKeyCount returns the number of unused one-time keys.
func (s *Store) OneTimeKeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		return 0
	}
	return len(s.local.oneTime)
}

// CreateRecipientIdentity stores the peer's props for connectionID and
// returns the envelopes parked while the identity was missing, oldest
// first. Re-creating with identical props keeps the existing identity.
func (s *Store) CreateRecipientIdentity(connectionID string, props IdentityProps) ([][]byte, error) {
	id, err := NormalizeConnectionID(connectionID)
	if err != nil {
		return nil, err
	}
	if err := props.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.remotes[id]; ok {
		if current, err := s.open(existing.session); err == nil && current.Equal(props) {
			return s.takeParkedLocked(id), nil
		}
	}

	si, err := s.seal(props)
	if err != nil {
		return nil, err
	}
	s.remotes[id] = &remoteIdentity{
		connectionID: id,
		session:      si,
		createdAt:    s.timeProvider.Now(),
	}

	parked := s.takeParkedLocked(id)
	logrus.WithFields(logrus.Fields{
		"function":      "CreateRecipientIdentity",
		"connection_id": id,
		"session_id":    si.ID,
		"parked":        len(parked),
	}).Info("Created remote identity")
	return parked, nil
}

// RemoteProps opens the sealed props stored for connectionID.
func (s *Store) RemoteProps(connectionID string) (IdentityProps, error) {
	id, err := NormalizeConnectionID(connectionID)
	if err != nil {
		return IdentityProps{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.remotes[id]
	if !ok {
		return IdentityProps{}, fmt.Errorf("%w: %s", ErrNoRemoteIdentity, id)
	}
	return s.open(r.session)
}

// RemoteSessionIdentity returns the sealed session identity of connectionID.
func (s *Store) RemoteSessionIdentity(connectionID string) (SessionIdentity, error) {
	id, err := NormalizeConnectionID(connectionID)
	if err != nil {
		return SessionIdentity{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.remotes[id]
	if !ok {
		return SessionIdentity{}, fmt.Errorf("%w: %s", ErrNoRemoteIdentity, id)
	}
	return r.session, nil
}

// HasRemoteIdentity reports whether props are stored for connectionID.
func (s *Store) HasRemoteIdentity(connectionID string) bool {
	id, err := NormalizeConnectionID(connectionID)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.remotes[id]
	return ok
}

// RemoveRemoteIdentity forgets the identity and parked envelopes of connectionID.
func (s *Store) RemoveRemoteIdentity(connectionID string) {
	id, err := NormalizeConnectionID(connectionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.remotes, id)
	delete(s.parked, id)
}

// Park holds an envelope for connectionID until its identity is created.
// Past limits.MaxParkedPerConnection the oldest envelope is dropped and
// ErrParkedFull is returned; the new envelope is still kept.
func (s *Store) Park(connectionID string, envelope []byte) error {
	id, err := NormalizeConnectionID(connectionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.parked[id], parkedEnvelope{
		data:     append([]byte(nil), envelope...),
		parkedAt: s.timeProvider.Now(),
	})
	var dropErr error
	if len(list) > limits.MaxParkedPerConnection {
		list = list[len(list)-limits.MaxParkedPerConnection:]
		dropErr = ErrParkedFull
		logrus.WithFields(logrus.Fields{
			"function":      "Park",
			"connection_id": id,
		}).Warn("Parked envelope limit reached, dropped oldest")
	}
	s.parked[id] = list
	return dropErr
}

// ParkedCount returns the number of envelopes parked for connectionID.
func (s *Store) ParkedCount(connectionID string) int {
	id, err := NormalizeConnectionID(connectionID)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.parked[id])
}

func (s *Store) takeParkedLocked(id string) [][]byte {
	list := s.parked[id]
	delete(s.parked, id)

	out := make([][]byte, 0, len(list))
	for _, p := range list {
		if s.timeProvider.Since(p.parkedAt) > s.parkedTTL {
			continue
		}
		out = append(out, p.data)
	}
	if dropped := len(list) - len(out); dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"function":      "takeParked",
			"connection_id": id,
			"expired":       dropped,
		}).Debug("Dropped expired parked envelopes")
	}
	return out
}

// Clear wipes every identity, one-time key and parked envelope.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.local != nil {
		_ = crypto.WipeKeyPair(s.local.longTerm)
		s.local.kem.Wipe()
		for id, kp := range s.local.oneTime {
			_ = crypto.WipeKeyPair(kp)
			delete(s.local.oneTime, id)
		}
		s.local = nil
	}
	s.remotes = make(map[string]*remoteIdentity)
	s.parked = make(map[string][]parkedEnvelope)
}
