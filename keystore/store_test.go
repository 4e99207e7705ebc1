package keystore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxcall/callerr"
	"github.com/opd-ai/toxcall/connection"
	"github.com/opd-ai/toxcall/crypto"
	"github.com/opd-ai/toxcall/limits"
	"github.com/opd-ai/toxcall/ratchet"
)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(opts...)
	require.NoError(t, err)
	return s
}

func TestCreateLocalIdentityIdempotent(t *testing.T) {
	s := newStore(t, WithOneTimeKeyCount(4))

	_, err := s.LocalProps()
	assert.ErrorIs(t, err, callerr.ErrMissingIdentity)

	p1, err := s.CreateLocalIdentity()
	require.NoError(t, err)
	require.NoError(t, p1.Validate())
	assert.True(t, p1.HasOneTime)
	assert.Equal(t, uint32(1), p1.OneTimeID)
	assert.Equal(t, 4, s.OneTimeKeyCount())

	p2, err := s.CreateLocalIdentity()
	require.NoError(t, err)
	assert.True(t, p1.Equal(p2))
}

func TestConsumeOneTimeKeyOnce(t *testing.T) {
	s := newStore(t, WithOneTimeKeyCount(2))
	props, err := s.CreateLocalIdentity()
	require.NoError(t, err)

	peek, err := s.OneTimeKey(props.OneTimeID)
	require.NoError(t, err)
	assert.Equal(t, props.OneTimePublic, peek.Public)
	assert.Equal(t, 2, s.OneTimeKeyCount())

	kp, err := s.ConsumeOneTimeKey(props.OneTimeID)
	require.NoError(t, err)
	assert.Equal(t, props.OneTimePublic, kp.Public)

	_, err = s.OneTimeKey(props.OneTimeID)
	assert.ErrorIs(t, err, ErrOneTimeKeyNotFound)

	_, err = s.ConsumeOneTimeKey(props.OneTimeID)
	assert.ErrorIs(t, err, ErrOneTimeKeyNotFound)
	assert.Equal(t, callerr.ClassIdentity, callerr.Classify(err))

	next, err := s.LocalProps()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), next.OneTimeID, "advertises the next unused key")
}

func TestOneTimePoolReplenishes(t *testing.T) {
	s := newStore(t, WithOneTimeKeyCount(1))
	props, err := s.CreateLocalIdentity()
	require.NoError(t, err)

	_, err = s.ConsumeOneTimeKey(props.OneTimeID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.OneTimeKeyCount())

	next, err := s.LocalProps()
	require.NoError(t, err)
	assert.NotEqual(t, props.OneTimeID, next.OneTimeID)
}

func TestNormalizeConnectionID(t *testing.T) {
	for _, raw := range []string{"AB", " ab ", "Ab\t"} {
		id, err := NormalizeConnectionID(raw)
		require.NoError(t, err)
		assert.Equal(t, "ab", id)
		assert.Equal(t, connection.NormalizeID(raw), id)
	}
	_, err := NormalizeConnectionID("  ")
	assert.ErrorIs(t, err, ErrInvalidConnectionID)
}

func TestRemoteIdentityNormalizedKey(t *testing.T) {
	alice := newStore(t)
	bob := newStore(t)
	bobProps, err := bob.CreateLocalIdentity()
	require.NoError(t, err)

	_, err = alice.RemoteProps("C1")
	assert.ErrorIs(t, err, ErrNoRemoteIdentity)

	_, err = alice.CreateRecipientIdentity("  C1 ", bobProps)
	require.NoError(t, err)
	assert.True(t, alice.HasRemoteIdentity("c1"))

	got, err := alice.RemoteProps("c1")
	require.NoError(t, err)
	assert.True(t, bobProps.Equal(got))

	si, err := alice.RemoteSessionIdentity("C1")
	require.NoError(t, err)
	assert.NotEmpty(t, si.ID)
	assert.NotContains(t, string(si.Sealed), string(bobProps.KEMPublic[:16]))

	alice.RemoveRemoteIdentity("c1")
	assert.False(t, alice.HasRemoteIdentity("c1"))
}

func TestCreateRecipientIdentityValidation(t *testing.T) {
	s := newStore(t)

	_, err := s.CreateRecipientIdentity("", IdentityProps{})
	assert.ErrorIs(t, err, callerr.ErrConfiguration)

	_, err = s.CreateRecipientIdentity("c1", IdentityProps{LongTermPublic: [32]byte{1}})
	assert.ErrorIs(t, err, callerr.ErrMissingProps)
}

func TestPropsEncodeDecode(t *testing.T) {
	s := newStore(t)
	props, err := s.CreateLocalIdentity()
	require.NoError(t, err)

	data, err := props.Encode()
	require.NoError(t, err)
	got, err := DecodeIdentityProps(data)
	require.NoError(t, err)
	assert.True(t, props.Equal(got))

	_, err = DecodeIdentityProps([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrInvalidProps)
}

func TestParkedEnvelopes(t *testing.T) {
	clock := crypto.NewManualTimeProvider(time.Unix(1000, 0))
	s := newStore(t, WithTimeProvider(clock), WithParkedTTL(time.Minute))
	bob := newStore(t)
	bobProps, err := bob.CreateLocalIdentity()
	require.NoError(t, err)

	require.NoError(t, s.Park("c1", []byte("stale")))
	clock.Advance(2 * time.Minute)
	require.NoError(t, s.Park("C1", []byte("first")))
	require.NoError(t, s.Park("c1", []byte("second")))
	assert.Equal(t, 3, s.ParkedCount("c1"))

	parked, err := s.CreateRecipientIdentity("c1", bobProps)
	require.NoError(t, err)
	require.Len(t, parked, 2)
	assert.Equal(t, "first", string(parked[0]))
	assert.Equal(t, "second", string(parked[1]))
	assert.Equal(t, 0, s.ParkedCount("c1"))
}

func TestParkBounded(t *testing.T) {
	s := newStore(t)
	for i := 0; i < limits.MaxParkedPerConnection; i++ {
		require.NoError(t, s.Park("c1", []byte(fmt.Sprint(i))))
	}
	err := s.Park("c1", []byte("overflow"))
	assert.ErrorIs(t, err, ErrParkedFull)
	assert.Equal(t, limits.MaxParkedPerConnection, s.ParkedCount("c1"))
}

func TestLocalKeysDriveHandshake(t *testing.T) {
	alice, bob := newStore(t), newStore(t)
	_, err := alice.CreateLocalIdentity()
	require.NoError(t, err)
	bobProps, err := bob.CreateLocalIdentity()
	require.NoError(t, err)

	aliceKeys, err := alice.LocalKeys()
	require.NoError(t, err)
	ae := ratchet.NewEngine("alice", []byte("salt"))
	require.NoError(t, ae.SenderInit("c1", aliceKeys, bobProps.RemoteKeys()))
	msg, err := ae.Encrypt("c1", []byte("offer"))
	require.NoError(t, err)

	bobKeys, err := bob.LocalKeys()
	require.NoError(t, err)
	be := ratchet.NewEngine("bob", []byte("salt"))
	require.NoError(t, be.RecipientInit("c1", bobKeys, &msg.Header))
	_, err = bob.OneTimeKey(bobProps.OneTimeID)
	require.NoError(t, err, "kept until a message authenticates")
	pt, err := be.Decrypt("c1", msg)
	require.NoError(t, err)
	assert.Equal(t, "offer", string(pt))

	_, err = bob.ConsumeOneTimeKey(bobProps.OneTimeID)
	assert.ErrorIs(t, err, ErrOneTimeKeyNotFound, "handshake consumed the advertised key")
}

func TestConcurrentConsume(t *testing.T) {
	s := newStore(t, WithOneTimeKeyCount(8))
	props, err := s.CreateLocalIdentity()
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeOneTimeKey(props.OneTimeID); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success)
}

func TestClear(t *testing.T) {
	s := newStore(t)
	bob := newStore(t)
	bobProps, err := bob.CreateLocalIdentity()
	require.NoError(t, err)

	_, err = s.CreateLocalIdentity()
	require.NoError(t, err)
	_, err = s.CreateRecipientIdentity("c1", bobProps)
	require.NoError(t, err)
	require.NoError(t, s.Park("c2", []byte("x")))

	s.Clear()
	_, err = s.LocalKeys()
	assert.ErrorIs(t, err, ErrNoLocalIdentity)
	assert.False(t, s.HasRemoteIdentity("c1"))
	assert.Equal(t, 0, s.ParkedCount("c2"))
}
