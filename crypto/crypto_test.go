package crypto

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDHAgreement(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	s1, err := DH(alice.Private, bob.Public)
	require.NoError(t, err)
	s2, err := DH(bob.Private, alice.Public)
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
	assert.False(t, isZeroKey(s1))
}

func TestDHRejectsLowOrderPoint(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = DH(kp.Private, [32]byte{})
	assert.Error(t, err)
}

func TestFromSecretKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, derived.Public)

	_, err = FromSecretKey([32]byte{})
	assert.Error(t, err)
}

func TestCloneIsIndependent(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	c := kp.Clone()
	require.NoError(t, WipeKeyPair(kp))
	assert.False(t, isZeroKey(c.Private))
	assert.True(t, isZeroKey(kp.Private))

	var nilPair *KeyPair
	assert.Nil(t, nilPair.Clone())
}

func TestSealOpen(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)

	for _, size := range []int{0, 1, 32, 4096} {
		msg := bytes.Repeat([]byte{0x42}, size)
		sealed, err := Seal(msg, key)
		require.NoError(t, err)

		opened, err := Open(sealed, key)
		require.NoError(t, err)
		assert.Equal(t, len(msg), len(opened))
		assert.True(t, bytes.Equal(msg, opened))
	}
}

func TestOpenRejectsTamperingAndWrongKey(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)
	other, err := GenerateSymmetricKey()
	require.NoError(t, err)

	sealed, err := Seal([]byte("session identity"), key)
	require.NoError(t, err)

	_, err = Open(sealed, other)
	assert.Error(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = Open(sealed, key)
	assert.Error(t, err)

	_, err = Open([]byte{1, 2, 3}, key)
	assert.Error(t, err)
}

func TestKEMRoundTrip(t *testing.T) {
	kp, err := GenerateKEMKeyPair()
	require.NoError(t, err)

	shared, ct, err := Encapsulate(kp.Public)
	require.NoError(t, err)

	recovered, err := kp.Decapsulate(ct)
	require.NoError(t, err)
	assert.Equal(t, shared, recovered)

	rebuilt, err := KEMKeyPairFromSeed(kp.Seed())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, rebuilt.Public)

	kp.Wipe()
	_, err = kp.Decapsulate(ct)
	assert.Error(t, err)

	_, _, err = Encapsulate([]byte("short"))
	assert.Error(t, err)
}

func TestManualTimeProvider(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tp := NewManualTimeProvider(start)

	assert.Equal(t, start, tp.Now())
	tp.Advance(5 * time.Second)
	assert.Equal(t, 5*time.Second, tp.Since(start))

	var _ TimeProvider = DefaultTimeProvider{}
	var _ TimeProvider = tp
}
