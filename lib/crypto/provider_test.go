package crypto

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyAgreement(t *testing.T) {
	p := Standard{}
	a, err := p.GenerateKeyPair()
	require.NoError(t, err)
	b, err := p.GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, a.Public, b.Public)

	s1, err := p.SharedSecret(a, b.Public[:])
	require.NoError(t, err)
	s2, err := p.SharedSecret(b, a.Public[:])
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Len(t, s1, KeySize)
}

func TestSharedSecretRejectsLowOrderPoint(t *testing.T) {
	p := Standard{}
	a, err := p.GenerateKeyPair()
	require.NoError(t, err)

	var zeroPoint [KeySize]byte
	_, err = p.SharedSecret(a, zeroPoint[:])
	assert.ErrorIs(t, err, ErrSharedSecretMismatch)

	_, err = p.SharedSecret(a, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestDeriveSessionSymmetric(t *testing.T) {
	p := Standard{}
	secret := bytes.Repeat([]byte{7}, KeySize)

	k1, params1, err := p.DeriveSession(secret, []byte("ctx"))
	require.NoError(t, err)
	k2, params2, err := p.DeriveSession(secret, []byte("ctx"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Equal(t, params1, params2)
	assert.False(t, params1.IsZero())
	assert.NotEqual(t, k1.AuthKey, k1.RekeyKey)

	k3, params3, err := p.DeriveSession(secret, []byte("other"))
	require.NoError(t, err)
	assert.NotEqual(t, k1.AuthKey, k3.AuthKey)
	assert.NotEqual(t, params1, params3)

	_, _, err = p.DeriveSession(nil, []byte("ctx"))
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	p := Standard{}
	key := bytes.Repeat([]byte{1}, KeySize)
	msg := []byte("window 104450")

	mac := p.Sign(key, msg)
	assert.Len(t, mac, MACSize)
	assert.True(t, p.Verify(key, msg, mac))

	mac[0] ^= 1
	assert.False(t, p.Verify(key, msg, mac))
	assert.False(t, p.Verify(key, msg, mac[:5]))
	assert.False(t, p.Verify(bytes.Repeat([]byte{2}, KeySize), msg, p.Sign(key, msg)))
}

func TestZero(t *testing.T) {
	keys := &SessionKeys{AuthKey: []byte{1, 2, 3}, RekeyKey: []byte{4, 5}}
	keys.Zero()
	assert.Equal(t, []byte{0, 0, 0}, keys.AuthKey)
	assert.Equal(t, []byte{0, 0}, keys.RekeyKey)

	kp, err := Standard{}.GenerateKeyPair()
	require.NoError(t, err)
	kp.Zero()
	assert.Equal(t, [KeySize]byte{}, kp.Private)

	var nilKeys *SessionKeys
	assert.NotPanics(t, nilKeys.Zero)
}

func TestDailyKey(t *testing.T) {
	psk := []byte("correct horse battery staple")
	morning := time.Date(2026, 5, 10, 0, 0, 1, 0, time.UTC)
	evening := time.Date(2026, 5, 10, 23, 59, 59, 0, time.UTC)
	tomorrow := time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC)

	k := DailyKey(psk, morning)
	assert.Len(t, k, KeySize)
	assert.Equal(t, k, DailyKey(psk, evening))
	assert.NotEqual(t, k, DailyKey(psk, tomorrow))
	assert.NotEqual(t, k, DailyKey([]byte("other"), morning))
}

func TestRendezvousParams(t *testing.T) {
	k := DailyKey([]byte("psk"), time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC))
	p1, err := RendezvousParams(k)
	require.NoError(t, err)
	p2, err := RendezvousParams(k)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Zero(t, p1.TimeVariance)
	assert.False(t, p1.IsZero())
}
