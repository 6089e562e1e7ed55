package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"github.com/go-i2p/crypto/rand"
	"github.com/go-i2p/go-porthop/lib/hopping"
	"github.com/samber/oops"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of X25519 keys and derived symmetric keys.
	KeySize = 32
	// MACSize is the size of an HMAC-SHA256 tag.
	MACSize = sha256.Size
)

var (
	// ErrSharedSecretMismatch is returned when key agreement yields the
	// all-zero value, i.e. the peer sent a low-order point.
	ErrSharedSecretMismatch = oops.New("ecdh shared secret is all zero")
	ErrInvalidPublicKey     = oops.New("invalid X25519 public key")
)

var hkdfSalt = []byte("go-porthop/v1")

// KeyPair is an ephemeral X25519 key pair.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// Zero wipes the private key.
func (k *KeyPair) Zero() {
	if k == nil {
		return
	}
	zero(k.Private[:])
}

// SessionKeys are the symmetric keys of one session epoch.
type SessionKeys struct {
	// AuthKey authenticates every packet after the handshake.
	AuthKey []byte
	// RekeyKey authenticates the rekey exchange that replaces this epoch.
	RekeyKey []byte
}

// Zero wipes both keys.
func (k *SessionKeys) Zero() {
	if k == nil {
		return
	}
	zero(k.AuthKey)
	zero(k.RekeyKey)
}

// Provider is everything a session needs from cryptography.
type Provider interface {
	GenerateKeyPair() (*KeyPair, error)
	SharedSecret(local *KeyPair, peerPublic []byte) ([]byte, error)
	DeriveSession(secret, context []byte) (*SessionKeys, hopping.Params, error)
	Sign(key, msg []byte) []byte
	Verify(key, msg, mac []byte) bool
	Random(b []byte) error
	Zero(b []byte)
}

// Standard is the default Provider.
type Standard struct{}

var _ Provider = Standard{}

// GenerateKeyPair creates an X25519 key pair from the system CSPRNG.
func (Standard) GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, oops.Wrapf(err, "failed to read random key material")
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		kp.Zero()
		return nil, oops.Wrapf(err, "failed to derive public key")
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret performs X25519 between local and peerPublic.
func (Standard) SharedSecret(local *KeyPair, peerPublic []byte) ([]byte, error) {
	if local == nil || len(peerPublic) != KeySize {
		return nil, ErrInvalidPublicKey
	}
	secret, err := curve25519.X25519(local.Private[:], peerPublic)
	if err != nil {
		// x/crypto reports low-order points as an error.
		log.WithError(err).Warn("X25519 rejected peer public key")
		return nil, ErrSharedSecretMismatch
	}
	var zeroes [KeySize]byte
	if subtle.ConstantTimeCompare(secret, zeroes[:]) == 1 {
		return nil, ErrSharedSecretMismatch
	}
	return secret, nil
}

// DeriveSession expands secret into session keys and hop parameters.
// context binds the derivation to the handshake transcript.
func (Standard) DeriveSession(secret, context []byte) (*SessionKeys, hopping.Params, error) {
	if len(secret) == 0 {
		return nil, hopping.Params{}, oops.New("empty secret")
	}
	r := hkdf.New(sha256.New, secret, hkdfSalt, context)
	out := make([]byte, 2*KeySize+hopping.ParamsSize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, hopping.Params{}, oops.Wrapf(err, "hkdf expand failed")
	}
	defer zero(out)

	keys := &SessionKeys{
		AuthKey:  append([]byte(nil), out[:KeySize]...),
		RekeyKey: append([]byte(nil), out[KeySize:2*KeySize]...),
	}
	params, err := hopping.ParamsFromMaterial(out[2*KeySize:])
	if err != nil {
		keys.Zero()
		return nil, hopping.Params{}, err
	}
	return keys, params, nil
}

// Sign returns HMAC-SHA256(key, msg).
func (Standard) Sign(key, msg []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(msg)
	return m.Sum(nil)
}

// Verify checks mac in constant time.
func (s Standard) Verify(key, msg, mac []byte) bool {
	if len(mac) != MACSize {
		return false
	}
	return hmac.Equal(s.Sign(key, msg), mac)
}

// Random fills b from the system CSPRNG.
func (Standard) Random(b []byte) error {
	_, err := rand.Read(b)
	return err
}

// Zero overwrites b with zeroes.
func (Standard) Zero(b []byte) {
	zero(b)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
