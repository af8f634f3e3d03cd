package session

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/flynn/noise"
	"github.com/pkg/errors"
	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of a Curve25519 key in bytes.
const KeySize = 32

// Key is a Curve25519 public or private key.
// Its text form is standard base64.
type Key [KeySize]byte

func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

func (k Key) IsZero() bool {
	return k == Key{}
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	got, err := ParseKey(string(text))
	if err != nil {
		return err
	}
	*k = got
	return nil
}

// ParseKey parses the base64 form of a key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, errors.Wrap(err, "decoding key")
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("key has %d bytes, want %d", len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// ParseKeys parses a list of base64 keys.
func ParseKeys(ss []string) ([]Key, error) {
	out := make([]Key, 0, len(ss))
	for i, s := range ss {
		k, err := ParseKey(s)
		if err != nil {
			return nil, errors.Wrapf(err, "key %d", i)
		}
		out = append(out, k)
	}
	return out, nil
}

// Keypair is a node's static identity.
type Keypair struct {
	Private Key
	Public  Key
}

// GenerateKeypair produces a new random Keypair.
func GenerateKeypair() (Keypair, error) {
	dh, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return Keypair{}, errors.Wrap(err, "generating keypair")
	}
	var kp Keypair
	copy(kp.Private[:], dh.Private)
	copy(kp.Public[:], dh.Public)
	return kp, nil
}

// KeypairFromPrivate derives the public half of a keypair from its private key.
func KeypairFromPrivate(priv Key) (Keypair, error) {
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return Keypair{}, errors.Wrap(err, "deriving public key")
	}
	kp := Keypair{Private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

func (kp Keypair) dhKey() noise.DHKey {
	return noise.DHKey{
		Private: append([]byte(nil), kp.Private[:]...),
		Public:  append([]byte(nil), kp.Public[:]...),
	}
}

func keyIn(k []byte, keys []Key) bool {
	for _, candidate := range keys {
		if bytes.Equal(k, candidate[:]) {
			return true
		}
	}
	return false
}
