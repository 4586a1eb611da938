package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// Sealer turns a plaintext secret into its stored form and back.
type Sealer interface {
	Seal(plain string) (string, error)
	Open(sealed string) (string, error)
}

// Base64Sealer only encodes. It is the fallback when no key is configured.
type Base64Sealer struct{}

func (Base64Sealer) Seal(plain string) (string, error) {
	return base64.StdEncoding.EncodeToString([]byte(plain)), nil
}

func (Base64Sealer) Open(sealed string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var errOpen = errors.New("credential: cannot open sealed secret")

// NaClSealer encrypts with secretbox. Stored form: base64(nonce || box).
type NaClSealer struct {
	key *[32]byte
}

func NewNaClSealer(key *[32]byte) *NaClSealer {
	return &NaClSealer{key: key}
}

func (s *NaClSealer) Seal(plain string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, s.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *NaClSealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	if len(raw) < 24+secretbox.Overhead {
		return "", errOpen
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, s.key)
	if !ok {
		return "", errOpen
	}
	return string(plain), nil
}

// NewSealer picks secretbox when a key is present.
func NewSealer(key *[32]byte) Sealer {
	if key == nil {
		return Base64Sealer{}
	}
	return NewNaClSealer(key)
}
