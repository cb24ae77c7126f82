package crypto

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"

	"sealchat/go-backend/internal/domains/contracts"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	PublicKeySize  = 32
	PrivateKeySize = 32
	NonceSize      = 24
	Overhead       = box.Overhead
)

// PublicKey is an X25519 public key. Values are only produced by ParsePublicKey
// or key generation, so a PublicKey in hand is always well formed.
type PublicKey [PublicKeySize]byte

type PrivateKey [PrivateKeySize]byte

type Nonce [NonceSize]byte

type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// probeScalar is multiplied against candidate keys to detect low-order points,
// which collapse every shared secret to zero.
var probeScalar = [32]byte{
	0x09, 0x1d, 0x4c, 0x7e, 0x22, 0x8b, 0x31, 0x5a,
	0x66, 0x02, 0x93, 0xf1, 0x47, 0xbe, 0x0d, 0x78,
	0x5c, 0xa3, 0x19, 0xe4, 0x81, 0x6f, 0x3b, 0xd2,
	0x27, 0x90, 0x44, 0xcc, 0x15, 0x6a, 0xf8, 0x40,
}

func ParsePublicKey(raw []byte) (PublicKey, error) {
	var pk PublicKey
	if len(raw) != PublicKeySize {
		return pk, fmt.Errorf("%w: public key must be %d bytes, got %d", contracts.ErrInvalidKey, PublicKeySize, len(raw))
	}
	if _, err := curve25519.X25519(probeScalar[:], raw); err != nil {
		return pk, fmt.Errorf("%w: low-order public key", contracts.ErrInvalidKey)
	}
	copy(pk[:], raw)
	return pk, nil
}

func ParsePrivateKey(raw []byte) (PrivateKey, error) {
	var sk PrivateKey
	if len(raw) != PrivateKeySize {
		return sk, fmt.Errorf("%w: private key must be %d bytes, got %d", contracts.ErrInvalidKey, PrivateKeySize, len(raw))
	}
	copy(sk[:], raw)
	if sk == (PrivateKey{}) {
		return PrivateKey{}, fmt.Errorf("%w: zero private key", contracts.ErrInvalidKey)
	}
	return sk, nil
}

func ParseNonce(raw []byte) (Nonce, error) {
	var n Nonce
	if len(raw) != NonceSize {
		return n, fmt.Errorf("%w: nonce must be %d bytes, got %d", contracts.ErrInvalidInput, NonceSize, len(raw))
	}
	copy(n[:], raw)
	return n, nil
}

// ParsePublicKeyString accepts the standard or URL-safe base64 alphabets, with or
// without padding, since browser clients built on libsodium default to URL-safe.
func ParsePublicKeyString(s string) (PublicKey, error) {
	raw, err := decodeBase64(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", contracts.ErrInvalidKey, err)
	}
	return ParsePublicKey(raw)
}

func ParsePrivateKeyString(s string) (PrivateKey, error) {
	raw, err := decodeBase64(s)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("%w: %v", contracts.ErrInvalidKey, err)
	}
	return ParsePrivateKey(raw)
}

func (k PublicKey) Bytes() []byte { return append([]byte(nil), k[:]...) }

func (k PublicKey) String() string { return base64.StdEncoding.EncodeToString(k[:]) }

func (k PublicKey) Equal(other []byte) bool {
	return len(other) == PublicKeySize && subtle.ConstantTimeCompare(k[:], other) == 1
}

func (k PrivateKey) Bytes() []byte { return append([]byte(nil), k[:]...) }

func (k PrivateKey) String() string { return base64.StdEncoding.EncodeToString(k[:]) }

// Public derives the matching X25519 public key.
func (k PrivateKey) Public() (PublicKey, error) {
	out, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", contracts.ErrInvalidKey, err)
	}
	var pk PublicKey
	copy(pk[:], out)
	return pk, nil
}

func (n Nonce) Bytes() []byte { return append([]byte(nil), n[:]...) }

func GenerateKeyPair(rand io.Reader) (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: *pub, Private: *priv}, nil
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("not base64")
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
