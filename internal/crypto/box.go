package crypto

import (
	"crypto/rand"
	"fmt"
	"io"

	"sealchat/go-backend/internal/domains/contracts"

	"golang.org/x/crypto/nacl/box"
)

// Encrypt seals plaintext for recipient under a fresh random nonce. The output is
// byte-compatible with libsodium crypto_box_easy.
func Encrypt(plaintext []byte, recipient PublicKey, sender PrivateKey) ([]byte, Nonce, error) {
	return EncryptFrom(rand.Reader, plaintext, recipient, sender)
}

func EncryptFrom(random io.Reader, plaintext []byte, recipient PublicKey, sender PrivateKey) ([]byte, Nonce, error) {
	if sender == (PrivateKey{}) {
		return nil, Nonce{}, fmt.Errorf("%w: zero private key", contracts.ErrEncryptionFailed)
	}
	var nonce Nonce
	if _, err := io.ReadFull(random, nonce[:]); err != nil {
		return nil, Nonce{}, fmt.Errorf("%w: nonce: %v", contracts.ErrEncryptionFailed, err)
	}
	rk := [PublicKeySize]byte(recipient)
	sk := [PrivateKeySize]byte(sender)
	n := [NonceSize]byte(nonce)
	ciphertext := box.Seal(nil, plaintext, &n, &rk, &sk)
	zeroBytes(sk[:])
	return ciphertext, nonce, nil
}

// Decrypt opens a box produced by Encrypt. Every failure maps to the same
// ErrAuthenticationFailed value and no plaintext is returned.
func Decrypt(ciphertext []byte, nonce Nonce, sender PublicKey, recipient PrivateKey) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, contracts.ErrAuthenticationFailed
	}
	pk := [PublicKeySize]byte(sender)
	sk := [PrivateKeySize]byte(recipient)
	n := [NonceSize]byte(nonce)
	plaintext, ok := box.Open(nil, ciphertext, &n, &pk, &sk)
	zeroBytes(sk[:])
	if !ok {
		return nil, contracts.ErrAuthenticationFailed
	}
	return plaintext, nil
}

// EncryptBytes validates raw key material before sealing.
func EncryptBytes(plaintext, recipientPublicKey, senderPrivateKey []byte) ([]byte, []byte, error) {
	rk, err := ParsePublicKey(recipientPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: recipient: %v", contracts.ErrEncryptionFailed, err)
	}
	sk, err := ParsePrivateKey(senderPrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: sender: %v", contracts.ErrEncryptionFailed, err)
	}
	ciphertext, nonce, err := Encrypt(plaintext, rk, sk)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, nonce.Bytes(), nil
}

// DecryptBytes validates raw inputs; malformed keys surface as ErrInvalidKey,
// while anything that reaches the cipher fails as ErrAuthenticationFailed.
func DecryptBytes(ciphertext, nonce, senderPublicKey, recipientPrivateKey []byte) ([]byte, error) {
	pk, err := ParsePublicKey(senderPublicKey)
	if err != nil {
		return nil, err
	}
	sk, err := ParsePrivateKey(recipientPrivateKey)
	if err != nil {
		return nil, err
	}
	n, err := ParseNonce(nonce)
	if err != nil {
		return nil, contracts.ErrAuthenticationFailed
	}
	return Decrypt(ciphertext, n, pk, sk)
}
