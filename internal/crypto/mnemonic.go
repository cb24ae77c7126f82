package crypto

import (
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoBoxKey = "sealchat/box/x25519/v1"

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// NewMnemonic returns a fresh 24-word recovery phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// KeyPairFromMnemonic deterministically derives the box keypair for a recovery
// phrase, so a user can restore their key on another machine.
func KeyPairFromMnemonic(mnemonic, passphrase string) (KeyPair, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return KeyPair{}, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	defer zeroBytes(seed)

	reader := hkdf.New(sha256.New, seed, nil, []byte(hkdfInfoBoxKey))
	var sk PrivateKey
	if _, err := io.ReadFull(reader, sk[:]); err != nil {
		return KeyPair{}, err
	}
	pk, err := sk.Public()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pk, Private: sk}, nil
}
