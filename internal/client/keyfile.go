package client

import (
	"errors"
	"fmt"
	"os"

	"sealchat/go-backend/internal/crypto"
	"sealchat/go-backend/internal/securestore"
)

const keyFileLabel = "sealctl-keypair"

var ErrNoKeyFile = errors.New("key file not found")

// KeyFile is the local record of one identity's box keypair.
type KeyFile struct {
	IdentityID string `json:"identityId,omitempty"`
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
}

func (k KeyFile) KeyPair() (crypto.KeyPair, error) {
	sk, err := crypto.ParsePrivateKey(k.PrivateKey)
	if err != nil {
		return crypto.KeyPair{}, err
	}
	pk, err := sk.Public()
	if err != nil {
		return crypto.KeyPair{}, err
	}
	if !pk.Equal(k.PublicKey) {
		return crypto.KeyPair{}, errors.New("key file public key does not match its private key")
	}
	return crypto.KeyPair{Public: pk, Private: sk}, nil
}

func NewKeyFile(identityID string, kp crypto.KeyPair) KeyFile {
	return KeyFile{IdentityID: identityID, PublicKey: kp.Public.Bytes(), PrivateKey: kp.Private.Bytes()}
}

// SaveKeyFile writes the key file, sealed when passphrase is set. Existing
// files are only replaced when overwrite is true.
func SaveKeyFile(path, passphrase string, k KeyFile, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	return securestore.WriteSnapshot(path, passphrase, keyFileLabel, k)
}

func LoadKeyFile(path, passphrase string) (KeyFile, error) {
	var k KeyFile
	found, err := securestore.ReadSnapshot(path, passphrase, keyFileLabel, &k)
	if err != nil {
		return KeyFile{}, err
	}
	if !found {
		return KeyFile{}, fmt.Errorf("%w: %s", ErrNoKeyFile, path)
	}
	return k, nil
}
