// Package directory maps identities to their single active public key.
//
// The directory only ever sees public halves. Registration replaces the previous
// key without keeping history; envelopes carry their own sender key snapshot so
// rotation never orphans stored messages.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"sealchat/go-backend/internal/crypto"
	"sealchat/go-backend/internal/domains/contracts"
	"sealchat/go-backend/pkg/models"

	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	MaxIdentityIDLength = 128
	fingerprintPrefix   = "sc1"
)

// Store persists identity records. GetIdentity returns contracts.ErrUnknownIdentity
// for ids that were never registered.
type Store interface {
	PutIdentity(ctx context.Context, identity models.Identity) error
	GetIdentity(ctx context.Context, identityID string) (models.Identity, error)
}

type Directory struct {
	store Store
	now   func() time.Time

	// writeMu orders store writes with their cache updates.
	writeMu sync.Mutex
	mu      sync.RWMutex
	cache   map[string]models.Identity
}

func New(store Store) *Directory {
	return &Directory{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		cache: make(map[string]models.Identity),
	}
}

// Register stores or replaces the active key for identityID.
func (d *Directory) Register(ctx context.Context, identityID string, rawKey []byte) (models.Identity, error) {
	if err := ValidateIdentityID(identityID); err != nil {
		return models.Identity{}, err
	}
	pk, err := crypto.ParsePublicKey(rawKey)
	if err != nil {
		return models.Identity{}, err
	}
	identity := models.Identity{
		ID:           identityID,
		PublicKey:    pk.Bytes(),
		Fingerprint:  Fingerprint(pk),
		RegisteredAt: d.now(),
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.store.PutIdentity(ctx, identity); err != nil {
		return models.Identity{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("register identity: %w", err))
	}

	d.mu.Lock()
	d.cache[identityID] = identity
	d.mu.Unlock()
	return cloneIdentity(identity), nil
}

func (d *Directory) Lookup(ctx context.Context, identityID string) (models.Identity, error) {
	if err := ValidateIdentityID(identityID); err != nil {
		return models.Identity{}, contracts.ErrUnknownIdentity
	}
	d.mu.RLock()
	cached, ok := d.cache[identityID]
	d.mu.RUnlock()
	if ok {
		return cloneIdentity(cached), nil
	}

	identity, err := d.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, contracts.ErrUnknownIdentity) {
			return models.Identity{}, err
		}
		return models.Identity{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("lookup identity: %w", err))
	}

	d.mu.Lock()
	// A concurrent Register wins over the value we just read.
	if current, ok := d.cache[identityID]; ok {
		identity = current
	} else {
		d.cache[identityID] = identity
	}
	d.mu.Unlock()
	return cloneIdentity(identity), nil
}

// LookupKey returns the parsed active key for identityID.
func (d *Directory) LookupKey(ctx context.Context, identityID string) (crypto.PublicKey, error) {
	identity, err := d.Lookup(ctx, identityID)
	if err != nil {
		return crypto.PublicKey{}, err
	}
	return crypto.ParsePublicKey(identity.PublicKey)
}

// Fingerprint is a short, human-comparable digest of a public key.
func Fingerprint(pk crypto.PublicKey) string {
	h := blake2b.Sum256(pk[:])
	return fingerprintPrefix + base58.Encode(h[:20])
}

func ValidateIdentityID(identityID string) error {
	if identityID == "" || strings.TrimSpace(identityID) != identityID {
		return fmt.Errorf("%w: identity id is empty or padded", contracts.ErrInvalidInput)
	}
	if len(identityID) > MaxIdentityIDLength {
		return fmt.Errorf("%w: identity id is too long", contracts.ErrInvalidInput)
	}
	for _, r := range identityID {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: identity id contains control characters", contracts.ErrInvalidInput)
		}
	}
	return nil
}

func cloneIdentity(in models.Identity) models.Identity {
	out := in
	out.PublicKey = append([]byte(nil), in.PublicKey...)
	return out
}
