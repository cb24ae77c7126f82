// Package ledger is the durable, append-only record of message envelopes and
// their receipt state.
//
// The ledger stamps every envelope with a sequence number and a strictly
// increasing creation time, and enforces created < delivered < read. Marking an
// undelivered envelope as read implies delivery first.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"sealchat/go-backend/internal/crypto"
	"sealchat/go-backend/internal/domains/contracts"
	"sealchat/go-backend/internal/domains/directory"
	"sealchat/go-backend/pkg/models"

	"github.com/google/uuid"
)

const (
	DefaultMaxPlaintextBytes = 64 * 1024
	MaxConversationLimit     = 1000
	lockStripes              = 64
)

// Store persists envelopes. Implementations must make AppendEnvelope and
// UpdateEnvelope atomic, return contracts.ErrEnvelopeNotFound for unknown ids
// and contracts.ErrNonceReused for a repeated (sender, recipient, nonce).
type Store interface {
	AppendEnvelope(ctx context.Context, env models.Envelope) error
	GetEnvelope(ctx context.Context, envelopeID string) (models.Envelope, error)
	UpdateEnvelope(ctx context.Context, envelopeID string, mutate func(*models.Envelope) bool) (models.Envelope, error)
	ListConversation(ctx context.Context, idA, idB string, limit, offset int) ([]models.Envelope, error)
	LastEnvelope(ctx context.Context) (models.Envelope, bool, error)
}

// KeyResolver is the slice of the key directory the ledger needs.
type KeyResolver interface {
	Lookup(ctx context.Context, identityID string) (models.Identity, error)
}

type Options struct {
	MaxPlaintextBytes int
	Clock             *Clock
	NewID             func() string
}

type Ledger struct {
	store         Store
	keys          KeyResolver
	clock         *Clock
	newID         func() string
	maxCiphertext int

	stripes [lockStripes]sync.Mutex
}

// New seeds the sequence and clock from the newest stored envelope.
func New(ctx context.Context, store Store, keys KeyResolver, opts Options) (*Ledger, error) {
	if opts.MaxPlaintextBytes <= 0 {
		opts.MaxPlaintextBytes = DefaultMaxPlaintextBytes
	}
	if opts.Clock == nil {
		opts.Clock = NewClock(nil)
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	l := &Ledger{
		store:         store,
		keys:          keys,
		clock:         opts.Clock,
		newID:         opts.NewID,
		maxCiphertext: opts.MaxPlaintextBytes + crypto.Overhead,
	}
	last, ok, err := store.LastEnvelope(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load last envelope: %w", err)
	}
	if ok {
		l.clock.Observe(last.Seq, last.CreatedAt)
	}
	return l, nil
}

// Append validates and persists one envelope and returns the stored record.
// The sender is assumed authenticated; both parties must hold registered keys and
// the supplied sender key must be the one currently registered.
func (l *Ledger) Append(ctx context.Context, senderID, recipientID string, ciphertext, nonce, senderPublicKey []byte) (models.Envelope, error) {
	if err := directory.ValidateIdentityID(senderID); err != nil {
		return models.Envelope{}, err
	}
	if err := directory.ValidateIdentityID(recipientID); err != nil {
		return models.Envelope{}, err
	}
	snapshot, err := crypto.ParsePublicKey(senderPublicKey)
	if err != nil {
		return models.Envelope{}, err
	}
	if _, err := crypto.ParseNonce(nonce); err != nil {
		return models.Envelope{}, err
	}
	if len(ciphertext) < crypto.Overhead || len(ciphertext) > l.maxCiphertext {
		return models.Envelope{}, fmt.Errorf("%w: ciphertext must be %d..%d bytes", contracts.ErrInvalidInput, crypto.Overhead, l.maxCiphertext)
	}
	if _, err := l.keys.Lookup(ctx, recipientID); err != nil {
		return models.Envelope{}, fmt.Errorf("recipient: %w", err)
	}
	sender, err := l.keys.Lookup(ctx, senderID)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("sender: %w", err)
	}
	if !snapshot.Equal(sender.PublicKey) {
		return models.Envelope{}, fmt.Errorf("%w: %w", contracts.ErrInvalidKey, contracts.ErrKeyMismatch)
	}

	env := models.Envelope{
		ID:              l.newID(),
		SenderID:        senderID,
		RecipientID:     recipientID,
		Ciphertext:      append([]byte(nil), ciphertext...),
		Nonce:           append([]byte(nil), nonce...),
		SenderPublicKey: snapshot.Bytes(),
	}

	mu := l.stripeFor(senderID, recipientID)
	mu.Lock()
	defer mu.Unlock()
	env.Seq, env.CreatedAt = l.clock.Stamp()
	if err := l.store.AppendEnvelope(ctx, env); err != nil {
		if errors.Is(err, contracts.ErrNonceReused) {
			return models.Envelope{}, err
		}
		return models.Envelope{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("append envelope: %w", err))
	}
	return env.Clone(), nil
}

// Conversation returns envelopes exchanged between idA and idB in either
// direction, oldest first. A zero limit returns everything from offset on.
func (l *Ledger) Conversation(ctx context.Context, idA, idB string, limit, offset int) ([]models.Envelope, error) {
	if err := directory.ValidateIdentityID(idA); err != nil {
		return nil, err
	}
	if err := directory.ValidateIdentityID(idB); err != nil {
		return nil, err
	}
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: negative limit or offset", contracts.ErrInvalidInput)
	}
	if limit > MaxConversationLimit {
		limit = MaxConversationLimit
	}
	out, err := l.store.ListConversation(ctx, idA, idB, limit, offset)
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("list conversation: %w", err))
	}
	return out, nil
}

func (l *Ledger) Get(ctx context.Context, envelopeID string) (models.Envelope, error) {
	env, err := l.store.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return models.Envelope{}, l.storeError("get envelope", err)
	}
	return env, nil
}

// MarkDelivered sets the delivered flag once; later calls leave DeliveredAt as is.
func (l *Ledger) MarkDelivered(ctx context.Context, envelopeID string) (models.Envelope, error) {
	env, err := l.store.UpdateEnvelope(ctx, envelopeID, func(e *models.Envelope) bool {
		if e.Delivered {
			return false
		}
		l.deliver(e)
		return true
	})
	if err != nil {
		return models.Envelope{}, l.storeError("mark delivered", err)
	}
	return env, nil
}

// MarkRead sets the read flag once, marking the envelope delivered first when
// no delivery acknowledgement was recorded.
func (l *Ledger) MarkRead(ctx context.Context, envelopeID string) (models.Envelope, error) {
	env, err := l.store.UpdateEnvelope(ctx, envelopeID, func(e *models.Envelope) bool {
		if e.Read {
			return false
		}
		if !e.Delivered {
			l.deliver(e)
		}
		e.Read = true
		e.ReadAt = l.clock.After(e.DeliveredAt)
		return true
	})
	if err != nil {
		return models.Envelope{}, l.storeError("mark read", err)
	}
	return env, nil
}

func (l *Ledger) deliver(e *models.Envelope) {
	e.Delivered = true
	e.DeliveredAt = l.clock.After(e.CreatedAt)
}

func (l *Ledger) stripeFor(a, b string) *sync.Mutex {
	lo, hi := models.ConversationPair(a, b)
	h := fnv.New32a()
	_, _ = h.Write([]byte(lo))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(hi))
	return &l.stripes[h.Sum32()%lockStripes]
}

func (l *Ledger) storeError(op string, err error) error {
	if errors.Is(err, contracts.ErrEnvelopeNotFound) {
		return err
	}
	return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("%s: %w", op, err))
}
