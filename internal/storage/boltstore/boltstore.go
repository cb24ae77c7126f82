// Package boltstore keeps identities and envelopes in a single bbolt file.
//
// Records are CBOR encoded. Conversation order lives in a secondary bucket
// whose keys sort by (pair, createdAt, seq), so reading a conversation is one
// cursor walk over a prefix.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"sealchat/go-backend/internal/domains/contracts"
	"sealchat/go-backend/internal/storage"
	"sealchat/go-backend/pkg/models"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	Backend = "bolt"

	metadataBucket      = "metadata"
	versionKey          = "version"
	identitiesBucket    = "identities"
	envelopesBucket     = "envelopes"
	conversationsBucket = "conversations"
	sequenceBucket      = "sequence"
	noncesBucket        = "nonces"

	StorageVersion = 1
)

var ErrVersionMismatch = errors.New("boltstore: unsupported storage version")

type identityRecord struct {
	ID           string
	PublicKey    []byte
	Fingerprint  string
	RegisteredAt int64
}

// Times are kept as Unix nanoseconds; the default CBOR time encoding drops
// sub-second precision and ordering depends on it.
type envelopeRecord struct {
	ID              string
	Seq             uint64
	SenderID        string
	RecipientID     string
	Ciphertext      []byte
	Nonce           []byte
	SenderPublicKey []byte
	CreatedAt       int64
	Delivered       bool
	DeliveredAt     int64
	Read            bool
	ReadAt          int64
}

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{identitiesBucket, envelopesBucket, conversationsBucket, sequenceBucket, noncesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if raw := meta.Get([]byte(versionKey)); raw != nil {
			if len(raw) != 1 || raw[0] != StorageVersion {
				return fmt.Errorf("%w: %v", ErrVersionMismatch, raw)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{StorageVersion})
	})
}

func (s *Store) Backend() string { return Backend }

func (s *Store) Ping(context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(metadataBucket)) == nil {
			return errors.New("boltstore: metadata bucket missing")
		}
		return nil
	})
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) PutIdentity(_ context.Context, identity models.Identity) error {
	raw, err := cbor.Marshal(identityRecord{
		ID:           identity.ID,
		PublicKey:    identity.PublicKey,
		Fingerprint:  identity.Fingerprint,
		RegisteredAt: unixNano(identity.RegisteredAt),
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(identitiesBucket)).Put([]byte(identity.ID), raw)
	})
}

func (s *Store) GetIdentity(_ context.Context, identityID string) (models.Identity, error) {
	var out models.Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(identitiesBucket)).Get([]byte(identityID))
		if raw == nil {
			return contracts.ErrUnknownIdentity
		}
		var rec identityRecord
		if err := cbor.Unmarshal(raw, &rec); err != nil {
			return err
		}
		out = models.Identity{
			ID:           rec.ID,
			PublicKey:    append([]byte(nil), rec.PublicKey...),
			Fingerprint:  rec.Fingerprint,
			RegisteredAt: fromUnixNano(rec.RegisteredAt),
		}
		return nil
	})
	return out, err
}

func (s *Store) AppendEnvelope(_ context.Context, env models.Envelope) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		envelopes := tx.Bucket([]byte(envelopesBucket))
		if raw := envelopes.Get([]byte(env.ID)); raw != nil {
			existing, err := decodeEnvelope(raw)
			if err != nil {
				return err
			}
			if storage.SameEnvelope(existing, env) {
				return nil
			}
			return storage.ErrEnvelopeIDConflict
		}

		nonces := tx.Bucket([]byte(noncesBucket))
		nk := nonceKey(env.SenderID, env.RecipientID, env.Nonce)
		if nonces.Get(nk) != nil {
			return contracts.ErrNonceReused
		}

		raw, err := encodeEnvelope(env)
		if err != nil {
			return err
		}
		id := []byte(env.ID)
		if err := envelopes.Put(id, raw); err != nil {
			return err
		}
		if err := nonces.Put(nk, id); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(sequenceBucket)).Put(seqKey(env.Seq), id); err != nil {
			return err
		}
		return tx.Bucket([]byte(conversationsBucket)).Put(conversationKey(env), id)
	})
}

func (s *Store) GetEnvelope(_ context.Context, envelopeID string) (models.Envelope, error) {
	var out models.Envelope
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(envelopesBucket)).Get([]byte(envelopeID))
		if raw == nil {
			return contracts.ErrEnvelopeNotFound
		}
		var err error
		out, err = decodeEnvelope(raw)
		return err
	})
	return out, err
}

func (s *Store) UpdateEnvelope(_ context.Context, envelopeID string, mutate func(*models.Envelope) bool) (models.Envelope, error) {
	var out models.Envelope
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(envelopesBucket))
		raw := bkt.Get([]byte(envelopeID))
		if raw == nil {
			return contracts.ErrEnvelopeNotFound
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			return err
		}
		if !mutate(&env) {
			out = env
			return nil
		}
		updated, err := encodeEnvelope(env)
		if err != nil {
			return err
		}
		out = env
		return bkt.Put([]byte(envelopeID), updated)
	})
	if err != nil {
		return models.Envelope{}, err
	}
	return out, nil
}

func (s *Store) ListConversation(_ context.Context, idA, idB string, limit, offset int) ([]models.Envelope, error) {
	out := []models.Envelope{}
	prefix := pairPrefix(idA, idB)
	err := s.db.View(func(tx *bolt.Tx) error {
		envelopes := tx.Bucket([]byte(envelopesBucket))
		c := tx.Bucket([]byte(conversationsBucket)).Cursor()
		skipped := 0
		for k, id := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, id = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			raw := envelopes.Get(id)
			if raw == nil {
				return fmt.Errorf("boltstore: dangling conversation entry %q", id)
			}
			env, err := decodeEnvelope(raw)
			if err != nil {
				return err
			}
			out = append(out, env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) LastEnvelope(context.Context) (models.Envelope, bool, error) {
	var (
		out   models.Envelope
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		_, id := tx.Bucket([]byte(sequenceBucket)).Cursor().Last()
		if id == nil {
			return nil
		}
		raw := tx.Bucket([]byte(envelopesBucket)).Get(id)
		if raw == nil {
			return fmt.Errorf("boltstore: dangling sequence entry %q", id)
		}
		var err error
		out, err = decodeEnvelope(raw)
		found = err == nil
		return err
	})
	return out, found, err
}

func encodeEnvelope(env models.Envelope) ([]byte, error) {
	return cbor.Marshal(envelopeRecord{
		ID:              env.ID,
		Seq:             env.Seq,
		SenderID:        env.SenderID,
		RecipientID:     env.RecipientID,
		Ciphertext:      env.Ciphertext,
		Nonce:           env.Nonce,
		SenderPublicKey: env.SenderPublicKey,
		CreatedAt:       unixNano(env.CreatedAt),
		Delivered:       env.Delivered,
		DeliveredAt:     unixNano(env.DeliveredAt),
		Read:            env.Read,
		ReadAt:          unixNano(env.ReadAt),
	})
}

// decodeEnvelope copies out of bolt-owned memory since the returned slices
// outlive the transaction.
func decodeEnvelope(raw []byte) (models.Envelope, error) {
	var rec envelopeRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return models.Envelope{}, err
	}
	env := models.Envelope{
		ID:              rec.ID,
		Seq:             rec.Seq,
		SenderID:        rec.SenderID,
		RecipientID:     rec.RecipientID,
		Ciphertext:      rec.Ciphertext,
		Nonce:           rec.Nonce,
		SenderPublicKey: rec.SenderPublicKey,
		CreatedAt:       fromUnixNano(rec.CreatedAt),
		Delivered:       rec.Delivered,
		DeliveredAt:     fromUnixNano(rec.DeliveredAt),
		Read:            rec.Read,
		ReadAt:          fromUnixNano(rec.ReadAt),
	}
	return env.Clone(), nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func pairPrefix(a, b string) []byte {
	lo, hi := models.ConversationPair(a, b)
	buf := make([]byte, 0, 4+len(lo)+len(hi))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(lo)))
	buf = append(buf, lo...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(hi)))
	return append(buf, hi...)
}

func conversationKey(env models.Envelope) []byte {
	key := pairPrefix(env.SenderID, env.RecipientID)
	// Flip the sign bit so negative instants still sort before positive ones.
	key = binary.BigEndian.AppendUint64(key, uint64(env.CreatedAt.UnixNano())^(1<<63))
	return binary.BigEndian.AppendUint64(key, env.Seq)
}

func seqKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

func nonceKey(senderID, recipientID string, nonce []byte) []byte {
	key := make([]byte, 0, 4+len(senderID)+len(recipientID)+len(nonce))
	key = binary.BigEndian.AppendUint16(key, uint16(len(senderID)))
	key = append(key, senderID...)
	key = binary.BigEndian.AppendUint16(key, uint16(len(recipientID)))
	key = append(key, recipientID...)
	return append(key, nonce...)
}
