// Package storage holds the in-process store backend. It keeps identities and
// envelopes in memory and, when given a path, mirrors every committed change to
// a single JSON snapshot file (sealed with securestore when a passphrase is set).
package storage

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"sealchat/go-backend/internal/domains/contracts"
	"sealchat/go-backend/internal/securestore"
	"sealchat/go-backend/pkg/models"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"

	snapshotLabel = "sealchat/snapshot/v1"
)

var ErrEnvelopeIDConflict = errors.New("envelope id conflict")

type MemoryStore struct {
	mu            sync.RWMutex
	identities    map[string]models.Identity
	envelopes     map[string]models.Envelope
	conversations map[string][]string
	nonces        map[string]struct{}
	lastID        string
	path          string
	secret        string
}

type snapshot struct {
	Identities map[string]models.Identity `json:"identities"`
	Envelopes  []models.Envelope          `json:"envelopes"`
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities:    make(map[string]models.Identity),
		envelopes:     make(map[string]models.Envelope),
		conversations: make(map[string][]string),
		nonces:        make(map[string]struct{}),
	}
}

// NewFileStore opens (or creates) a snapshot-backed store at path. An empty
// passphrase stores plain JSON.
func NewFileStore(path, passphrase string) (*MemoryStore, error) {
	s := NewMemoryStore()
	s.path = path
	s.secret = passphrase
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) Backend() string {
	if s.path != "" {
		return BackendFile
	}
	return BackendMemory
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) PutIdentity(_ context.Context, identity models.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, existed := s.identities[identity.ID]
	s.identities[identity.ID] = cloneIdentity(identity)
	if err := s.persistLocked(); err != nil {
		if existed {
			s.identities[identity.ID] = previous
		} else {
			delete(s.identities, identity.ID)
		}
		return err
	}
	return nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, identityID string) (models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[identityID]
	if !ok {
		return models.Identity{}, contracts.ErrUnknownIdentity
	}
	return cloneIdentity(identity), nil
}

func (s *MemoryStore) AppendEnvelope(_ context.Context, env models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.envelopes[env.ID]; ok {
		if SameEnvelope(existing, env) {
			return nil
		}
		return ErrEnvelopeIDConflict
	}
	nk := nonceKey(env.SenderID, env.RecipientID, env.Nonce)
	if _, used := s.nonces[nk]; used {
		return contracts.ErrNonceReused
	}

	prevLast := s.lastID
	s.insertLocked(env.Clone())
	if err := s.persistLocked(); err != nil {
		s.removeLocked(env)
		s.lastID = prevLast
		return err
	}
	return nil
}

func (s *MemoryStore) GetEnvelope(_ context.Context, envelopeID string) (models.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envelopes[envelopeID]
	if !ok {
		return models.Envelope{}, contracts.ErrEnvelopeNotFound
	}
	return env.Clone(), nil
}

func (s *MemoryStore) UpdateEnvelope(_ context.Context, envelopeID string, mutate func(*models.Envelope) bool) (models.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.envelopes[envelopeID]
	if !ok {
		return models.Envelope{}, contracts.ErrEnvelopeNotFound
	}
	next := current.Clone()
	if !mutate(&next) {
		return current.Clone(), nil
	}
	s.envelopes[envelopeID] = next
	if err := s.persistLocked(); err != nil {
		s.envelopes[envelopeID] = current
		return models.Envelope{}, err
	}
	return next.Clone(), nil
}

func (s *MemoryStore) ListConversation(_ context.Context, idA, idB string, limit, offset int) ([]models.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.conversations[pairKey(idA, idB)]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(ids) {
		return []models.Envelope{}, nil
	}
	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	out := make([]models.Envelope, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.envelopes[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) LastEnvelope(context.Context) (models.Envelope, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastID == "" {
		return models.Envelope{}, false, nil
	}
	return s.envelopes[s.lastID].Clone(), true, nil
}

func (s *MemoryStore) insertLocked(env models.Envelope) {
	s.envelopes[env.ID] = env
	s.nonces[nonceKey(env.SenderID, env.RecipientID, env.Nonce)] = struct{}{}

	key := pairKey(env.SenderID, env.RecipientID)
	ids := s.conversations[key]
	pos := sort.Search(len(ids), func(i int) bool {
		return models.EnvelopeLess(env, s.envelopes[ids[i]])
	})
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = env.ID
	s.conversations[key] = ids

	if s.lastID == "" || env.Seq > s.envelopes[s.lastID].Seq {
		s.lastID = env.ID
	}
}

func (s *MemoryStore) removeLocked(env models.Envelope) {
	delete(s.envelopes, env.ID)
	delete(s.nonces, nonceKey(env.SenderID, env.RecipientID, env.Nonce))
	key := pairKey(env.SenderID, env.RecipientID)
	ids := s.conversations[key]
	for i, id := range ids {
		if id == env.ID {
			s.conversations[key] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.conversations[key]) == 0 {
		delete(s.conversations, key)
	}
}

func (s *MemoryStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}
	var snap snapshot
	found, err := securestore.ReadSnapshot(s.path, s.secret, snapshotLabel, &snap)
	if err != nil || !found {
		return err
	}
	for id, identity := range snap.Identities {
		s.identities[id] = identity
	}
	for _, env := range snap.Envelopes {
		s.insertLocked(env)
	}
	return nil
}

func (s *MemoryStore) persistLocked() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{
		Identities: s.identities,
		Envelopes:  make([]models.Envelope, 0, len(s.envelopes)),
	}
	for _, env := range s.envelopes {
		snap.Envelopes = append(snap.Envelopes, env)
	}
	sort.Slice(snap.Envelopes, func(i, j int) bool {
		return snap.Envelopes[i].Seq < snap.Envelopes[j].Seq
	})
	return securestore.WriteSnapshot(s.path, s.secret, snapshotLabel, snap)
}

func pairKey(a, b string) string {
	lo, hi := models.ConversationPair(a, b)
	return lo + "\x00" + hi
}

func nonceKey(senderID, recipientID string, nonce []byte) string {
	return senderID + "\x00" + recipientID + "\x00" + string(nonce)
}

func cloneIdentity(in models.Identity) models.Identity {
	out := in
	out.PublicKey = append([]byte(nil), in.PublicKey...)
	return out
}

// SameEnvelope reports whether two records describe the same appended envelope,
// ignoring receipt state.
func SameEnvelope(a, b models.Envelope) bool {
	return a.ID == b.ID &&
		a.Seq == b.Seq &&
		a.SenderID == b.SenderID &&
		a.RecipientID == b.RecipientID &&
		bytes.Equal(a.Ciphertext, b.Ciphertext) &&
		bytes.Equal(a.Nonce, b.Nonce) &&
		bytes.Equal(a.SenderPublicKey, b.SenderPublicKey) &&
		a.CreatedAt.Equal(b.CreatedAt)
}
