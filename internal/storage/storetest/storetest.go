// Package storetest is a conformance suite shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"sealchat/go-backend/internal/domains/contracts"
	"sealchat/go-backend/internal/domains/directory"
	"sealchat/go-backend/internal/domains/ledger"
	"sealchat/go-backend/pkg/models"

	"github.com/stretchr/testify/require"
)

type Store interface {
	directory.Store
	ledger.Store
	Close() error
}

type Factory struct {
	// Open returns an empty store.
	Open func(t *testing.T) Store
	// Reopen closes s and opens the same underlying data again. Nil for
	// non-durable backends.
	Reopen func(t *testing.T, s Store) Store
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func envelope(seq uint64, sender, recipient string, at time.Time) models.Envelope {
	nonce := make([]byte, 24)
	copy(nonce, fmt.Sprintf("n-%d", seq))
	return models.Envelope{
		ID:              fmt.Sprintf("env-%03d", seq),
		Seq:             seq,
		SenderID:        sender,
		RecipientID:     recipient,
		Ciphertext:      []byte(fmt.Sprintf("ciphertext-%d-padding-padding", seq)),
		Nonce:           nonce,
		SenderPublicKey: make([]byte, 32),
		CreatedAt:       at,
	}
}

func Run(t *testing.T, f Factory) {
	t.Run("IdentityPutGetReplace", func(t *testing.T) { testIdentity(t, f) })
	t.Run("EnvelopeAppendGet", func(t *testing.T) { testAppendGet(t, f) })
	t.Run("NonceReuseRejected", func(t *testing.T) { testNonceReuse(t, f) })
	t.Run("ConversationOrdering", func(t *testing.T) { testConversationOrdering(t, f) })
	t.Run("ConversationPaging", func(t *testing.T) { testConversationPaging(t, f) })
	t.Run("UpdateEnvelope", func(t *testing.T) { testUpdate(t, f) })
	t.Run("LastEnvelope", func(t *testing.T) { testLast(t, f) })
	if f.Reopen != nil {
		t.Run("SurvivesReopen", func(t *testing.T) { testReopen(t, f) })
	}
}

func testIdentity(t *testing.T, f Factory) {
	ctx := context.Background()
	s := f.Open(t)

	_, err := s.GetIdentity(ctx, "alice")
	require.ErrorIs(t, err, contracts.ErrUnknownIdentity)

	first := models.Identity{ID: "alice", PublicKey: []byte{1, 2, 3}, Fingerprint: "sc1a", RegisteredAt: base}
	require.NoError(t, s.PutIdentity(ctx, first))
	got, err := s.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, first.PublicKey, got.PublicKey)
	require.Equal(t, "sc1a", got.Fingerprint)
	require.True(t, base.Equal(got.RegisteredAt))

	second := models.Identity{ID: "alice", PublicKey: []byte{9, 9}, Fingerprint: "sc1b", RegisteredAt: base.Add(time.Hour)}
	require.NoError(t, s.PutIdentity(ctx, second))
	got, err = s.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []byte{9, 9}, got.PublicKey)
}

func testAppendGet(t *testing.T, f Factory) {
	ctx := context.Background()
	s := f.Open(t)

	_, err := s.GetEnvelope(ctx, "missing")
	require.ErrorIs(t, err, contracts.ErrEnvelopeNotFound)

	env := envelope(1, "alice", "bob", base)
	require.NoError(t, s.AppendEnvelope(ctx, env))

	got, err := s.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	requireSameEnvelope(t, env, got)
	require.False(t, got.Delivered)
	require.False(t, got.Read)

	// Callers must not be able to mutate stored bytes through returned slices.
	got.Ciphertext[0] ^= 0xFF
	again, err := s.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	require.Equal(t, env.Ciphertext, again.Ciphertext)
}

func testNonceReuse(t *testing.T, f Factory) {
	ctx := context.Background()
	s := f.Open(t)

	first := envelope(1, "alice", "bob", base)
	require.NoError(t, s.AppendEnvelope(ctx, first))

	dup := envelope(2, "alice", "bob", base.Add(time.Second))
	dup.Nonce = first.Nonce
	require.ErrorIs(t, s.AppendEnvelope(ctx, dup), contracts.ErrNonceReused)
	_, err := s.GetEnvelope(ctx, dup.ID)
	require.ErrorIs(t, err, contracts.ErrEnvelopeNotFound)

	// The same nonce under the opposite direction is a different key pair use.
	reverse := envelope(3, "bob", "alice", base.Add(2*time.Second))
	reverse.Nonce = first.Nonce
	require.NoError(t, s.AppendEnvelope(ctx, reverse))
}

func testConversationOrdering(t *testing.T, f Factory) {
	ctx := context.Background()
	s := f.Open(t)

	// Appended out of time order, with a timestamp tie broken by sequence.
	items := []models.Envelope{
		envelope(3, "bob", "alice", base.Add(3*time.Second)),
		envelope(1, "alice", "bob", base.Add(1*time.Second)),
		envelope(2, "alice", "carol", base.Add(2*time.Second)),
		envelope(5, "alice", "bob", base.Add(4*time.Second)),
		envelope(4, "bob", "alice", base.Add(4*time.Second)),
	}
	for _, env := range items {
		require.NoError(t, s.AppendEnvelope(ctx, env))
	}

	conv, err := s.ListConversation(ctx, "alice", "bob", 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"env-001", "env-003", "env-004", "env-005"}, ids(conv))

	reversed, err := s.ListConversation(ctx, "bob", "alice", 0, 0)
	require.NoError(t, err)
	require.Equal(t, ids(conv), ids(reversed))

	carol, err := s.ListConversation(ctx, "carol", "alice", 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"env-002"}, ids(carol))

	none, err := s.ListConversation(ctx, "alice", "dave", 0, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func testConversationPaging(t *testing.T, f Factory) {
	ctx := context.Background()
	s := f.Open(t)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.AppendEnvelope(ctx, envelope(i, "alice", "bob", base.Add(time.Duration(i)*time.Second))))
	}

	page, err := s.ListConversation(ctx, "alice", "bob", 2, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"env-002", "env-003"}, ids(page))

	tail, err := s.ListConversation(ctx, "alice", "bob", 0, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"env-004", "env-005"}, ids(tail))

	past, err := s.ListConversation(ctx, "alice", "bob", 10, 50)
	require.NoError(t, err)
	require.Empty(t, past)
}

func testUpdate(t *testing.T, f Factory) {
	ctx := context.Background()
	s := f.Open(t)
	env := envelope(1, "alice", "bob", base)
	require.NoError(t, s.AppendEnvelope(ctx, env))

	_, err := s.UpdateEnvelope(ctx, "missing", func(*models.Envelope) bool { return true })
	require.ErrorIs(t, err, contracts.ErrEnvelopeNotFound)

	unchanged, err := s.UpdateEnvelope(ctx, env.ID, func(e *models.Envelope) bool {
		e.Delivered = true
		return false
	})
	require.NoError(t, err)
	require.False(t, unchanged.Delivered)
	stored, err := s.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	require.False(t, stored.Delivered)

	deliveredAt := base.Add(time.Minute)
	readAt := base.Add(2 * time.Minute)
	updated, err := s.UpdateEnvelope(ctx, env.ID, func(e *models.Envelope) bool {
		e.Delivered, e.DeliveredAt = true, deliveredAt
		e.Read, e.ReadAt = true, readAt
		return true
	})
	require.NoError(t, err)
	require.True(t, updated.Delivered)

	stored, err = s.GetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	require.True(t, stored.Delivered)
	require.True(t, stored.Read)
	require.True(t, deliveredAt.Equal(stored.DeliveredAt))
	require.True(t, readAt.Equal(stored.ReadAt))

	conv, err := s.ListConversation(ctx, "bob", "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, conv, 1)
	require.True(t, conv[0].Read)
}

func testLast(t *testing.T, f Factory) {
	ctx := context.Background()
	s := f.Open(t)

	_, ok, err := s.LastEnvelope(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.AppendEnvelope(ctx, envelope(7, "alice", "bob", base.Add(7*time.Second))))
	require.NoError(t, s.AppendEnvelope(ctx, envelope(9, "carol", "dave", base.Add(9*time.Second))))
	require.NoError(t, s.AppendEnvelope(ctx, envelope(8, "alice", "bob", base.Add(8*time.Second))))

	last, ok, err := s.LastEnvelope(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(9), last.Seq)
	require.True(t, base.Add(9*time.Second).Equal(last.CreatedAt))
}

func testReopen(t *testing.T, f Factory) {
	ctx := context.Background()
	s := f.Open(t)
	require.NoError(t, s.PutIdentity(ctx, models.Identity{ID: "alice", PublicKey: []byte{1}, RegisteredAt: base}))
	first := envelope(1, "alice", "bob", base.Add(time.Second))
	require.NoError(t, s.AppendEnvelope(ctx, first))
	_, err := s.UpdateEnvelope(ctx, first.ID, func(e *models.Envelope) bool {
		e.Delivered, e.DeliveredAt = true, base.Add(time.Hour)
		return true
	})
	require.NoError(t, err)

	s = f.Reopen(t, s)

	identity, err := s.GetIdentity(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, []byte{1}, identity.PublicKey)

	got, err := s.GetEnvelope(ctx, first.ID)
	require.NoError(t, err)
	requireSameEnvelope(t, first, got)
	require.True(t, got.Delivered)
	require.True(t, base.Add(time.Hour).Equal(got.DeliveredAt))

	dup := envelope(2, "alice", "bob", base.Add(2*time.Second))
	dup.Nonce = first.Nonce
	require.ErrorIs(t, s.AppendEnvelope(ctx, dup), contracts.ErrNonceReused)

	last, ok, err := s.LastEnvelope(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.ID, last.ID)
}

func requireSameEnvelope(t *testing.T, want, got models.Envelope) {
	t.Helper()
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.Seq, got.Seq)
	require.Equal(t, want.SenderID, got.SenderID)
	require.Equal(t, want.RecipientID, got.RecipientID)
	require.Equal(t, want.Ciphertext, got.Ciphertext)
	require.Equal(t, want.Nonce, got.Nonce)
	require.Equal(t, want.SenderPublicKey, got.SenderPublicKey)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt), "createdAt %v != %v", want.CreatedAt, got.CreatedAt)
}

func ids(envs []models.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.ID)
	}
	return out
}
