package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sealchat/go-backend/internal/storage"
	"sealchat/go-backend/internal/storage/storetest"
	"sealchat/go-backend/pkg/models"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sealchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, storetest.Factory{
		Open: func(t *testing.T) storetest.Store { return openTemp(t) },
		Reopen: func(t *testing.T, s storetest.Store) storetest.Store {
			path := s.(*Store).db.Path()
			require.NoError(t, s.Close())
			reopened, err := Open(path)
			require.NoError(t, err)
			t.Cleanup(func() { _ = reopened.Close() })
			return reopened
		},
	})
}

func TestPreservesNanosecondTimestamps(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	at := time.Date(2026, 5, 4, 3, 2, 1, 123456789, time.UTC)
	env := models.Envelope{
		ID: "env-1", Seq: 1, SenderID: "alice", RecipientID: "bob",
		Ciphertext: []byte("c"), Nonce: []byte("n"), CreatedAt: at,
	}
	require.NoError(t, s.AppendEnvelope(ctx, env))

	got, err := s.GetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	require.True(t, at.Equal(got.CreatedAt))
	require.True(t, got.DeliveredAt.IsZero())
	require.True(t, got.ReadAt.IsZero())
}

func TestAppendIdempotentByID(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	env := models.Envelope{
		ID: "env-1", Seq: 1, SenderID: "alice", RecipientID: "bob",
		Ciphertext: []byte("c"), Nonce: []byte("n"), CreatedAt: time.Unix(5, 0).UTC(),
	}
	require.NoError(t, s.AppendEnvelope(ctx, env))
	require.NoError(t, s.AppendEnvelope(ctx, env))

	conflict := env
	conflict.Seq = 2
	require.ErrorIs(t, s.AppendEnvelope(ctx, conflict), storage.ErrEnvelopeIDConflict)
}

func TestRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sealchat.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(metadataBucket)).Put([]byte(versionKey), []byte{StorageVersion + 1})
	}))
	require.NoError(t, s.Close())

	_, err = Open(path)
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestPing(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.Ping(context.Background()))
	require.Equal(t, Backend, s.Backend())
}
