package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"sealchat/go-backend/internal/storage/storetest"
	"sealchat/go-backend/pkg/models"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	paths := map[storetest.Store]string{}
	storetest.Run(t, storetest.Factory{
		Open: func(t *testing.T) storetest.Store {
			path := filepath.Join(t.TempDir(), "sealchat.sqlite")
			s := openTemp(t, path)
			paths[s] = path
			return s
		},
		Reopen: func(t *testing.T, s storetest.Store) storetest.Store {
			require.NoError(t, s.Close())
			return openTemp(t, paths[s])
		},
	})
}

func TestConcurrentUpdatesApplyOnce(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t, filepath.Join(t.TempDir(), "sealchat.sqlite"))
	require.NoError(t, s.AppendEnvelope(ctx, models.Envelope{
		ID: "env-1", Seq: 1, SenderID: "alice", RecipientID: "bob",
		Ciphertext: []byte("c"), Nonce: []byte("n"), SenderPublicKey: []byte("k"),
		CreatedAt: time.Unix(1, 0).UTC(),
	}))

	type result struct {
		applied bool
		err     error
	}
	results := make(chan result, 8)
	for range 8 {
		go func() {
			var applied bool
			_, err := s.UpdateEnvelope(ctx, "env-1", func(e *models.Envelope) bool {
				applied = false
				if e.Delivered {
					return false
				}
				e.Delivered, e.DeliveredAt = true, time.Unix(2, 0).UTC()
				applied = true
				return true
			})
			results <- result{applied: applied, err: err}
		}()
	}
	count := 0
	for range 8 {
		r := <-results
		require.NoError(t, r.err)
		if r.applied {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestPing(t *testing.T) {
	s := openTemp(t, filepath.Join(t.TempDir(), "sealchat.sqlite"))
	require.NoError(t, s.Ping(context.Background()))
	require.Equal(t, Backend, s.Backend())
}
