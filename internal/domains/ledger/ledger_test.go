package ledger

import (
	"cmp"
	"context"
	"crypto/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"sealchat/go-backend/internal/crypto"
	"sealchat/go-backend/internal/domains/contracts"
	"sealchat/go-backend/internal/domains/directory"
	"sealchat/go-backend/internal/storage"
	"sealchat/go-backend/pkg/models"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	ledger *Ledger
	store  *storage.MemoryStore
	dir    *directory.Directory
	keys   map[string]crypto.KeyPair
}

func newFixture(t *testing.T, opts Options, ids ...string) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	dir := directory.New(store)
	f := &fixture{store: store, dir: dir, keys: map[string]crypto.KeyPair{}}
	for _, id := range ids {
		f.register(t, id)
	}
	l, err := New(context.Background(), store, dir, opts)
	require.NoError(t, err)
	f.ledger = l
	return f
}

func (f *fixture) register(t *testing.T, id string) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	_, err = f.dir.Register(context.Background(), id, kp.Public[:])
	require.NoError(t, err)
	f.keys[id] = kp
	return kp
}

func (f *fixture) send(t *testing.T, sender, recipient, text string) models.Envelope {
	t.Helper()
	env, err := f.append(sender, recipient, text)
	require.NoError(t, err)
	return env
}

func (f *fixture) append(sender, recipient, text string) (models.Envelope, error) {
	kp := f.keys[sender]
	ct, nonce, err := crypto.Encrypt([]byte(text), f.keys[recipient].Public, kp.Private)
	if err != nil {
		return models.Envelope{}, err
	}
	return f.ledger.Append(context.Background(), sender, recipient, ct, nonce[:], kp.Public[:])
}

func TestAppendStampsEnvelope(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	env := f.send(t, "alice", "bob", "hi")

	require.NotEmpty(t, env.ID)
	require.Equal(t, uint64(1), env.Seq)
	require.Equal(t, "alice", env.SenderID)
	require.Equal(t, "bob", env.RecipientID)
	alicePub := f.keys["alice"].Public
	require.Equal(t, alicePub[:], env.SenderPublicKey)
	require.False(t, env.CreatedAt.IsZero())
	require.False(t, env.Delivered)
	require.False(t, env.Read)

	stored, err := f.ledger.Get(context.Background(), env.ID)
	require.NoError(t, err)
	require.Equal(t, env.Ciphertext, stored.Ciphertext)

	var nonce crypto.Nonce
	copy(nonce[:], stored.Nonce)
	sender, err := crypto.ParsePublicKey(stored.SenderPublicKey)
	require.NoError(t, err)
	plain, err := crypto.Decrypt(stored.Ciphertext, nonce, sender, f.keys["bob"].Private)
	require.NoError(t, err)
	require.Equal(t, "hi", string(plain))
}

func TestAppendRequiresRegisteredParties(t *testing.T) {
	f := newFixture(t, Options{}, "alice")
	kp, err := crypto.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	f.keys["ghost"] = kp

	_, err = f.append("alice", "ghost", "hello")
	require.ErrorIs(t, err, contracts.ErrUnknownIdentity)
	_, err = f.append("ghost", "alice", "hello")
	require.ErrorIs(t, err, contracts.ErrUnknownIdentity)
}

func TestAppendRejectsStaleSenderKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob")
	before := f.send(t, "alice", "bob", "first")

	stale := f.keys["alice"]
	f.register(t, "alice")

	ct, nonce, err := crypto.Encrypt([]byte("second"), f.keys["bob"].Public, stale.Private)
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, "alice", "bob", ct, nonce[:], stale.Public[:])
	require.ErrorIs(t, err, contracts.ErrInvalidKey)
	require.ErrorIs(t, err, contracts.ErrKeyMismatch)

	// The stored snapshot is untouched by rotation.
	stored, err := f.ledger.Get(ctx, before.ID)
	require.NoError(t, err)
	require.Equal(t, stale.Public[:], stored.SenderPublicKey)

	f.send(t, "alice", "bob", "after rotation")
}

func TestAppendValidatesShape(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{MaxPlaintextBytes: 16}, "alice", "bob")
	alicePub := f.keys["alice"].Public
	pk := alicePub[:]
	nonce := make([]byte, crypto.NonceSize)

	_, err := f.ledger.Append(ctx, "alice", "bob", make([]byte, crypto.Overhead+1), nonce[:10], pk)
	require.ErrorIs(t, err, contracts.ErrInvalidInput)

	_, err = f.ledger.Append(ctx, "alice", "bob", make([]byte, crypto.Overhead-1), nonce, pk)
	require.ErrorIs(t, err, contracts.ErrInvalidInput)

	_, err = f.ledger.Append(ctx, "alice", "bob", make([]byte, crypto.Overhead+17), nonce, pk)
	require.ErrorIs(t, err, contracts.ErrInvalidInput)

	_, err = f.ledger.Append(ctx, "alice", "bob", make([]byte, crypto.Overhead+1), nonce, pk[:31])
	require.ErrorIs(t, err, contracts.ErrInvalidKey)

	_, err = f.ledger.Append(ctx, "", "bob", make([]byte, crypto.Overhead+1), nonce, pk)
	require.ErrorIs(t, err, contracts.ErrInvalidInput)

	// An empty plaintext still seals to a valid envelope.
	f.send(t, "alice", "bob", "")
}

func TestAppendRejectsNonceReuse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob")
	first := f.send(t, "alice", "bob", "one")

	_, err := f.ledger.Append(ctx, "alice", "bob", first.Ciphertext, first.Nonce, first.SenderPublicKey)
	require.ErrorIs(t, err, contracts.ErrNonceReused)

	conv, err := f.ledger.Conversation(ctx, "alice", "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, conv, 1)
}

func TestConversationMergesBothDirections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob", "carol")
	a := f.send(t, "alice", "bob", "1")
	f.send(t, "alice", "carol", "x")
	b := f.send(t, "bob", "alice", "2")
	c := f.send(t, "alice", "bob", "3")

	conv, err := f.ledger.Conversation(ctx, "bob", "alice", 0, 0)
	require.NoError(t, err)
	require.Equal(t, []string{a.ID, b.ID, c.ID}, envelopeIDs(conv))
	for i := 1; i < len(conv); i++ {
		require.True(t, conv[i-1].CreatedAt.Before(conv[i].CreatedAt))
	}

	page, err := f.ledger.Conversation(ctx, "alice", "bob", 1, 1)
	require.NoError(t, err)
	require.Equal(t, []string{b.ID}, envelopeIDs(page))

	_, err = f.ledger.Conversation(ctx, "alice", "bob", -1, 0)
	require.ErrorIs(t, err, contracts.ErrInvalidInput)

	empty, err := f.ledger.Conversation(ctx, "bob", "carol", 0, 0)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestMarkDeliveredIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob")
	env := f.send(t, "alice", "bob", "hi")

	first, err := f.ledger.MarkDelivered(ctx, env.ID)
	require.NoError(t, err)
	require.True(t, first.Delivered)
	require.True(t, first.DeliveredAt.After(env.CreatedAt))
	require.False(t, first.Read)

	second, err := f.ledger.MarkDelivered(ctx, env.ID)
	require.NoError(t, err)
	require.True(t, first.DeliveredAt.Equal(second.DeliveredAt))

	_, err = f.ledger.MarkDelivered(ctx, "missing")
	require.ErrorIs(t, err, contracts.ErrEnvelopeNotFound)
}

func TestMarkReadImpliesDelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob")
	env := f.send(t, "alice", "bob", "hi")

	read, err := f.ledger.MarkRead(ctx, env.ID)
	require.NoError(t, err)
	require.True(t, read.Read)
	require.True(t, read.Delivered)
	require.True(t, env.CreatedAt.Before(read.DeliveredAt))
	require.True(t, read.DeliveredAt.Before(read.ReadAt))

	again, err := f.ledger.MarkRead(ctx, env.ID)
	require.NoError(t, err)
	require.True(t, read.ReadAt.Equal(again.ReadAt))

	// A late delivery ack never rewinds state.
	late, err := f.ledger.MarkDelivered(ctx, env.ID)
	require.NoError(t, err)
	require.True(t, late.Read)
	require.True(t, read.DeliveredAt.Equal(late.DeliveredAt))
}

func TestMarkReadAfterDelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob")
	env := f.send(t, "alice", "bob", "hi")

	delivered, err := f.ledger.MarkDelivered(ctx, env.ID)
	require.NoError(t, err)
	read, err := f.ledger.MarkRead(ctx, env.ID)
	require.NoError(t, err)
	require.True(t, delivered.DeliveredAt.Equal(read.DeliveredAt))
	require.True(t, read.ReadAt.After(read.DeliveredAt))
}

func TestTimestampsIncreaseWhenWallClockStalls(t *testing.T) {
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewClock(func() time.Time { return frozen })
	f := newFixture(t, Options{Clock: clock}, "alice", "bob")

	var prev time.Time
	for range 5 {
		env := f.send(t, "alice", "bob", "tick")
		require.True(t, env.CreatedAt.After(prev))
		prev = env.CreatedAt
	}
	read, err := f.ledger.MarkRead(context.Background(), f.send(t, "bob", "alice", "tock").ID)
	require.NoError(t, err)
	require.True(t, read.DeliveredAt.Before(read.ReadAt))
}

func TestConcurrentAppendsKeepConversationOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob")

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := range workers {
		sender, recipient := "alice", "bob"
		if w%2 == 1 {
			sender, recipient = recipient, sender
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				if _, err := f.append(sender, recipient, "msg"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	conv, err := f.ledger.Conversation(ctx, "alice", "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, conv, workers*perWorker)
	seen := map[uint64]bool{}
	for i, env := range conv {
		require.False(t, seen[env.Seq])
		seen[env.Seq] = true
		if i > 0 {
			require.True(t, conv[i-1].CreatedAt.Before(env.CreatedAt))
			require.Less(t, conv[i-1].Seq, env.Seq)
		}
	}
}

func TestNewResumesAfterStoredEnvelopes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob")
	last := f.send(t, "alice", "bob", "before restart")

	past := last.CreatedAt.Add(-time.Hour)
	restarted, err := New(ctx, f.store, f.dir, Options{Clock: NewClock(func() time.Time { return past })})
	require.NoError(t, err)
	f.ledger = restarted

	next := f.send(t, "bob", "alice", "after restart")
	require.Greater(t, next.Seq, last.Seq)
	require.True(t, next.CreatedAt.After(last.CreatedAt))
}

func TestRefetchKeepsEarlierConversationAsPrefix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob", "carol")
	f.send(t, "alice", "bob", "1")
	f.send(t, "bob", "alice", "2")
	f.send(t, "carol", "alice", "elsewhere")

	before, err := f.ledger.Conversation(ctx, "alice", "bob", 0, 0)
	require.NoError(t, err)
	require.Len(t, before, 2)

	f.send(t, "bob", "alice", "3")
	after, err := f.ledger.Conversation(ctx, "bob", "alice", 0, 0)
	require.NoError(t, err)
	requirePrefix(t, before, after)
	require.Len(t, after, 3)

	restarted, err := New(ctx, f.store, f.dir, Options{})
	require.NoError(t, err)
	f.ledger = restarted
	f.send(t, "alice", "bob", "4")
	f.send(t, "bob", "alice", "5")

	final, err := f.ledger.Conversation(ctx, "alice", "bob", 0, 0)
	require.NoError(t, err)
	requirePrefix(t, after, final)
	require.Len(t, final, 5)
}

func TestSequenceAndTimestampAgreeAcrossConversations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{}, "alice", "bob", "carol", "dave")

	pairs := [][2]string{{"alice", "bob"}, {"carol", "dave"}, {"bob", "carol"}, {"dave", "alice"}}
	var wg sync.WaitGroup
	errs := make(chan error, len(pairs)*20)
	for _, pair := range pairs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				if _, err := f.append(pair[0], pair[1], "msg"); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var all []models.Envelope
	for _, pair := range pairs {
		conv, err := f.ledger.Conversation(ctx, pair[0], pair[1], 0, 0)
		require.NoError(t, err)
		all = append(all, conv...)
	}
	require.Len(t, all, len(pairs)*20)
	slices.SortFunc(all, func(a, b models.Envelope) int { return cmp.Compare(a.Seq, b.Seq) })
	for i := 1; i < len(all); i++ {
		require.True(t, all[i-1].CreatedAt.Before(all[i].CreatedAt), "seq %d", all[i].Seq)
	}

	last, ok, err := f.store.LastEnvelope(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, last.CreatedAt.Equal(all[len(all)-1].CreatedAt))
}

func TestClockStampAndObserve(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewClock(func() time.Time { return base })

	clock.Observe(41, base.Add(time.Second))
	seq, ts := clock.Stamp()
	require.Equal(t, uint64(42), seq)
	require.True(t, ts.After(base.Add(time.Second)))

	// Lower persisted values never rewind the clock.
	clock.Observe(3, base)
	seq2, ts2 := clock.Stamp()
	require.Equal(t, uint64(43), seq2)
	require.True(t, ts2.After(ts))
}

func requirePrefix(t *testing.T, earlier, later []models.Envelope) {
	t.Helper()
	require.GreaterOrEqual(t, len(later), len(earlier))
	for i, env := range earlier {
		require.Equal(t, env.ID, later[i].ID)
		require.True(t, env.CreatedAt.Equal(later[i].CreatedAt))
	}
}

func envelopeIDs(envs []models.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.ID)
	}
	return out
}
