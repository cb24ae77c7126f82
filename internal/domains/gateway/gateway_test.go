package gateway

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"sealchat/go-backend/internal/app"
	"sealchat/go-backend/internal/crypto"
	"sealchat/go-backend/internal/domains/contracts"
	"sealchat/go-backend/internal/domains/delivery"
	"sealchat/go-backend/internal/domains/directory"
	"sealchat/go-backend/internal/domains/ledger"
	"sealchat/go-backend/internal/platform/privacylog"
	"sealchat/go-backend/internal/platform/ratelimiter"
	"sealchat/go-backend/internal/storage"
	"sealchat/go-backend/pkg/models"

	"github.com/stretchr/testify/require"
)

type harness struct {
	gw    *Gateway
	bus   *delivery.Bus
	store *storage.MemoryStore
	keys  map[string]crypto.KeyPair
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	dir := directory.New(store)
	led, err := ledger.New(context.Background(), store, dir, ledger.Options{})
	require.NoError(t, err)
	bus := delivery.NewBus(delivery.Options{})
	if opts.Storage == nil {
		opts.Storage = store
	}
	return &harness{
		gw:    New(dir, led, bus, opts),
		bus:   bus,
		store: store,
		keys:  map[string]crypto.KeyPair{},
	}
}

func (h *harness) register(t *testing.T, id string) crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	_, err = h.gw.RegisterKey(context.Background(), id, kp.Public[:])
	require.NoError(t, err)
	h.keys[id] = kp
	return kp
}

func (h *harness) sendRequest(t *testing.T, from, to, text string) models.SendRequest {
	t.Helper()
	recipient, err := h.gw.LookupKey(context.Background(), from, to)
	require.NoError(t, err)
	pk, err := crypto.ParsePublicKey(recipient.PublicKey)
	require.NoError(t, err)
	ct, nonce, err := crypto.Encrypt([]byte(text), pk, h.keys[from].Private)
	require.NoError(t, err)
	senderPub := h.keys[from].Public
	return models.SendRequest{
		RecipientID:     to,
		Ciphertext:      ct,
		Nonce:           nonce[:],
		SenderPublicKey: senderPub[:],
	}
}

func decrypt(t *testing.T, kp crypto.KeyPair, ciphertext, nonce, senderPublicKey []byte) string {
	t.Helper()
	plain, err := crypto.DecryptBytes(ciphertext, nonce, senderPublicKey, kp.Private[:])
	require.NoError(t, err)
	return string(plain)
}

func TestEndToEndSendFetchAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	metrics := app.NewMetrics()
	h := newHarness(t, Options{Metrics: metrics})
	h.register(t, "alice")
	bob := h.register(t, "bob")

	sub, err := h.gw.Subscribe(ctx, "bob")
	require.NoError(t, err)
	defer sub.Close()

	res, err := h.gw.Send(ctx, "alice", h.sendRequest(t, "alice", "bob", "hi"))
	require.NoError(t, err)
	require.NotEmpty(t, res.EnvelopeID)

	select {
	case ev := <-sub.Events():
		require.Equal(t, res.EnvelopeID, ev.ID)
		require.Equal(t, "alice", ev.SenderID)
		require.Equal(t, "hi", decrypt(t, bob, ev.Ciphertext, ev.Nonce, ev.SenderPublicKey))
	case <-time.After(time.Second):
		t.Fatal("live event not delivered")
	}

	conv, err := h.gw.FetchConversation(ctx, "bob", models.ConversationQuery{OtherID: "alice"})
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	msg := conv.Messages[0]
	require.Equal(t, "hi", decrypt(t, bob, msg.Ciphertext, msg.Nonce, msg.SenderPublicKey))
	require.False(t, msg.Delivered)

	delivered, err := h.gw.AcknowledgeDelivered(ctx, "bob", res.EnvelopeID)
	require.NoError(t, err)
	require.True(t, delivered.Delivered)
	read, err := h.gw.AcknowledgeRead(ctx, "bob", res.EnvelopeID)
	require.NoError(t, err)
	require.True(t, read.Read)
	require.True(t, read.ReadAt.After(read.DeliveredAt))

	fromAlice, err := h.gw.FetchConversation(ctx, "alice", models.ConversationQuery{OtherID: "bob"})
	require.NoError(t, err)
	require.True(t, fromAlice.Messages[0].Read)
}

func TestSendLogsEnvelopeFingerprintsOnly(t *testing.T) {
	var logs bytes.Buffer
	h := newHarness(t, Options{Logger: app.NewLogger(&logs, "info")})
	h.register(t, "alice")
	h.register(t, "bob")

	res, err := h.gw.Send(context.Background(), "alice", h.sendRequest(t, "alice", "bob", "secret words"))
	require.NoError(t, err)

	out := logs.String()
	require.Contains(t, out, `"envelope_id_fp":"`+privacylog.FingerprintID(res.EnvelopeID)+`"`)
	require.Contains(t, out, `"recipient_id_fp":"`+privacylog.FingerprintID("bob")+`"`)
	require.NotContains(t, out, res.EnvelopeID)
	require.NotContains(t, out, `"bob"`)
}

func TestSendToOfflineRecipientStillStores(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.register(t, "alice")
	h.register(t, "bob")

	res, err := h.gw.Send(ctx, "alice", h.sendRequest(t, "alice", "bob", "later"))
	require.NoError(t, err)

	conv, err := h.gw.FetchConversation(ctx, "bob", models.ConversationQuery{OtherID: "alice"})
	require.NoError(t, err)
	require.Equal(t, res.EnvelopeID, conv.Messages[0].ID)
}

func TestSendAuthorization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.register(t, "alice")
	h.register(t, "bob")
	h.register(t, "mallory")

	req := h.sendRequest(t, "mallory", "bob", "spoof")
	req.SenderID = "alice"
	_, err := h.gw.Send(ctx, "mallory", req)
	require.ErrorIs(t, err, contracts.ErrUnauthorized)

	// Claiming alice's key from mallory's session is a key mismatch.
	req = h.sendRequest(t, "alice", "bob", "spoof")
	_, err = h.gw.Send(ctx, "mallory", req)
	require.ErrorIs(t, err, contracts.ErrKeyMismatch)

	_, err = h.gw.Send(ctx, "", req)
	require.ErrorIs(t, err, contracts.ErrUnauthenticated)

	req = h.sendRequest(t, "alice", "bob", "ok")
	req.SenderID = "alice"
	_, err = h.gw.Send(ctx, "alice", req)
	require.NoError(t, err)
}

func TestSendToUnknownRecipient(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.register(t, "alice")
	ghost, err := crypto.GenerateKeyPair(rand.Reader)
	require.NoError(t, err)
	ct, nonce, err := crypto.Encrypt([]byte("hello?"), ghost.Public, alice.Private)
	require.NoError(t, err)

	_, err = h.gw.Send(context.Background(), "alice", models.SendRequest{
		RecipientID: "ghost", Ciphertext: ct, Nonce: nonce[:], SenderPublicKey: alice.Public[:],
	})
	require.ErrorIs(t, err, contracts.ErrUnknownIdentity)
}

func TestFetchConversationAuthorization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.register(t, "alice")
	h.register(t, "bob")
	_, err := h.gw.Send(ctx, "alice", h.sendRequest(t, "alice", "bob", "private"))
	require.NoError(t, err)

	_, err = h.gw.FetchConversation(ctx, "mallory", models.ConversationQuery{SelfID: "alice", OtherID: "bob"})
	require.ErrorIs(t, err, contracts.ErrUnauthorized)

	// The caller may name itself as either party.
	res, err := h.gw.FetchConversation(ctx, "bob", models.ConversationQuery{SelfID: "alice", OtherID: "bob"})
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)

	_, err = h.gw.FetchConversation(ctx, "bob", models.ConversationQuery{})
	require.ErrorIs(t, err, contracts.ErrInvalidInput)
}

func TestAcknowledgeRequiresRecipient(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	h.register(t, "alice")
	h.register(t, "bob")
	res, err := h.gw.Send(ctx, "alice", h.sendRequest(t, "alice", "bob", "hi"))
	require.NoError(t, err)

	_, err = h.gw.AcknowledgeDelivered(ctx, "alice", res.EnvelopeID)
	require.ErrorIs(t, err, contracts.ErrUnauthorized)
	_, err = h.gw.AcknowledgeRead(ctx, "mallory", res.EnvelopeID)
	require.ErrorIs(t, err, contracts.ErrUnauthorized)
	_, err = h.gw.AcknowledgeRead(ctx, "bob", "missing")
	require.ErrorIs(t, err, contracts.ErrEnvelopeNotFound)

	// Reading without an explicit delivery ack still leaves delivered set.
	read, err := h.gw.AcknowledgeRead(ctx, "bob", res.EnvelopeID)
	require.NoError(t, err)
	require.True(t, read.Delivered)
	require.True(t, read.DeliveredAt.Before(read.ReadAt))
}

func TestRegisterKeyOnlyForCaller(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	_, err := h.gw.RegisterKey(ctx, "", make([]byte, 32))
	require.ErrorIs(t, err, contracts.ErrUnauthenticated)
	_, err = h.gw.RegisterKey(ctx, "alice", []byte("short"))
	require.ErrorIs(t, err, contracts.ErrInvalidKey)

	kp := h.register(t, "alice")
	got, err := h.gw.LookupKey(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, kp.Public[:], got.PublicKey)

	_, err = h.gw.LookupKey(ctx, "bob", "nobody")
	require.ErrorIs(t, err, contracts.ErrUnknownIdentity)
}

func TestSendIsRateLimitedPerCaller(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, Options{
		SendLimiter: ratelimiter.New(1, 2, time.Minute),
		Now:         func() time.Time { return now },
	})
	h.register(t, "alice")
	h.register(t, "bob")

	for range 2 {
		_, err := h.gw.Send(ctx, "alice", h.sendRequest(t, "alice", "bob", "x"))
		require.NoError(t, err)
	}
	_, err := h.gw.Send(ctx, "alice", h.sendRequest(t, "alice", "bob", "x"))
	require.ErrorIs(t, err, contracts.ErrRateLimited)

	_, err = h.gw.Send(ctx, "bob", h.sendRequest(t, "bob", "alice", "x"))
	require.NoError(t, err)
}

func TestSubscribeCap(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Options{})
	for range delivery.DefaultMaxPerIdentity {
		_, err := h.gw.Subscribe(ctx, "bob")
		require.NoError(t, err)
	}
	_, err := h.gw.Subscribe(ctx, "bob")
	require.ErrorIs(t, err, contracts.ErrTooManySubscriptions)
	_, err = h.gw.Subscribe(ctx, "")
	require.ErrorIs(t, err, contracts.ErrUnauthenticated)
}

type brokenStorage struct{}

func (brokenStorage) Ping(context.Context) error { return errors.New("down") }
func (brokenStorage) Backend() string             { return "broken" }

func TestHealth(t *testing.T) {
	h := newHarness(t, Options{ZeroAccess: true})
	status := h.gw.Health(context.Background())
	require.Equal(t, "ok", status.Status)
	require.True(t, status.ZeroAccess)
	require.Equal(t, storage.BackendMemory, status.StorageBackend)

	degraded := newHarness(t, Options{Storage: brokenStorage{}})
	status = degraded.gw.Health(context.Background())
	require.Equal(t, "degraded", status.Status)
	require.Equal(t, "unavailable", status.Storage)
}
