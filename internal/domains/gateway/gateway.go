// Package gateway is the authenticated entry point for clients. It enforces
// who may do what, then delegates to the directory, the ledger and the
// delivery bus.
//
// Every method takes the caller identity already resolved by the auth layer.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sealchat/go-backend/internal/app"
	"sealchat/go-backend/internal/domains/contracts"
	"sealchat/go-backend/internal/domains/delivery"
	"sealchat/go-backend/internal/domains/directory"
	"sealchat/go-backend/internal/domains/ledger"
	"sealchat/go-backend/internal/platform/privacylog"
	"sealchat/go-backend/internal/platform/ratelimiter"
	"sealchat/go-backend/pkg/models"
)

const componentName = "gateway"

const (
	OpRegisterKey       = "keys.register"
	OpLookupKey         = "keys.lookup"
	OpSend              = "message.send"
	OpFetchConversation = "message.conversation"
	OpAckDelivered      = "message.delivered"
	OpAckRead           = "message.read"
	OpSubscribe         = "message.subscribe"
)

// Pinger reports storage liveness for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
	Backend() string
}

type Options struct {
	Logger  *slog.Logger
	Metrics *app.Metrics
	// SendLimiter throttles Send per caller. Nil disables throttling.
	SendLimiter *ratelimiter.MapLimiter
	Storage     Pinger
	// ZeroAccess reports that the server only ever holds ciphertext.
	ZeroAccess bool
	Now        func() time.Time
}

type Gateway struct {
	directory *directory.Directory
	ledger    *ledger.Ledger
	bus       *delivery.Bus

	log        app.ComponentLogger
	metrics    *app.Metrics
	limiter    *ratelimiter.MapLimiter
	storage    Pinger
	zeroAccess bool
	now        func() time.Time
}

func New(dir *directory.Directory, led *ledger.Ledger, bus *delivery.Bus, opts Options) *Gateway {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Gateway{
		directory:  dir,
		ledger:     led,
		bus:        bus,
		log:        app.NewComponentLogger(opts.Logger, componentName),
		metrics:    opts.Metrics,
		limiter:    opts.SendLimiter,
		storage:    opts.Storage,
		zeroAccess: opts.ZeroAccess,
		now:        opts.Now,
	}
}

// RegisterKey publishes the caller's own public key, replacing any previous one.
func (g *Gateway) RegisterKey(ctx context.Context, callerID string, rawKey []byte) (identity models.Identity, err error) {
	defer g.observe(OpRegisterKey, callerID, time.Now(), &err)
	if err := requireCaller(callerID); err != nil {
		return models.Identity{}, err
	}
	identity, err = g.directory.Register(ctx, callerID, rawKey)
	if err != nil {
		return models.Identity{}, err
	}
	g.log.Info(OpRegisterKey, "", "public key registered", "identity_id", callerID, "fingerprint", identity.Fingerprint)
	return identity, nil
}

func (g *Gateway) LookupKey(ctx context.Context, callerID, identityID string) (identity models.Identity, err error) {
	defer g.observe(OpLookupKey, callerID, time.Now(), &err)
	if err := requireCaller(callerID); err != nil {
		return models.Identity{}, err
	}
	return g.directory.Lookup(ctx, strings.TrimSpace(identityID))
}

// Send stores an envelope from the caller and pushes it to the recipient's live
// connections. Having nobody online is not an error.
func (g *Gateway) Send(ctx context.Context, callerID string, req models.SendRequest) (result models.SendResult, err error) {
	defer g.observe(OpSend, callerID, time.Now(), &err)
	if err := requireCaller(callerID); err != nil {
		return models.SendResult{}, err
	}
	if req.SenderID != "" && req.SenderID != callerID {
		return models.SendResult{}, fmt.Errorf("%w: sender must be the caller", contracts.ErrUnauthorized)
	}
	if !g.limiter.Allow(callerID, g.now()) {
		return models.SendResult{}, contracts.ErrRateLimited
	}

	env, err := g.ledger.Append(ctx, callerID, strings.TrimSpace(req.RecipientID), req.Ciphertext, req.Nonce, req.SenderPublicKey)
	if err != nil {
		return models.SendResult{}, err
	}
	reached := g.bus.Notify(env.RecipientID, env.Event())
	g.metrics.RecordNotify(reached)
	g.log.Info(OpSend, "", "envelope stored", privacylog.Envelope(env), "live_receivers", reached)
	return models.SendResult{EnvelopeID: env.ID, CreatedAt: env.CreatedAt}, nil
}

// FetchConversation lists the envelopes between SelfID (the caller when empty)
// and OtherID. The caller must be one of the two parties.
func (g *Gateway) FetchConversation(ctx context.Context, callerID string, q models.ConversationQuery) (result models.ConversationResult, err error) {
	defer g.observe(OpFetchConversation, callerID, time.Now(), &err)
	if err := requireCaller(callerID); err != nil {
		return models.ConversationResult{}, err
	}
	selfID := strings.TrimSpace(q.SelfID)
	otherID := strings.TrimSpace(q.OtherID)
	if selfID == "" {
		selfID = callerID
	}
	if otherID == "" {
		return models.ConversationResult{}, fmt.Errorf("%w: otherId is required", contracts.ErrInvalidInput)
	}
	if callerID != selfID && callerID != otherID {
		return models.ConversationResult{}, fmt.Errorf("%w: caller is not a party to this conversation", contracts.ErrUnauthorized)
	}
	messages, err := g.ledger.Conversation(ctx, selfID, otherID, q.Limit, q.Offset)
	if err != nil {
		return models.ConversationResult{}, err
	}
	return models.ConversationResult{Messages: messages}, nil
}

func (g *Gateway) AcknowledgeDelivered(ctx context.Context, callerID, envelopeID string) (env models.Envelope, err error) {
	defer g.observe(OpAckDelivered, callerID, time.Now(), &err)
	envelopeID = strings.TrimSpace(envelopeID)
	if err := g.authorizeRecipient(ctx, callerID, envelopeID); err != nil {
		return models.Envelope{}, err
	}
	return g.ledger.MarkDelivered(ctx, envelopeID)
}

// AcknowledgeRead marks the envelope read, recording delivery first if the
// client never acknowledged it.
func (g *Gateway) AcknowledgeRead(ctx context.Context, callerID, envelopeID string) (env models.Envelope, err error) {
	defer g.observe(OpAckRead, callerID, time.Now(), &err)
	envelopeID = strings.TrimSpace(envelopeID)
	if err := g.authorizeRecipient(ctx, callerID, envelopeID); err != nil {
		return models.Envelope{}, err
	}
	return g.ledger.MarkRead(ctx, envelopeID)
}

// Subscribe opens a live feed of envelopes addressed to the caller. The caller
// must Close the subscription when the connection ends.
func (g *Gateway) Subscribe(ctx context.Context, callerID string) (sub *delivery.Subscription, err error) {
	defer g.observe(OpSubscribe, callerID, time.Now(), &err)
	if err := requireCaller(callerID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.bus.Subscribe(callerID)
}

func (g *Gateway) Health(ctx context.Context) models.HealthStatus {
	status := models.HealthStatus{
		Status:     "ok",
		ZeroAccess: g.zeroAccess,
		Storage:    "ok",
		Delivery:   g.bus.Stats(),
		Timestamp:  g.now(),
	}
	if g.storage != nil {
		status.StorageBackend = g.storage.Backend()
		if err := g.storage.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Storage = "unavailable"
			g.log.Warn("health_check", "", "storage ping failed", "error", err.Error())
		}
	}
	return status
}

func (g *Gateway) authorizeRecipient(ctx context.Context, callerID, envelopeID string) error {
	if err := requireCaller(callerID); err != nil {
		return err
	}
	if envelopeID == "" {
		return fmt.Errorf("%w: envelopeId is required", contracts.ErrInvalidInput)
	}
	env, err := g.ledger.Get(ctx, envelopeID)
	if err != nil {
		return err
	}
	if env.RecipientID != callerID {
		return fmt.Errorf("%w: only the recipient may acknowledge", contracts.ErrUnauthorized)
	}
	return nil
}

func (g *Gateway) observe(operation, callerID string, started time.Time, errp *error) {
	err := *errp
	g.metrics.RecordOp(operation, started, err)
	if err == nil {
		return
	}
	category := contracts.ErrorCategory(err)
	if contracts.IsClientError(err) {
		g.log.Debug(operation, "", "request rejected", "caller_id", callerID, "category", category, "error", err.Error())
		return
	}
	g.log.Error(category, err, operation, "", "caller_id", callerID)
}

func requireCaller(callerID string) error {
	if strings.TrimSpace(callerID) == "" {
		return contracts.ErrUnauthenticated
	}
	return nil
}
