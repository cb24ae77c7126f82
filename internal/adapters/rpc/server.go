// Package rpc exposes the messaging gateway as JSON-RPC 2.0 over HTTP with a
// Server-Sent Events stream for live envelopes.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"sealchat/go-backend/internal/app"
	"sealchat/go-backend/internal/auth"
	"sealchat/go-backend/internal/domains/delivery"
	"sealchat/go-backend/internal/platform/ratelimiter"
	"sealchat/go-backend/pkg/models"
)

const (
	DefaultAddr              = "127.0.0.1:8787"
	DefaultHeartbeatInterval = 20 * time.Second

	componentName   = "rpc"
	shutdownTimeout = 5 * time.Second
)

// Gateway is the subset of the messaging gateway the transport calls.
type Gateway interface {
	RegisterKey(ctx context.Context, callerID string, rawKey []byte) (models.Identity, error)
	LookupKey(ctx context.Context, callerID, identityID string) (models.Identity, error)
	Send(ctx context.Context, callerID string, req models.SendRequest) (models.SendResult, error)
	FetchConversation(ctx context.Context, callerID string, q models.ConversationQuery) (models.ConversationResult, error)
	AcknowledgeDelivered(ctx context.Context, callerID, envelopeID string) (models.Envelope, error)
	AcknowledgeRead(ctx context.Context, callerID, envelopeID string) (models.Envelope, error)
	Subscribe(ctx context.Context, callerID string) (*delivery.Subscription, error)
	Health(ctx context.Context) models.HealthStatus
}

type StreamLimits struct {
	MaxGlobal    int
	MaxPerClient int
}

type Options struct {
	Addr     string
	Resolver auth.Resolver
	Logger   *slog.Logger
	Metrics  *app.Metrics
	// RateLimiter throttles /rpc per authenticated identity, or per remote
	// address before authentication. Nil disables it.
	RateLimiter       *ratelimiter.MapLimiter
	Streams           StreamLimits
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

type Server struct {
	httpServer *http.Server
	gateway    Gateway
	resolver   auth.Resolver
	log        app.ComponentLogger
	metrics    *app.Metrics
	limiter    *ratelimiter.MapLimiter
	streams    *streamLimiter
	origins    originPolicy
	heartbeat  time.Duration

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func New(gw Gateway, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		gateway:    gw,
		resolver:   opts.Resolver,
		log:        app.NewComponentLogger(opts.Logger, componentName),
		metrics:    opts.Metrics,
		limiter:    opts.RateLimiter,
		streams:    newStreamLimiter(opts.Streams),
		origins:    newOriginPolicy(opts.AllowedOrigins),
		heartbeat:  opts.HeartbeatInterval,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	// Open streams never go idle on their own; end them when shutdown begins.
	s.httpServer.RegisterOnShutdown(cancel)
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleStream)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Run listens on the configured address until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.cancelBase()
	s.log.Info("serve", "", "rpc server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.applyCORS(w, r) {
		return
	}
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := s.gateway.Health(r.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// authenticate resolves the caller identity from the request headers.
func (s *Server) authenticate(r *http.Request) (string, error) {
	credential, err := auth.CredentialFromHeaders(r.Header.Get("Authorization"), r.Header.Get(TokenHeader))
	if err != nil {
		return "", err
	}
	if s.resolver == nil {
		return "", errNoResolver
	}
	return s.resolver.Resolve(r.Context(), credential)
}
