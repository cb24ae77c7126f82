// Package daemonserver wires configuration, storage, the messaging domains
// and the RPC transport into a runnable daemon.
package daemonserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"sealchat/go-backend/internal/adapters/rpc"
	"sealchat/go-backend/internal/app"
	"sealchat/go-backend/internal/auth"
	"sealchat/go-backend/internal/bootstrap/serverconfig"
	"sealchat/go-backend/internal/composition/daemon"
	"sealchat/go-backend/internal/domains/delivery"
	"sealchat/go-backend/internal/domains/directory"
	"sealchat/go-backend/internal/domains/gateway"
	"sealchat/go-backend/internal/domains/ledger"
	"sealchat/go-backend/internal/platform/ratelimiter"
)

var ErrNoAuth = errors.New("no auth configured: set auth.tokens or auth.signingSecret")

const limiterIdleTTL = 10 * time.Minute

type Daemon struct {
	Server  *rpc.Server
	Gateway *gateway.Gateway
	Metrics *app.Metrics

	store daemon.Store
	bus   *delivery.Bus
	log   app.ComponentLogger
}

// NewRPCServerWithOptions loads config from configPath, applies the listen and
// data dir overrides when set, and builds the daemon.
func NewRPCServerWithOptions(ctx context.Context, listen, configPath, dataDir string, logger *slog.Logger) (*Daemon, error) {
	cfg, err := serverconfig.LoadFromPath(configPath)
	if err != nil {
		return nil, err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	cfg.Storage, err = daemon.ResolveStorage(cfg.Storage, dataDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = app.NewLogger(os.Stdout, cfg.LogLevel)
	}
	return Build(ctx, cfg, logger)
}

// Build opens storage and constructs every component from a validated config.
func Build(ctx context.Context, cfg serverconfig.Config, logger *slog.Logger) (*Daemon, error) {
	addr, err := cfg.ListenAddress()
	if err != nil {
		return nil, err
	}
	resolver, err := NewResolver(cfg.Auth)
	if err != nil {
		return nil, err
	}
	store, err := daemon.OpenStore(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}

	log := app.NewComponentLogger(logger, "daemon")
	metrics := app.NewMetrics()
	dir := directory.New(store)
	led, err := ledger.New(ctx, store, dir, ledger.Options{})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bus := delivery.NewBus(delivery.Options{
		BufferSize:     cfg.Delivery.BufferSize,
		MaxPerIdentity: cfg.Delivery.MaxPerIdentity,
		OnDrop: func(identityID string) {
			metrics.RecordDrop()
			log.Debug("notify", "", "live event dropped for slow subscriber", "recipient_id", identityID)
		},
	})
	metrics.TrackDelivery(bus.Stats)

	var rpcLimiter, sendLimiter *ratelimiter.MapLimiter
	if cfg.RateLimit.Enabled {
		rpcLimiter = ratelimiter.New(cfg.RateLimit.RPS, cfg.RateLimit.Burst, limiterIdleTTL)
		sendLimiter = ratelimiter.New(cfg.RateLimit.SendRPS, cfg.RateLimit.SendBurst, limiterIdleTTL)
	}

	gw := gateway.New(dir, led, bus, gateway.Options{
		Logger:      logger,
		Metrics:     metrics,
		SendLimiter: sendLimiter,
		Storage:     store,
		ZeroAccess:  true,
	})
	srv := rpc.New(gw, rpc.Options{
		Addr:        addr,
		Resolver:    resolver,
		Logger:      logger,
		Metrics:     metrics,
		RateLimiter: rpcLimiter,
		Streams: rpc.StreamLimits{
			MaxGlobal:    cfg.Stream.MaxGlobal,
			MaxPerClient: cfg.Stream.MaxPerClient,
		},
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})
	log.Info("build", "", "daemon configured",
		"listen", addr,
		"storage_backend", store.Backend(),
		"rate_limit", cfg.RateLimit.Enabled,
	)
	return &Daemon{
		Server:  srv,
		Gateway: gw,
		Metrics: metrics,
		store:   store,
		bus:     bus,
		log:     log,
	}, nil
}

// NewResolver chains signed session tokens and the static token table,
// whichever are configured.
func NewResolver(cfg serverconfig.AuthConfig) (auth.Resolver, error) {
	var chain auth.Chain
	if cfg.SigningSecret != "" {
		signer, err := auth.NewTokenSigner([]byte(cfg.SigningSecret))
		if err != nil {
			return nil, err
		}
		chain = append(chain, signer)
	}
	if len(cfg.Tokens) > 0 {
		static, err := auth.NewStaticResolver(cfg.Tokens)
		if err != nil {
			return nil, err
		}
		chain = append(chain, static)
	}
	if len(chain) == 0 {
		return nil, ErrNoAuth
	}
	return chain, nil
}

// Run serves until ctx is done, then closes live subscriptions and storage.
func (d *Daemon) Run(ctx context.Context) error {
	err := d.Server.Run(ctx)
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *Daemon) Close() error {
	d.bus.Close()
	if err := d.store.Close(); err != nil {
		d.log.Error("storage", err, "close", "")
		return err
	}
	return nil
}
