package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	cacheadapter "github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/cache"
	eventadapter "github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/events"
	grpcadapter "github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/grpc"
	httpadapter "github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/http"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/memory"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/postgres"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/adapters/security"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/application"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
)

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	service    *application.Service
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcHealth *health.Server
	outbox     *eventadapter.OutboxWorker
	purge      *eventadapter.PurgeWorker
	policy     *PolicyWatcher
	// inlineWorkers is set when the durable store lives in this process, so
	// the API has to relay its own outbox.
	inlineWorkers bool
	closers       []func() error
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).
		With("service", cfg.ServiceID)
	slog.SetDefault(logger)
	logger.Info("bootstrapping referral click guard",
		"module", "bootstrap",
		"layer", "bootstrap",
		"operation", "new_runtime",
		"outcome", "start",
		"http_port", cfg.HTTPPort,
		"grpc_port", cfg.GRPCPort,
		"trusted_proxy_hops", cfg.TrustedProxyHops,
	)

	r := &Runtime{cfg: cfg, logger: logger}
	if err := r.wire(ctx); err != nil {
		r.close()
		return nil, err
	}
	return r, nil
}

func (r *Runtime) wire(ctx context.Context) error {
	cfg := r.cfg
	httpOpts := []httpadapter.Option{httpadapter.WithTrustedProxyHops(cfg.TrustedProxyHops)}

	var (
		subjects ports.ReferralSubjectRepository
		history  ports.IdentityHistoryRepository
		visits   ports.VisitRepository
		ledger   ports.RewardLedger
		outbox   ports.OutboxRepository
	)
	if cfg.DatabaseURL != "" {
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, postgres.PoolOptions{MaxConns: cfg.MaxDBConns})
		if err != nil {
			return err
		}
		r.closers = append(r.closers, func() error { return postgres.Close(db) })
		if err := postgres.RunMigrations(ctx, db); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		repos := postgres.NewRepositories(db)
		subjects, history, visits, ledger, outbox = repos.Subjects, repos.History, repos.Visits, repos.Ledger, repos.Outbox
		httpOpts = append(httpOpts, httpadapter.WithReadinessCheck("postgres", func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}))
	} else {
		r.logger.Warn("no database configured; using in-process repositories",
			"module", "bootstrap", "layer", "bootstrap", "operation", "wire_storage", "outcome", "degraded")
		repos := memory.NewRepositories(nil)
		subjects, history, visits, ledger, outbox = repos.Subjects, repos.History, repos.Visits, repos.Ledger, repos.Outbox
		r.inlineWorkers = true
	}

	var (
		identityCache ports.IdentityCache
		codeCache     ports.CodeCache
		counters      ports.CounterStore
		pending       ports.PendingRewardStore
	)
	if cfg.RedisURL != "" {
		client, err := cacheadapter.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		r.closers = append(r.closers, client.Close)
		identityCache = cacheadapter.NewRedisIdentityCache(client)
		codeCache = cacheadapter.NewRedisCodeCache(client)
		counters = cacheadapter.NewRedisCounterStore(client)
		pending = cacheadapter.NewRedisPendingRewardStore(client)
		httpOpts = append(httpOpts, httpadapter.WithReadinessCheck("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	} else {
		r.logger.Warn("no redis configured; using in-process caches and counters",
			"module", "bootstrap", "layer", "bootstrap", "operation", "wire_cache", "outcome", "degraded")
		identityCache = memory.NewIdentityCache(nil)
		codeCache = memory.NewCodeCache(nil)
		counters = memory.NewCounterStore(nil)
		pending = memory.NewPendingRewardStore(nil)
	}

	var publisher interface {
		ports.EventPublisher
		Close() error
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := eventadapter.NewKafkaPublisher(cfg.KafkaBrokers, nil)
		if err != nil {
			return err
		}
		publisher = kp
	} else {
		publisher = eventadapter.NewLoggingPublisher(r.logger)
	}
	r.closers = append(r.closers, publisher.Close)

	verifier, err := r.tokenVerifier()
	if err != nil {
		return err
	}

	svc, err := application.NewService(application.Dependencies{
		Config: application.Config{
			ServiceName:          cfg.ServiceID,
			PendingTokenTTL:      cfg.PendingTokenTTL,
			IdentityCacheTTL:     cfg.IdentityCacheTTL,
			CodeCacheTTL:         cfg.CodeCacheTTL,
			RetentionHorizon:     cfg.RetentionHorizon,
			HistoryScanLimit:     cfg.HistoryScanLimit,
			MultiDeviceThreshold: cfg.MultiDeviceThreshold,
			Platforms:            cfg.Platforms,
		},
		Policy:        cfg.Policy,
		Logger:        r.logger,
		Subjects:      subjects,
		History:       history,
		Visits:        visits,
		Ledger:        ledger,
		Outbox:        outbox,
		IdentityCache: identityCache,
		CodeCache:     codeCache,
		Counters:      counters,
		Pending:       pending,
	})
	if err != nil {
		return err
	}
	r.service = svc

	r.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           httpadapter.NewRouter(httpadapter.NewHandler(svc, verifier, httpOpts...)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.grpcServer, r.grpcHealth = grpcadapter.NewServer(svc, verifier)

	r.outbox = eventadapter.NewOutboxWorker(r.logger, outbox, publisher, eventadapter.OutboxWorkerConfig{
		Interval:   cfg.OutboxPollInterval,
		BatchSize:  cfg.OutboxBatchSize,
		ClaimTTL:   cfg.OutboxClaimTTL,
		MaxRetries: cfg.OutboxMaxRetries,
	})
	r.purge = eventadapter.NewPurgeWorker(r.logger, svc, cfg.PurgeInterval)
	if _, err := os.Stat(cfg.ConfigPath); err == nil {
		r.policy = NewPolicyWatcher(cfg.ConfigPath, svc.SetPolicy, r.logger)
	}
	return nil
}

// tokenVerifier prefers the configured public key. Without one, an ephemeral
// key is generated and a short-lived admin token is logged for local use.
func (r *Runtime) tokenVerifier() (ports.TokenVerifier, error) {
	if r.cfg.JWTPublicKeyPEM != "" {
		verifier, err := security.NewJWTVerifier(r.cfg.JWTKeyID, r.cfg.JWTPublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("init jwt verifier: %w", err)
		}
		return verifier, nil
	}
	signer, err := security.NewEphemeralJWTSigner(r.cfg.JWTKeyID)
	if err != nil {
		return nil, fmt.Errorf("init ephemeral jwt signer: %w", err)
	}
	now := time.Now().UTC()
	devToken, err := signer.Sign(ports.ServiceClaims{
		Subject:   "local-dev",
		Role:      "admin",
		IssuedAt:  now,
		ExpiresAt: now.Add(24 * time.Hour),
	})
	if err != nil {
		return nil, fmt.Errorf("sign dev token: %w", err)
	}
	r.logger.Warn("using ephemeral JWT key for internal routes",
		"module", "bootstrap",
		"layer", "bootstrap",
		"operation", "init_token_verifier",
		"outcome", "degraded",
		"dev_admin_token", devToken,
	)
	return signer.Verifier(), nil
}

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.GRPCPort))
	if err != nil {
		r.close()
		return fmt.Errorf("listen gRPC: %w", err)
	}

	errCh := make(chan error, 4)
	go func() {
		r.logger.Info("http server started", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "addr", lis.Addr().String())
		if err := r.grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	if r.policy != nil {
		go func() {
			if err := r.policy.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("policy hot reload disabled", "error", err)
			}
		}()
	}
	if r.inlineWorkers {
		r.startWorkers(ctx, errCh)
	}

	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case err := <-errCh:
		r.logger.Error("server failure", "error", err)
	}
	stop()

	r.grpcHealth.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.close()
	return nil
}

func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	r.startWorkers(ctx, errCh)

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		r.logger.Error("worker failure", "error", runErr)
	}
	stop()
	r.close()
	return runErr
}

func (r *Runtime) startWorkers(ctx context.Context, errCh chan<- error) {
	run := func(name string, fn func(context.Context) error) {
		r.logger.Info(name+" started", "module", "bootstrap", "layer", "bootstrap", "operation", "start_worker", "outcome", "success")
		if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("%s: %w", name, err)
		}
	}
	go run("outbox worker", r.outbox.Run)
	go run("identity purge worker", r.purge.Run)
}

func (r *Runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			r.logger.Warn("close dependency failed", "module", "bootstrap", "layer", "bootstrap", "operation", "close", "outcome", "failure", "error", err)
		}
	}
	r.closers = nil
}
