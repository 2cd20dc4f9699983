package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v79"
	"google.golang.org/grpc"
	"gorm.io/gorm"

	cacheadapter "github.com/codesalvage/transaction-escrow-service/internal/adapters/cache"
	eventadapter "github.com/codesalvage/transaction-escrow-service/internal/adapters/events"
	githubadapter "github.com/codesalvage/transaction-escrow-service/internal/adapters/github"
	grpcadapter "github.com/codesalvage/transaction-escrow-service/internal/adapters/grpc"
	httpadapter "github.com/codesalvage/transaction-escrow-service/internal/adapters/http"
	"github.com/codesalvage/transaction-escrow-service/internal/adapters/postgres"
	"github.com/codesalvage/transaction-escrow-service/internal/adapters/security"
	stripeadapter "github.com/codesalvage/transaction-escrow-service/internal/adapters/stripe"
	"github.com/codesalvage/transaction-escrow-service/internal/application"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
)

// Runtime owns every process-wide resource: the database handle, the
// Redis client, the Kafka writers and the service built on top of them.
type Runtime struct {
	cfg       Config
	logger    *slog.Logger
	db        *gorm.DB
	redis     *redis.Client
	repos     postgres.Repositories
	service   *application.Service
	publisher ports.EventPublisher
	closers   []io.Closer
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).With("service", cfg.ServiceID)
	slog.SetDefault(logger)
	logger.Info("bootstrapping transaction escrow service", "http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort)

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	r := &Runtime{cfg: cfg, logger: logger, db: db, closers: []io.Closer{sqlDB}}

	if cfg.RunMigrations {
		if err := postgres.RunMigrations(ctx, db); err != nil {
			r.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	redisClient, err := cacheadapter.Connect(ctx, cfg.RedisURL)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.redis = redisClient
	r.closers = append(r.closers, redisClient)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		r.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub, err := eventadapter.NewKafkaPublisher(cfg.KafkaBrokers, nil)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("init kafka publisher: %w", err)
		}
		r.publisher = kafkaPub
		r.closers = append(r.closers, kafkaPub)
	} else {
		logger.Warn("no kafka brokers configured; outbox events are logged only")
		r.publisher = eventadapter.NewLoggingPublisher(logger)
	}

	var backends *stripeapi.Backends
	if cfg.StripeAPIBaseURL != "" {
		backends = stripeadapter.NewBackends(cfg.StripeAPIBaseURL)
	}
	if cfg.StripeSecretKey == "" {
		logger.Warn("STRIPE_SECRET_KEY not set; gateway calls will fail")
	}
	gateway := stripeadapter.NewGateway(cfg.StripeSecretKey, backends, logger)

	collaborators, err := githubadapter.NewCollaborators(&http.Client{Timeout: cfg.GithubTimeout}, cfg.GithubAPIBaseURL, logger)
	if err != nil {
		r.Close()
		return nil, err
	}

	r.repos = postgres.NewRepositories(db)
	r.service = application.NewService(application.Dependencies{
		Config: application.Config{
			ServiceName:           cfg.ServiceID,
			PlatformFeeRate:       decimal.NewNullDecimal(cfg.PlatformFeeRate),
			Currency:              cfg.Currency,
			EscrowHoldPeriod:      cfg.EscrowHoldPeriod,
			OfferTTL:              cfg.OfferTTL,
			OfferRateLimitPerHour: cfg.OfferRateLimitPerHour,
			TransferMaxRetries:    cfg.TransferMaxRetries,
			GatewayTimeout:        cfg.GatewayTimeout,
			GithubTimeout:         cfg.GithubTimeout,
			InvitationTimeout:     cfg.InvitationTimeout,
			GithubPermission:      cfg.GithubPermission,
			ReleaseClaimTTL:       cfg.ReleaseClaimTTL,
			TransactionCacheTTL:   cfg.TransactionCacheTTL,
			IdempotencyTTL:        cfg.IdempotencyTTL,
			EventDedupTTL:         cfg.EventDedupTTL,
			SweepBatchSize:        cfg.SweepBatchSize,
			SweepLeaseTTL:         cfg.SweepLeaseTTL,
		},
		Offers:       r.repos.Offers,
		Transactions: r.repos.Transactions,
		Transfers:    r.repos.Transfers,
		Directory:    r.repos.Directory,
		Outbox:       r.repos.Outbox,
		EventDedup:   r.repos.EventDedup,
		Idempotency:  r.repos.Idempotency,
		Gateway:      gateway,
		Github:       collaborators,
		Cache:        cacheadapter.NewRedisCache(redisClient),
		Logger:       logger,
	})
	return r, nil
}

// Service exposes the wired application service to one-shot commands.
func (r *Runtime) Service() *application.Service { return r.service }

func (r *Runtime) Logger() *slog.Logger { return r.logger }

func (r *Runtime) ready(ctx context.Context) error {
	if err := postgres.Ping(ctx, r.db); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.Close()

	verifier, err := security.NewJWTVerifier(r.cfg.JWTPublicKeyPEM, r.cfg.JWTHMACSecret, r.cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("init jwt verifier: %w", err)
	}
	var gatewayHook httpadapter.GatewayWebhookParser
	if r.cfg.StripeWebhookSecret != "" {
		gatewayHook = stripeadapter.NewWebhookVerifier(r.cfg.StripeWebhookSecret, r.cfg.StripeWebhookTolerance)
	} else {
		r.logger.Warn("STRIPE_WEBHOOK_SECRET not set; payment webhooks are rejected")
	}
	var githubHook httpadapter.MembershipWebhookParser
	if r.cfg.GithubWebhookSecret != "" {
		githubHook = githubadapter.NewWebhookVerifier(r.cfg.GithubWebhookSecret)
	} else {
		r.logger.Warn("GITHUB_WEBHOOK_SECRET not set; membership webhooks are rejected")
	}

	handler := httpadapter.NewHandler(r.service, verifier, gatewayHook, githubHook, r.ready)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", r.cfg.HTTPPort),
		Handler:           httpadapter.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	health := grpcadapter.NewHealthReporter(r.logger, r.ready, 10*time.Second)
	grpcadapter.Register(grpcServer, health)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", r.cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen gRPC: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		r.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() { _ = health.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		r.logger.Error("server failure", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	return runErr
}

// RunWorker drives the outbox publisher, the identity event consumer and
// the periodic sweeps until the process is signalled.
func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer r.Close()

	var consumer eventadapter.Consumer = eventadapter.NewNoopConsumer()
	if len(r.cfg.KafkaBrokers) > 0 {
		kafkaConsumer, err := eventadapter.NewKafkaConsumer(r.cfg.KafkaBrokers, r.cfg.KafkaConsumerGroup, []string{eventadapter.TopicGithubLinked})
		if err != nil {
			return fmt.Errorf("init kafka consumer: %w", err)
		}
		r.closers = append(r.closers, kafkaConsumer)
		consumer = kafkaConsumer
	}

	outbox := eventadapter.NewOutboxRelay(r.logger, r.repos.Outbox, r.publisher, eventadapter.OutboxRelayConfig{
		PollInterval: r.cfg.OutboxPollInterval,
		BatchSize:    r.cfg.OutboxBatchSize,
		ClaimTTL:     r.cfg.OutboxClaimTTL,
		MaxAttempts:  r.cfg.OutboxMaxRetries,
	})
	consumerWorker := eventadapter.NewConsumerWorker(r.logger, consumer, r.service, r.cfg.ConsumerPollInterval)
	sweeps := eventadapter.NewSweepWorker(r.logger, eventadapter.SweepJobs(
		r.service,
		r.cfg.EscrowSweepInterval,
		r.cfg.OfferSweepInterval,
		r.cfg.TransferSweepInterval,
		r.cfg.InvitationPollInterval,
	)...)

	runners := map[string]func(context.Context) error{
		"outbox_relay":    outbox.Run,
		"consumer_worker": consumerWorker.Run,
		"sweep_worker":    sweeps.Run,
	}
	errCh := make(chan error, len(runners))
	for name, run := range runners {
		go func(name string, run func(context.Context) error) {
			r.logger.Info("worker started", "worker", name)
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, run)
	}

	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		r.logger.Error("worker failure", "error", err)
		return err
	}
}

// Close releases resources in reverse acquisition order.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		_ = r.closers[i].Close()
	}
	r.closers = nil
}
