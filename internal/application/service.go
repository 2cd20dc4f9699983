package application

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.ServiceName == "" {
		cfg.ServiceName = "transaction-escrow-service"
	}
	if !cfg.PlatformFeeRate.Valid {
		cfg.PlatformFeeRate = decimal.NewNullDecimal(decimal.RequireFromString("0.10"))
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.EscrowHoldPeriod <= 0 {
		cfg.EscrowHoldPeriod = 7 * 24 * time.Hour
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = 72 * time.Hour
	}
	if cfg.OfferRateLimitPerHour <= 0 {
		cfg.OfferRateLimitPerHour = 20
	}
	if cfg.TransferMaxRetries <= 0 {
		cfg.TransferMaxRetries = 3
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	if cfg.GithubTimeout <= 0 {
		cfg.GithubTimeout = 15 * time.Second
	}
	if cfg.InvitationTimeout <= 0 {
		cfg.InvitationTimeout = 7 * 24 * time.Hour
	}
	if cfg.GithubPermission == "" {
		cfg.GithubPermission = "admin"
	}
	if cfg.ReleaseClaimTTL <= 0 {
		cfg.ReleaseClaimTTL = 2 * time.Minute
	}
	if cfg.TransactionCacheTTL <= 0 {
		cfg.TransactionCacheTTL = 5 * time.Minute
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 7 * 24 * time.Hour
	}
	if cfg.EventDedupTTL <= 0 {
		cfg.EventDedupTTL = 7 * 24 * time.Hour
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	if cfg.SweepLeaseTTL <= 0 {
		cfg.SweepLeaseTTL = time.Minute
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := deps.Clock
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		cfg:          cfg,
		offers:       deps.Offers,
		transactions: deps.Transactions,
		transfers:    deps.Transfers,
		directory:    deps.Directory,
		outbox:       deps.Outbox,
		eventDedup:   deps.EventDedup,
		idempotency:  deps.Idempotency,
		gateway:      deps.Gateway,
		github:       deps.Github,
		cache:        deps.Cache,
		logger:       logger,
		nowFn:        nowFn,
	}
}

func (s *Service) Config() Config { return s.cfg }
