package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration: defaults, then the YAML
// file, then environment overrides.
type Config struct {
	ServiceID string

	HTTPPort int
	GRPCPort int

	DatabaseURL string
	RedisURL    string
	MaxDBConns  int32

	// RunMigrations applies the embedded schema on startup.
	RunMigrations bool

	JWTPublicKeyPEM string
	JWTHMACSecret   string
	JWTIssuer       string

	StripeSecretKey        string
	StripeAPIBaseURL       string
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration

	GithubAPIBaseURL    string
	GithubWebhookSecret string
	GithubPermission    string

	KafkaBrokers       []string
	KafkaConsumerGroup string

	PlatformFeeRate       decimal.Decimal
	Currency              string
	EscrowHoldPeriod      time.Duration
	OfferTTL              time.Duration
	OfferRateLimitPerHour int
	TransferMaxRetries    int
	GatewayTimeout        time.Duration
	GithubTimeout         time.Duration
	InvitationTimeout     time.Duration
	ReleaseClaimTTL       time.Duration
	TransactionCacheTTL   time.Duration
	IdempotencyTTL        time.Duration
	EventDedupTTL         time.Duration

	EscrowSweepInterval    time.Duration
	OfferSweepInterval     time.Duration
	TransferSweepInterval  time.Duration
	InvitationPollInterval time.Duration
	SweepBatchSize         int
	SweepLeaseTTL          time.Duration

	OutboxPollInterval   time.Duration
	OutboxBatchSize      int
	OutboxClaimTTL       time.Duration
	OutboxMaxRetries     int
	ConsumerPollInterval time.Duration
}

// configFile mirrors configs/default.yaml.
type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
		GRPCPort int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL   string   `yaml:"postgres_url"`
		RedisURL      string   `yaml:"redis_url"`
		KafkaBrokers  []string `yaml:"kafka_brokers"`
		ConsumerGroup string   `yaml:"kafka_consumer_group"`
	} `yaml:"dependencies"`
	Escrow struct {
		PlatformFeeRate       string `yaml:"platform_fee_rate"`
		Currency              string `yaml:"currency"`
		HoldPeriod            string `yaml:"hold_period"`
		OfferTTL              string `yaml:"offer_ttl"`
		OfferRateLimitPerHour int    `yaml:"offer_rate_limit_per_hour"`
	} `yaml:"escrow"`
	Transfers struct {
		MaxRetries        int    `yaml:"max_retries"`
		GithubPermission  string `yaml:"github_permission"`
		InvitationTimeout string `yaml:"invitation_timeout"`
	} `yaml:"transfers"`
	Sweeps struct {
		EscrowInterval      string `yaml:"escrow_interval"`
		OffersInterval      string `yaml:"offers_interval"`
		TransfersInterval   string `yaml:"transfers_interval"`
		InvitationsInterval string `yaml:"invitations_interval"`
		BatchSize           int    `yaml:"batch_size"`
	} `yaml:"sweeps"`
	Stripe struct {
		APIBaseURL string `yaml:"api_base_url"`
	} `yaml:"stripe"`
	Github struct {
		APIBaseURL string `yaml:"api_base_url"`
	} `yaml:"github"`
}

func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:              "transaction-escrow-service",
		HTTPPort:               8080,
		GRPCPort:               9090,
		MaxDBConns:             20,
		RunMigrations:          true,
		StripeWebhookTolerance: 5 * time.Minute,
		GithubAPIBaseURL:       "https://api.github.com/",
		GithubPermission:       "admin",
		KafkaConsumerGroup:     "transaction-escrow-service",
		PlatformFeeRate:        decimal.RequireFromString("0.10"),
		Currency:               "usd",
		EscrowHoldPeriod:       7 * 24 * time.Hour,
		OfferTTL:               72 * time.Hour,
		OfferRateLimitPerHour:  20,
		TransferMaxRetries:     3,
		GatewayTimeout:         15 * time.Second,
		GithubTimeout:          15 * time.Second,
		InvitationTimeout:      7 * 24 * time.Hour,
		ReleaseClaimTTL:        2 * time.Minute,
		TransactionCacheTTL:    5 * time.Minute,
		IdempotencyTTL:         7 * 24 * time.Hour,
		EventDedupTTL:          7 * 24 * time.Hour,
		EscrowSweepInterval:    time.Hour,
		OfferSweepInterval:     5 * time.Minute,
		TransferSweepInterval:  time.Minute,
		InvitationPollInterval: 10 * time.Minute,
		SweepBatchSize:         100,
		SweepLeaseTTL:          time.Minute,
		OutboxPollInterval:     2 * time.Second,
		OutboxBatchSize:        100,
		OutboxClaimTTL:         30 * time.Second,
		OutboxMaxRetries:       5,
		ConsumerPollInterval:   2 * time.Second,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		if err := applyFile(&cfg, f); err != nil {
			return Config{}, err
		}
	}

	cfg.ServiceID = envOrDefault("SERVICE_ID", cfg.ServiceID)
	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.JWTPublicKeyPEM = envOrDefault("JWT_PUBLIC_KEY_PEM", cfg.JWTPublicKeyPEM)
	cfg.JWTHMACSecret = envOrDefault("JWT_HMAC_SECRET", cfg.JWTHMACSecret)
	cfg.JWTIssuer = envOrDefault("JWT_ISSUER", cfg.JWTIssuer)
	cfg.StripeSecretKey = envOrDefault("STRIPE_SECRET_KEY", cfg.StripeSecretKey)
	cfg.StripeAPIBaseURL = envOrDefault("STRIPE_API_BASE_URL", cfg.StripeAPIBaseURL)
	cfg.StripeWebhookSecret = envOrDefault("STRIPE_WEBHOOK_SECRET", cfg.StripeWebhookSecret)
	cfg.GithubAPIBaseURL = envOrDefault("GITHUB_API_BASE_URL", cfg.GithubAPIBaseURL)
	cfg.GithubWebhookSecret = envOrDefault("GITHUB_WEBHOOK_SECRET", cfg.GithubWebhookSecret)
	cfg.GithubPermission = strings.ToLower(strings.TrimSpace(envOrDefault("GITHUB_PERMISSION", cfg.GithubPermission)))
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.KafkaConsumerGroup = envOrDefault("KAFKA_CONSUMER_GROUP", cfg.KafkaConsumerGroup)
	cfg.Currency = strings.ToLower(envOrDefault("CURRENCY", cfg.Currency))

	if raw := os.Getenv("PLATFORM_FEE_RATE"); raw != "" {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PLATFORM_FEE_RATE: %w", err)
		}
		cfg.PlatformFeeRate = rate
	}

	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.RunMigrations = envBool("RUN_MIGRATIONS", cfg.RunMigrations)
	cfg.OfferRateLimitPerHour = envInt("OFFER_RATE_LIMIT_PER_HOUR", cfg.OfferRateLimitPerHour)
	cfg.TransferMaxRetries = envInt("TRANSFER_MAX_RETRIES", cfg.TransferMaxRetries)
	cfg.SweepBatchSize = envInt("SWEEP_BATCH_SIZE", cfg.SweepBatchSize)
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxRetries = envInt("OUTBOX_MAX_RETRIES", cfg.OutboxMaxRetries)

	cfg.EscrowHoldPeriod = time.Duration(envInt("ESCROW_HOLD_DAYS", int(cfg.EscrowHoldPeriod.Hours()/24))) * 24 * time.Hour
	cfg.OfferTTL = time.Duration(envInt("OFFER_TTL_HOURS", int(cfg.OfferTTL.Hours()))) * time.Hour
	cfg.GatewayTimeout = time.Duration(envInt("GATEWAY_TIMEOUT_SECONDS", int(cfg.GatewayTimeout.Seconds()))) * time.Second
	cfg.GithubTimeout = time.Duration(envInt("GITHUB_TIMEOUT_SECONDS", int(cfg.GithubTimeout.Seconds()))) * time.Second
	cfg.InvitationTimeout = time.Duration(envInt("GITHUB_INVITATION_TIMEOUT_DAYS", int(cfg.InvitationTimeout.Hours()/24))) * 24 * time.Hour
	cfg.StripeWebhookTolerance = envDuration("STRIPE_WEBHOOK_TOLERANCE", cfg.StripeWebhookTolerance)
	cfg.ReleaseClaimTTL = envDuration("RELEASE_CLAIM_TTL", cfg.ReleaseClaimTTL)
	cfg.TransactionCacheTTL = envDuration("TRANSACTION_CACHE_TTL", cfg.TransactionCacheTTL)
	cfg.IdempotencyTTL = envDuration("IDEMPOTENCY_TTL", cfg.IdempotencyTTL)
	cfg.EventDedupTTL = envDuration("EVENT_DEDUP_TTL", cfg.EventDedupTTL)
	cfg.EscrowSweepInterval = envDuration("ESCROW_SWEEP_INTERVAL", cfg.EscrowSweepInterval)
	cfg.OfferSweepInterval = envDuration("OFFER_SWEEP_INTERVAL", cfg.OfferSweepInterval)
	cfg.TransferSweepInterval = envDuration("TRANSFER_SWEEP_INTERVAL", cfg.TransferSweepInterval)
	cfg.InvitationPollInterval = envDuration("INVITATION_POLL_INTERVAL", cfg.InvitationPollInterval)
	cfg.SweepLeaseTTL = envDuration("SWEEP_LEASE_TTL", cfg.SweepLeaseTTL)
	cfg.OutboxPollInterval = time.Duration(envInt("OUTBOX_POLL_SECONDS", int(cfg.OutboxPollInterval.Seconds()))) * time.Second
	cfg.OutboxClaimTTL = time.Duration(envInt("OUTBOX_CLAIM_TTL_SECONDS", int(cfg.OutboxClaimTTL.Seconds()))) * time.Second
	cfg.ConsumerPollInterval = envDuration("CONSUMER_POLL_INTERVAL", cfg.ConsumerPollInterval)

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("missing DB_URL/POSTGRES_URL")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("missing REDIS_URL")
	}
	if cfg.JWTPublicKeyPEM == "" && cfg.JWTHMACSecret == "" {
		return Config{}, fmt.Errorf("missing JWT_PUBLIC_KEY_PEM or JWT_HMAC_SECRET")
	}
	if cfg.PlatformFeeRate.IsNegative() || cfg.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Config{}, fmt.Errorf("platform fee rate %s must be in [0, 1)", cfg.PlatformFeeRate)
	}
	switch cfg.GithubPermission {
	case "pull", "triage", "push", "maintain", "admin":
	default:
		return Config{}, fmt.Errorf("unsupported GITHUB_PERMISSION %q", cfg.GithubPermission)
	}

	return cfg, nil
}

func applyFile(cfg *Config, f configFile) error {
	if f.Service.ID != "" {
		cfg.ServiceID = f.Service.ID
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		cfg.GRPCPort = f.Service.GRPCPort
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	if f.Dependencies.ConsumerGroup != "" {
		cfg.KafkaConsumerGroup = f.Dependencies.ConsumerGroup
	}
	if f.Escrow.PlatformFeeRate != "" {
		rate, err := decimal.NewFromString(f.Escrow.PlatformFeeRate)
		if err != nil {
			return fmt.Errorf("parse escrow.platform_fee_rate: %w", err)
		}
		cfg.PlatformFeeRate = rate
	}
	if f.Escrow.Currency != "" {
		cfg.Currency = f.Escrow.Currency
	}
	if f.Escrow.OfferRateLimitPerHour > 0 {
		cfg.OfferRateLimitPerHour = f.Escrow.OfferRateLimitPerHour
	}
	if f.Transfers.MaxRetries > 0 {
		cfg.TransferMaxRetries = f.Transfers.MaxRetries
	}
	if f.Transfers.GithubPermission != "" {
		cfg.GithubPermission = f.Transfers.GithubPermission
	}
	if f.Sweeps.BatchSize > 0 {
		cfg.SweepBatchSize = f.Sweeps.BatchSize
	}
	if f.Stripe.APIBaseURL != "" {
		cfg.StripeAPIBaseURL = f.Stripe.APIBaseURL
	}
	if f.Github.APIBaseURL != "" {
		cfg.GithubAPIBaseURL = f.Github.APIBaseURL
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"escrow.hold_period", f.Escrow.HoldPeriod, &cfg.EscrowHoldPeriod},
		{"escrow.offer_ttl", f.Escrow.OfferTTL, &cfg.OfferTTL},
		{"transfers.invitation_timeout", f.Transfers.InvitationTimeout, &cfg.InvitationTimeout},
		{"sweeps.escrow_interval", f.Sweeps.EscrowInterval, &cfg.EscrowSweepInterval},
		{"sweeps.offers_interval", f.Sweeps.OffersInterval, &cfg.OfferSweepInterval},
		{"sweeps.transfers_interval", f.Sweeps.TransfersInterval, &cfg.TransferSweepInterval},
		{"sweeps.invitations_interval", f.Sweeps.InvitationsInterval, &cfg.InvitationPollInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// envDuration accepts Go duration strings such as "90s" or "1h30m".
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
