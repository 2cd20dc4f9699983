package application

import (
	"log/slog"
	"time"

	"github.com/codesalvage/transaction-escrow-service/internal/domain"
	"github.com/codesalvage/transaction-escrow-service/internal/ports"
	"github.com/shopspring/decimal"
)

const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	RoleSystem = "system"
)

type Config struct {
	ServiceName           string
	// PlatformFeeRate defaults to 10% when unset. A valid zero waives the fee.
	PlatformFeeRate       decimal.NullDecimal
	Currency              string
	EscrowHoldPeriod      time.Duration
	OfferTTL              time.Duration
	OfferRateLimitPerHour int
	TransferMaxRetries    int
	GatewayTimeout        time.Duration
	GithubTimeout         time.Duration
	InvitationTimeout     time.Duration
	GithubPermission      string
	ReleaseClaimTTL       time.Duration
	TransactionCacheTTL   time.Duration
	IdempotencyTTL        time.Duration
	EventDedupTTL         time.Duration
	SweepBatchSize        int
	SweepLeaseTTL         time.Duration
}

type Actor struct {
	SubjectID      string
	Role           string
	RequestID      string
	IdempotencyKey string
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

func (a Actor) isOperator() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }

// SystemActor is used by sweeps and webhook-driven flows.
func SystemActor(requestID string) Actor {
	return Actor{SubjectID: "system", Role: RoleSystem, RequestID: requestID}
}

type CreateOfferInput struct {
	ProjectID  string `json:"project_id"`
	PriceCents int64  `json:"offered_price_cents"`
	Message    string `json:"message,omitempty"`
}

type CounterOfferInput struct {
	PriceCents int64  `json:"offered_price_cents"`
	Message    string `json:"message,omitempty"`
}

type CheckoutInput struct {
	ProjectID string `json:"project_id"`
	OfferID   string `json:"offer_id,omitempty"`
}

type CheckoutResult struct {
	TransactionID   string                  `json:"transaction_id"`
	PaymentIntentID string                  `json:"payment_intent_id"`
	ClientSecret    string                  `json:"client_secret"`
	Currency        string                  `json:"currency"`
	Breakdown       domain.PaymentBreakdown `json:"breakdown"`
	EscrowRelease   time.Time               `json:"escrow_release_date"`
}

type RefundInput struct {
	Reason string `json:"reason"`
}

type SweepReport struct {
	Job       string `json:"job"`
	Skipped   bool   `json:"skipped,omitempty"`
	Scanned   int    `json:"scanned"`
	Succeeded int    `json:"succeeded"`
	Deferred  int    `json:"deferred"`
	Failed    int    `json:"failed"`
}

type Service struct {
	cfg          Config
	offers       ports.OfferRepository
	transactions ports.TransactionRepository
	transfers    ports.TransferRepository
	directory    ports.Directory
	outbox       ports.OutboxRepository
	eventDedup   ports.EventDedupRepository
	idempotency  ports.IdempotencyRepository
	gateway      ports.PaymentGateway
	github       ports.GithubCollaborators
	cache        ports.Cache
	logger       *slog.Logger
	nowFn        func() time.Time
}

type Dependencies struct {
	Config       Config
	Offers       ports.OfferRepository
	Transactions ports.TransactionRepository
	Transfers    ports.TransferRepository
	Directory    ports.Directory
	Outbox       ports.OutboxRepository
	EventDedup   ports.EventDedupRepository
	Idempotency  ports.IdempotencyRepository
	Gateway      ports.PaymentGateway
	Github       ports.GithubCollaborators
	Cache        ports.Cache
	Logger       *slog.Logger
	Clock        func() time.Time
}
