package postgres

import (
	"time"

	"github.com/google/uuid"
)

type offerModel struct {
	OfferID            string     `gorm:"column:offer_id;primaryKey"`
	ProjectID          string     `gorm:"column:project_id"`
	BuyerID            string     `gorm:"column:buyer_id"`
	SellerID           string     `gorm:"column:seller_id"`
	ProposedBy         string     `gorm:"column:proposed_by"`
	OfferedPriceCents  int64      `gorm:"column:offered_price_cents"`
	OriginalPriceCents int64      `gorm:"column:original_price_cents"`
	Message            *string    `gorm:"column:message"`
	ParentOfferID      *string    `gorm:"column:parent_offer_id"`
	Status             string     `gorm:"column:status"`
	RespondedAt        *time.Time `gorm:"column:responded_at"`
	ExpiresAt          time.Time  `gorm:"column:expires_at"`
	TransactionID      *string    `gorm:"column:transaction_id"`
	CreatedAt          time.Time  `gorm:"column:created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at"`
}

func (offerModel) TableName() string { return "escrow_offers" }

type transactionModel struct {
	TransactionID         string     `gorm:"column:transaction_id;primaryKey"`
	ProjectID             string     `gorm:"column:project_id"`
	SellerID              string     `gorm:"column:seller_id"`
	BuyerID               string     `gorm:"column:buyer_id"`
	OfferID               *string    `gorm:"column:offer_id"`
	AmountCents           int64      `gorm:"column:amount_cents"`
	CommissionCents       int64      `gorm:"column:commission_cents"`
	SellerReceivesCents   int64      `gorm:"column:seller_receives_cents"`
	Currency              string     `gorm:"column:currency"`
	PaymentStatus         string     `gorm:"column:payment_status"`
	EscrowStatus          string     `gorm:"column:escrow_status"`
	CodeDeliveryStatus    string     `gorm:"column:code_delivery_status"`
	EscrowReleaseDate     time.Time  `gorm:"column:escrow_release_date"`
	ReleasedToSellerAt    *time.Time `gorm:"column:released_to_seller_at"`
	ReleaseTrigger        *string    `gorm:"column:release_trigger"`
	ReleasedBy            *string    `gorm:"column:released_by"`
	CodeAccessedAt        *time.Time `gorm:"column:code_accessed_at"`
	StripePaymentIntentID *string    `gorm:"column:stripe_payment_intent_id"`
	StripeTransferID      *string    `gorm:"column:stripe_transfer_id"`
	StripeRefundID        *string    `gorm:"column:stripe_refund_id"`
	RefundReason          *string    `gorm:"column:refund_reason"`
	RefundedAt            *time.Time `gorm:"column:refunded_at"`
	ReleaseClaimToken     *string    `gorm:"column:release_claim_token"`
	ReleaseClaimExpiresAt *time.Time `gorm:"column:release_claim_expires_at"`
	PayoutKind            *string    `gorm:"column:payout_kind"`
	PayoutAttempt         int        `gorm:"column:payout_attempt"`
	PayoutRequestedBy     *string    `gorm:"column:payout_requested_by"`
	PayoutTrigger         *string    `gorm:"column:payout_trigger"`
	PayoutReason          *string    `gorm:"column:payout_reason"`
	CreatedAt             time.Time  `gorm:"column:created_at"`
	UpdatedAt             time.Time  `gorm:"column:updated_at"`
}

func (transactionModel) TableName() string { return "escrow_transactions" }

type transferModel struct {
	TransferID           string     `gorm:"column:transfer_id;primaryKey"`
	TransactionID        string     `gorm:"column:transaction_id"`
	GithubRepoFullName   string     `gorm:"column:github_repo_full_name"`
	Method               string     `gorm:"column:method"`
	Status               string     `gorm:"column:status"`
	SellerID             string     `gorm:"column:seller_id"`
	BuyerID              string     `gorm:"column:buyer_id"`
	SellerGithubUsername *string    `gorm:"column:seller_github_username"`
	BuyerGithubUsername  *string    `gorm:"column:buyer_github_username"`
	GithubInvitationID   *string    `gorm:"column:github_invitation_id"`
	RetryCount           int        `gorm:"column:retry_count"`
	RetryBudget          int        `gorm:"column:retry_budget"`
	InitiatedAt          *time.Time `gorm:"column:initiated_at"`
	InvitationSentAt     *time.Time `gorm:"column:invitation_sent_at"`
	AcceptedAt           *time.Time `gorm:"column:accepted_at"`
	CompletedAt          *time.Time `gorm:"column:completed_at"`
	FailedAt             *time.Time `gorm:"column:failed_at"`
	ErrorMessage         *string    `gorm:"column:error_message"`
	CreatedAt            time.Time  `gorm:"column:created_at"`
	UpdatedAt            time.Time  `gorm:"column:updated_at"`
}

func (transferModel) TableName() string { return "repository_transfers" }

type listingModel struct {
	ProjectID          string  `gorm:"column:project_id;primaryKey"`
	SellerID           string  `gorm:"column:seller_id"`
	Title              string  `gorm:"column:title"`
	PriceCents         int64   `gorm:"column:price_cents"`
	Status             string  `gorm:"column:status"`
	GithubRepoFullName *string `gorm:"column:github_repo_full_name"`
}

func (listingModel) TableName() string { return "marketplace_listings" }

type sellerAccountModel struct {
	SellerID           string  `gorm:"column:seller_id;primaryKey"`
	StripeAccountID    *string `gorm:"column:stripe_account_id"`
	OnboardingComplete bool    `gorm:"column:onboarding_complete"`
}

func (sellerAccountModel) TableName() string { return "seller_payout_accounts" }

type githubIdentityModel struct {
	UserID      string  `gorm:"column:user_id;primaryKey"`
	Username    string  `gorm:"column:username"`
	AccessToken *string `gorm:"column:access_token"`
}

func (githubIdentityModel) TableName() string { return "github_identities" }

type escrowOutboxModel struct {
	OutboxID       uuid.UUID  `gorm:"column:outbox_id;type:uuid;primaryKey"`
	EventType      string     `gorm:"column:event_type"`
	PartitionKey   string     `gorm:"column:partition_key"`
	Payload        string     `gorm:"column:payload;type:jsonb"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	PublishedAt    *time.Time `gorm:"column:published_at"`
	RetryCount     int        `gorm:"column:retry_count"`
	LastError      *string    `gorm:"column:last_error"`
	LastErrorAt    *time.Time `gorm:"column:last_error_at"`
	ClaimToken     *string    `gorm:"column:claim_token"`
	ClaimUntil     *time.Time `gorm:"column:claim_until"`
	DeadLetteredAt *time.Time `gorm:"column:dead_lettered_at"`
}

func (escrowOutboxModel) TableName() string { return "escrow_outbox" }

type escrowIdempotencyModel struct {
	IdempotencyKey string    `gorm:"column:idempotency_key;primaryKey"`
	RequestHash    string    `gorm:"column:request_hash"`
	Status         string    `gorm:"column:status"`
	ResponseCode   int       `gorm:"column:response_code"`
	ResponseBody   *string   `gorm:"column:response_body;type:jsonb"`
	ExpiresAt      time.Time `gorm:"column:expires_at"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (escrowIdempotencyModel) TableName() string { return "escrow_idempotency" }

type eventDedupModel struct {
	EventID     string    `gorm:"column:event_id;primaryKey"`
	EventType   string    `gorm:"column:event_type"`
	ProcessedAt time.Time `gorm:"column:processed_at"`
	ExpiresAt   time.Time `gorm:"column:expires_at"`
}

func (eventDedupModel) TableName() string { return "escrow_event_dedup" }
